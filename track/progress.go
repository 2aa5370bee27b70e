package track

import (
	"math"
	"time"

	humanize "github.com/dustin/go-humanize"

	"github.com/mohans/genpipe/pipeline"
)

// The local estimation curve: four phases mapped onto elapsed time, used
// whenever the authoritative source has no sub-item counters. The curve
// never claims completion; it plateaus just below the cap until a terminal
// status arrives.
type phase struct {
	stage pipeline.Stage
	until time.Duration // phase end, measured from task start
	from  float64       // percent at phase start
	to    float64       // percent at phase end
}

var phases = []phase{
	{stage: pipeline.StageProcessing, until: 15 * time.Second, from: 0, to: 10},
	{stage: pipeline.StageAIProcessing, until: 75 * time.Second, from: 10, to: 70},
	{stage: pipeline.StageWatermarking, until: 105 * time.Second, from: 70, to: 90},
	{stage: pipeline.StageUploading, until: nominalDuration, from: 90, to: estimateCap},
}

const (
	// nominalDuration is the expected wall time of a full run; past it the
	// estimate stays pinned at the cap.
	nominalDuration = 135 * time.Second
	estimateCap     = 98.0
)

// Estimate derives (stage, percent, eta) from elapsed time alone.
func Estimate(elapsed time.Duration) (pipeline.Stage, float64, time.Duration) {
	if elapsed < 0 {
		elapsed = 0
	}
	start := time.Duration(0)
	for _, p := range phases {
		if elapsed < p.until {
			frac := float64(elapsed-start) / float64(p.until-start)
			pct := p.from + frac*(p.to-p.from)
			return p.stage, pct, nominalDuration - elapsed
		}
		start = p.until
	}
	return pipeline.StageUploading, estimateCap, 0
}

// EtaText renders a remaining-time estimate for display.
func EtaText(eta time.Duration) string {
	if eta <= 0 {
		return "almost done"
	}
	now := time.Now()
	return humanize.CustomRelTime(now.Add(eta), now, "", "remaining", defaultMagnitudes)
}

// Sub-minute magnitudes kept coarse; a second-by-second countdown reads as
// false precision for an estimate this rough.
var defaultMagnitudes = []humanize.RelTimeMagnitude{
	{D: 30 * time.Second, Format: "a few seconds %s", DivBy: time.Second},
	{D: 90 * time.Second, Format: "about a minute %s", DivBy: time.Second},
	{D: time.Hour, Format: "%d minutes %s", DivBy: time.Minute},
	{D: math.MaxInt64, Format: "%d hours %s", DivBy: time.Hour},
}

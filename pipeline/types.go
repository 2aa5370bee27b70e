package pipeline

import "time"

// Stage is the pipeline position of a task. Valid values: pending, processing,
// ai_processing, watermarking, uploading, completed, failed.
// Kept as string for readability in SQL and status payloads.
type Stage string

const (
	StagePending      Stage = "pending"
	StageProcessing   Stage = "processing"
	StageAIProcessing Stage = "ai_processing"
	StageWatermarking Stage = "watermarking"
	StageUploading    Stage = "uploading"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

func (s Stage) Valid() bool {
	switch s {
	case StagePending, StageProcessing, StageAIProcessing, StageWatermarking,
		StageUploading, StageCompleted, StageFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether a task in this stage is finished for good.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// next is the forward edge of the stage graph. failed is reachable from any
// non-terminal stage and is handled separately by MarkFailed.
var next = map[Stage]Stage{
	StagePending:      StageProcessing,
	StageProcessing:   StageAIProcessing,
	StageAIProcessing: StageWatermarking,
	StageWatermarking: StageUploading,
	StageUploading:    StageCompleted,
}

// CanAdvance reports whether from -> to is a legal forward transition.
func CanAdvance(from, to Stage) bool {
	return next[from] == to
}

// Artifact is one generated output, stored by reference.
type Artifact struct {
	Ref string `json:"ref"`
	URL string `json:"url,omitempty"`
}

/// Result is the terminal payload of a task: artifacts on success, an error
// message on failure.
type Result struct {
	Images   []Artifact `json:"images,omitempty"`
	ErrorMsg string     `json:"error_msg,omitempty"`
}

// Task is one generation request and its lifecycle record. Rows are never
// deleted; terminal tasks are retained for audit and progress queries.
type Task struct {
	ID              string
	OwnerID         string
	Stage           Stage
	Prompt          string
	ImageRefs       []string
	OutputType      string
	Params          map[string]string
	SelectedModelID string
	RetryCount      int
	ReservedCredits int64
	Compensated     bool
	Result          *Result
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StatusSnapshot is the wire shape served to pollers and published on the
// realtime channel.
type StatusSnapshot struct {
	TaskID     string  `json:"task_id"`
	Status     Stage   `json:"status"`
	Completed  int     `json:"completed,omitempty"`
	Total      int     `json:"total,omitempty"`
	EtaSeconds float64 `json:"etaSeconds,omitempty"`
	Message    string  `json:"message,omitempty"`
	ErrorMsg   string  `json:"error_message,omitempty"`
	Result     *Result `json:"result,omitempty"`
}

// Snapshot derives the externally visible status of a task.
func (t *Task) Snapshot() StatusSnapshot {
	snap := StatusSnapshot{TaskID: t.ID, Status: t.Stage}
	if t.Result != nil {
		if t.Stage == StageCompleted {
			snap.Result = t.Result
			snap.Completed = len(t.Result.Images)
			snap.Total = len(t.Result.Images)
		}
		snap.ErrorMsg = t.Result.ErrorMsg
	}
	return snap
}

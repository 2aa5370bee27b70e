package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper finds runs that stopped writing checkpoints and abandons them.
// Interrupted runs are not resumed: stage effects include provider calls
// that are not replay-safe, so the floor is detection plus compensation.
type Sweeper struct {
	store  Store
	comp   *Compensator
	cron   *cron.Cron
	maxAge time.Duration
	log    *slog.Logger
}

type SweeperOptions struct {
	Schedule string        // cron spec, default "@every 1m"
	MaxAge   time.Duration // stale threshold, default 15m
	Logger   *slog.Logger
}

func NewSweeper(store Store, comp *Compensator, opts SweeperOptions) (*Sweeper, error) {
	schedule := opts.Schedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		store:  store,
		comp:   comp,
		cron:   cron.New(),
		maxAge: maxAge,
		log:    logger,
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		s.SweepOnce(context.Background())
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) Start() { s.cron.Start() }

func (s *Sweeper) Stop() { s.cron.Stop() }

// SweepOnce compensates every task whose last checkpoint is older than the
// stale threshold. Returns how many tasks were abandoned.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	stuck, err := s.store.ListStuck(ctx, cutoff)
	if err != nil {
		s.log.Error("stale scan failed", "err", err)
		return 0
	}
	n := 0
	for _, t := range stuck {
		if err := s.comp.Compensate(ctx, t.ID, "abandoned: no progress since "+t.UpdatedAt.Format(time.RFC3339)); err != nil {
			s.log.Error("abandon failed", "task", t.ID, "err", err)
			continue
		}
		s.log.Warn("abandoned stuck task", "task", t.ID, "stage", t.Stage)
		n++
	}
	return n
}

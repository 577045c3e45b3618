package gather

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run starts the data gathering process. It blocks until ctx is cancelled
	// or the work is done.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Compile-time interface check.
var _ Gatherer = (*Scheduled)(nil)

// Scheduled runs a job on a cron schedule until its context is cancelled.
// A failing job is logged and retried on the next tick.
type Scheduled struct {
	name string
	spec string
	job  func(ctx context.Context) error
	log  *slog.Logger
}

// NewScheduled creates a Scheduled gatherer firing job at spec, a standard
// five-field cron expression.
func NewScheduled(name, spec string, job func(ctx context.Context) error) *Scheduled {
	return &Scheduled{
		name: name,
		spec: spec,
		job:  job,
		log:  slog.Default().With("gatherer", name),
	}
}

// Name returns the gatherer identifier.
func (s *Scheduled) Name() string { return s.name }

// Run registers the job and blocks until ctx is cancelled. Runs in flight are
// waited for before returning.
func (s *Scheduled) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.spec, func() {
		start := time.Now()
		if err := s.job(ctx); err != nil {
			s.log.Error("scheduled run failed", "err", err)
			return
		}
		s.log.Info("scheduled run done", "elapsed", time.Since(start).Round(time.Millisecond))
	}); err != nil {
		return fmt.Errorf("register %s at %q: %w", s.name, s.spec, err)
	}

	c.Start()
	s.log.Info("scheduler started", "spec", s.spec)
	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}

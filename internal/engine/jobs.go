package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "presenced/internal/log"
)

// Scheduler runs the periodic tasks (reconcile, sweep, calendar poll) on
// cron specs such as "@every 1m". A run still in progress when its next
// slot arrives is skipped, and a panicking run is recovered and logged, so
// one bad tick never stops future ticks.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates a scheduler evaluating specs in loc.
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	logger := appLog.Cron()
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Add registers fn under spec. fn receives ctx, which the caller cancels on
// shutdown.
func (s *Scheduler) Add(ctx context.Context, name, spec string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		appLog.Debug("job run", "job", name)
		fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	appLog.Info("job scheduled", "job", name, "spec", spec)
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Len reports how many jobs are registered.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// ReconcileJob adapts the reconciler to a scheduler job.
func (e *Engine) ReconcileJob(ctx context.Context) {
	res := e.Reconciler.Tick(ctx)
	appLog.Debug("reconcile tick", "outcome", res.Outcome, "rule_id", res.Rule.ID)
}

// SweepJob adapts the sweeper to a scheduler job.
func (e *Engine) SweepJob(ctx context.Context) {
	_, _ = e.Sweeper.Sweep(ctx)
}

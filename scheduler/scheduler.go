// Package scheduler runs migrations periodically on a cron expression.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	cron "github.com/pardnchiu/go-scheduler"

	"github.com/platforma-dev/dbupdater/log"
)

// Runner is a task executed on every tick.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Scheduler runs a Runner according to a cron expression. A tick that fires
// while the previous run is still in progress is skipped.
type Scheduler struct {
	cronExpr string
	runner   Runner
	running  atomic.Bool
	runs     atomic.Int64
}

// New creates a new Scheduler instance with a cron expression.
//
// Supported cron formats:
//   - Standard 5-field cron: "minute hour day month weekday" (e.g., "0 9 * * MON-FRI")
//   - Custom descriptors: @yearly, @monthly, @weekly, @daily, @hourly
//   - Interval syntax: @every 5m, @every 2h, @every 30s
//
// Returns an error if the cron expression is invalid.
func New(cronExpr string, runner Runner) (*Scheduler, error) {
	// Check for empty expression first to avoid library panic
	if cronExpr == "" {
		return nil, fmt.Errorf("invalid cron expression %q: expression cannot be empty", cronExpr)
	}

	testScheduler, err := cron.New(cron.Config{Location: time.UTC})
	if err != nil {
		return nil, fmt.Errorf("failed to create cron validator: %w", err)
	}

	_, err = testScheduler.Add(cronExpr, func() {})
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	return &Scheduler{
		cronExpr: cronExpr,
		runner:   runner,
	}, nil
}

// Runs returns how many ticks actually ran the runner.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

func (s *Scheduler) tick(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		log.WarnContext(ctx, "previous migration run still in progress, skipping tick")
		return nil
	}
	defer s.running.Store(false)

	n := s.runs.Add(1)
	log.DebugContext(ctx, "scheduled migration run started", "run", n)

	err := s.runner.Run(ctx)
	if err != nil {
		log.ErrorContext(ctx, "scheduled migration run failed", "run", n, "error", err)
	}
	return err
}

// Run starts the scheduler and executes the runner according to the cron schedule.
// It blocks until ctx is canceled and then waits for a run in progress to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	cronScheduler, err := cron.New(cron.Config{Location: time.UTC})
	if err != nil {
		return fmt.Errorf("failed to create cron scheduler: %w", err)
	}

	_, err = cronScheduler.Add(s.cronExpr, func() error {
		return s.tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron task: %w", err)
	}

	cronScheduler.Start()

	<-ctx.Done()

	stopCtx := cronScheduler.Stop()
	<-stopCtx.Done()

	return fmt.Errorf("scheduler context canceled: %w", ctx.Err())
}

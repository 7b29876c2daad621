// Package worker runs the periodic loops that keep sessions moving without a
// request to trigger them: opening sessions for idle configurations, sweeping
// refunds, and closing sessions a dead process left behind.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/monkify/session-engine/internal/metrics"
	"github.com/monkify/session-engine/internal/model"
)

// Worker is one iteration of a periodic job.
type Worker interface {
	Name() string
	RunOnce(ctx context.Context) error
}

// Sessions is the part of the orchestrator the workers drive.
type Sessions interface {
	IsRunning(sessionID string) bool
	Resume(ctx context.Context, sessionID string) error
	SpawnNext(ctx context.Context, parametersID string) (*model.Session, error)
	ProcessRefund(ctx context.Context, sessionID string) error
	RefundBet(ctx context.Context, betID string) error
	CloseAbrupt(ctx context.Context, sessionID string) error
}

// Cutoff decides when a session that is not running in this process has
// been abandoned: its last change predates the process boot, or it has not
// changed for StaleAfter. A run that failed on a store error leaves its
// session behind in this way. A zero StaleAfter only uses the boot instant.
type Cutoff struct {
	Boot       time.Time
	StaleAfter time.Duration
}

// Abandoned reports whether a session last changed at changed is abandoned
// at now.
func (c Cutoff) Abandoned(changed, now time.Time) bool {
	if changed.Before(c.Boot) {
		return true
	}
	return c.StaleAfter > 0 && now.Sub(changed) >= c.StaleAfter
}

// Schedule binds a worker to its interval.
type Schedule struct {
	Worker   Worker
	Interval time.Duration
}

// Runner ticks every scheduled worker in its own goroutine. Each worker runs
// once immediately, then on every tick; iterations never overlap for one
// worker.
type Runner struct {
	schedules []Schedule
	logger    *slog.Logger
}

// NewRunner creates a runner. Schedules with a non-positive interval are
// rejected by Run.
func NewRunner(logger *slog.Logger, schedules ...Schedule) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{schedules: schedules, logger: logger.With("component", "worker")}
}

// Run blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	for _, s := range r.schedules {
		if s.Interval <= 0 {
			return fmt.Errorf("worker %s: interval must be positive", s.Worker.Name())
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range r.schedules {
		g.Go(func() error {
			r.loop(ctx, s)
			return nil
		})
	}
	return g.Wait()
}

// RunAll runs every worker once, in order.
func (r *Runner) RunAll(ctx context.Context) {
	for _, s := range r.schedules {
		r.iterate(ctx, s.Worker)
	}
}

func (r *Runner) loop(ctx context.Context, s Schedule) {
	r.logger.Info("worker started", "worker", s.Worker.Name(), "interval", s.Interval)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		r.iterate(ctx, s.Worker)
		select {
		case <-ctx.Done():
			r.logger.Info("worker stopped", "worker", s.Worker.Name())
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) iterate(ctx context.Context, w Worker) {
	result := "ok"
	defer func() {
		if p := recover(); p != nil {
			result = "panic"
			r.logger.Error("worker panicked", "worker", w.Name(), "panic", p)
		}
		metrics.WorkerIterations.WithLabelValues(w.Name(), result).Inc()
	}()

	if err := w.RunOnce(ctx); err != nil {
		result = "error"
		r.logger.Error("worker iteration failed", "worker", w.Name(), "err", err)
	}
}

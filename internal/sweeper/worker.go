// Package sweeper evicts idle sessions from the session store in the
// background.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/mentor/internal/session"
)

// Expirer removes sessions not updated since before.
type Expirer interface {
	ExpireIdle(ctx context.Context, before time.Time) (int, error)
}

// Worker periodically expires sessions idle for longer than the idle timeout.
type Worker struct {
	store   Expirer
	idle    time.Duration
	poll    time.Duration
	clock   session.Clock
	logger  *slog.Logger
	onSweep func(removed int)
}

// NewWorker creates a Worker. idle <= 0 selects session.DefaultIdleTimeout;
// pollInterval <= 0 defaults to one minute.
func NewWorker(store Expirer, idle, pollInterval time.Duration) *Worker {
	if idle <= 0 {
		idle = session.DefaultIdleTimeout
	}
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Worker{
		store:  store,
		idle:   idle,
		poll:   pollInterval,
		clock:  session.RealClock,
		logger: slog.Default(),
	}
}

// WithClock overrides the wall clock (for testing).
func (w *Worker) WithClock(c session.Clock) *Worker {
	w.clock = c
	return w
}

// OnSweep registers a callback invoked after every successful sweep.
func (w *Worker) OnSweep(fn func(removed int)) *Worker {
	w.onSweep = fn
	return w
}

// Run sweeps until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("session sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce performs a single sweep and returns how many sessions it removed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	before := w.clock.Now().Add(-w.idle)
	n, err := w.store.ExpireIdle(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("expiring idle sessions: %w", err)
	}
	if n > 0 {
		w.logger.Info("expired idle sessions", "count", n, "idle_timeout", w.idle)
	}
	if w.onSweep != nil {
		w.onSweep(n)
	}
	return n, nil
}

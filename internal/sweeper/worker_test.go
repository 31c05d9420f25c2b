package sweeper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/mentor/internal/session"
	"github.com/kalambet/mentor/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestStore(t *testing.T, clock session.Clock) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:", storage.WithClock(clock))
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunOnce_ExpiresOnlyIdleSessions(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	store := openTestStore(t, clock)

	if err := store.Save(ctx, session.NewContext("old", "u1", clock.Now()), 0); err != nil {
		t.Fatalf("Save: %v", err)
	}
	clock.Advance(20 * time.Minute)
	if err := store.Save(ctx, session.NewContext("recent", "u1", clock.Now()), 0); err != nil {
		t.Fatalf("Save: %v", err)
	}
	clock.Advance(15 * time.Minute)

	w := NewWorker(store, 30*time.Minute, time.Hour).WithClock(clock)
	n, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d sessions, want 1", n)
	}
	if _, err := store.Load(ctx, "recent"); err != nil {
		t.Errorf("recent session should survive: %v", err)
	}
}

type errExpirer struct{ calls atomic.Int32 }

func (e *errExpirer) ExpireIdle(ctx context.Context, before time.Time) (int, error) {
	e.calls.Add(1)
	return 0, errors.New("database is locked")
}

func TestRunOnce_WrapsStoreError(t *testing.T) {
	w := NewWorker(&errExpirer{}, 0, 0)
	if _, err := w.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

type countingExpirer struct{ calls atomic.Int32 }

func (c *countingExpirer) ExpireIdle(ctx context.Context, before time.Time) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestRun_PollsUntilCancelled(t *testing.T) {
	exp := &countingExpirer{}
	ctx, cancel := context.WithCancel(context.Background())

	sweeps := make(chan int, 16)
	w := NewWorker(exp, time.Minute, 5*time.Millisecond).OnSweep(func(n int) {
		select {
		case sweeps <- n:
		default:
		}
	})

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-sweeps:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for sweep")
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := exp.calls.Load(); got < 3 {
		t.Errorf("ExpireIdle called %d times, want >= 3", got)
	}
}

func TestRun_KeepsGoingAfterErrors(t *testing.T) {
	exp := &errExpirer{}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	NewWorker(exp, time.Minute, 5*time.Millisecond).Run(ctx)
	if got := exp.calls.Load(); got < 2 {
		t.Errorf("ExpireIdle called %d times, want >= 2", got)
	}
}

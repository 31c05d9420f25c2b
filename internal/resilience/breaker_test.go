package resilience

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func record(b *Breaker, failed bool) {
	p, ok := b.Allow()
	if ok {
		b.Record(p, failed)
	}
}

func TestBreaker_OpensAtFailureRate(t *testing.T) {
	clock := newTestClock()
	b := NewStats(BreakerConfig{}, clock.Now).Breaker("debug")

	// Four failures are below MinRequests.
	for i := 0; i < 4; i++ {
		record(b, true)
	}
	assert.Equal(t, Closed, b.State())

	record(b, true)
	assert.Equal(t, Open, b.State())

	_, ok := b.Allow()
	assert.False(t, ok, "open breaker rejects immediately")
}

func TestBreaker_StaysClosedBelowRate(t *testing.T) {
	clock := newTestClock()
	b := NewStats(BreakerConfig{}, clock.Now).Breaker("code")

	for i := 0; i < 6; i++ {
		record(b, false)
	}
	for i := 0; i < 5; i++ {
		record(b, true)
	}
	assert.Equal(t, Closed, b.State(), "5 of 11 is below 0.5")

	record(b, true)
	assert.Equal(t, Open, b.State(), "6 of 12 reaches 0.5")
}

func TestBreaker_WindowForgetsOldFailures(t *testing.T) {
	clock := newTestClock()
	b := NewStats(BreakerConfig{}, clock.Now).Breaker("docs")

	for i := 0; i < 4; i++ {
		record(b, true)
	}
	clock.Advance(31 * time.Second)
	record(b, true)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	clock := newTestClock()
	b := NewStats(BreakerConfig{}, clock.Now).Breaker("deploy")
	for i := 0; i < 5; i++ {
		record(b, true)
	}
	require.Equal(t, Open, b.State())

	clock.Advance(14 * time.Second)
	_, ok := b.Allow()
	assert.False(t, ok, "still cooling down")

	clock.Advance(2 * time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := b.Allow(); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load(), "exactly one trial call")
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_TrialOutcome(t *testing.T) {
	clock := newTestClock()
	b := NewStats(BreakerConfig{}, clock.Now).Breaker("workflow")
	for i := 0; i < 5; i++ {
		record(b, true)
	}
	clock.Advance(16 * time.Second)

	trial, ok := b.Allow()
	require.True(t, ok)
	b.Record(trial, true)
	assert.Equal(t, Open, b.State(), "failed trial re-opens")

	_, ok = b.Allow()
	assert.False(t, ok, "cooldown restarts after a failed trial")

	clock.Advance(16 * time.Second)
	trial, ok = b.Allow()
	require.True(t, ok)
	b.Record(trial, false)
	assert.Equal(t, Closed, b.State(), "successful trial closes")
}

func TestBreaker_LateResultDoesNotCloseHalfOpen(t *testing.T) {
	clock := newTestClock()
	b := NewStats(BreakerConfig{}, clock.Now).Breaker("concept")

	early, ok := b.Allow()
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		record(b, true)
	}
	clock.Advance(16 * time.Second)
	_, ok = b.Allow()
	require.True(t, ok)

	b.Record(early, false)
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_ReleasedTrial(t *testing.T) {
	clock := newTestClock()
	b := NewStats(BreakerConfig{}, clock.Now).Breaker("tech_advice")
	for i := 0; i < 5; i++ {
		record(b, true)
	}
	clock.Advance(16 * time.Second)

	trial, ok := b.Allow()
	require.True(t, ok)
	b.Release(trial)
	assert.Equal(t, Open, b.State())

	_, ok = b.Allow()
	assert.True(t, ok, "cooldown already elapsed, next caller gets the trial")
}

func TestStats_Snapshot(t *testing.T) {
	clock := newTestClock()
	s := NewStats(BreakerConfig{}, clock.Now)
	record(s.Breaker("code"), false)
	record(s.Breaker("code"), true)
	s.Breaker("debug")

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, BreakerSnapshot{State: "closed", Calls: 2, Failures: 1}, snap["code"])
	assert.Equal(t, BreakerSnapshot{State: "closed"}, snap["debug"])
	assert.Same(t, s.Breaker("code"), s.Breaker("code"))
}

package resilience

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is a circuit breaker state.
type State uint32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes every breaker in a Stats registry.
type BreakerConfig struct {
	Window      time.Duration // rolling window of outcomes
	MinRequests int           // outcomes needed before the breaker may open
	FailureRate float64       // open at or above this failure fraction
	Cooldown    time.Duration // open → half-open delay
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:      30 * time.Second,
		MinRequests: 5,
		FailureRate: 0.5,
		Cooldown:    15 * time.Second,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinRequests <= 0 {
		c.MinRequests = d.MinRequests
	}
	if c.FailureRate <= 0 || c.FailureRate > 1 {
		c.FailureRate = d.FailureRate
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Permit is handed out by Allow and must be returned through Record or Release.
type Permit struct {
	trial bool
}

type sample struct {
	at     time.Time
	failed bool
}

// Breaker is a failure-rate circuit breaker over a rolling time window.
// State transitions use CAS so exactly one caller wins the half-open trial.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	state    atomic.Uint32
	openedAt atomic.Int64 // unix nano

	mu      sync.Mutex
	samples []sample
}

func newBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	return &Breaker{cfg: cfg, now: now}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() (Permit, bool) {
	for {
		switch State(b.state.Load()) {
		case Open:
			opened := time.Unix(0, b.openedAt.Load())
			if b.now().Sub(opened) < b.cfg.Cooldown {
				return Permit{}, false
			}
			if b.state.CompareAndSwap(uint32(Open), uint32(HalfOpen)) {
				return Permit{trial: true}, true
			}
			// Lost the race; re-read the state.
		case HalfOpen:
			return Permit{}, false
		default:
			return Permit{}, true
		}
	}
}

// Record reports a call's outcome.
func (b *Breaker) Record(p Permit, failed bool) {
	now := b.now()
	if p.trial {
		if failed {
			b.openedAt.Store(now.UnixNano())
			b.state.Store(uint32(Open))
			return
		}
		b.mu.Lock()
		b.samples = b.samples[:0]
		b.mu.Unlock()
		b.state.Store(uint32(Closed))
		return
	}

	b.mu.Lock()
	b.samples = append(b.prune(now), sample{at: now, failed: failed})
	total, failures := len(b.samples), 0
	for _, s := range b.samples {
		if s.failed {
			failures++
		}
	}
	b.mu.Unlock()

	if failed && total >= b.cfg.MinRequests && float64(failures)/float64(total) >= b.cfg.FailureRate {
		if b.state.CompareAndSwap(uint32(Closed), uint32(Open)) {
			b.openedAt.Store(now.UnixNano())
		}
	}
}

// Release returns a permit whose call never reached the provider. A released
// trial puts the breaker back to open without restarting the cooldown.
func (b *Breaker) Release(p Permit) {
	if p.trial {
		b.state.CompareAndSwap(uint32(HalfOpen), uint32(Open))
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// prune drops samples older than the window. Callers hold mu.
func (b *Breaker) prune(now time.Time) []sample {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	return b.samples[i:]
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	State    string `json:"state"`
	Calls    int    `json:"calls"`
	Failures int    `json:"failures"`
}

func (b *Breaker) snapshot() BreakerSnapshot {
	b.mu.Lock()
	b.samples = b.prune(b.now())
	snap := BreakerSnapshot{State: b.State().String(), Calls: len(b.samples)}
	for _, s := range b.samples {
		if s.failed {
			snap.Failures++
		}
	}
	b.mu.Unlock()
	return snap
}

// Stats is the registry of per-provider breakers. It is shared by every
// Wrapper that should see the same provider health.
type Stats struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewStats returns an empty registry. now may be nil.
func NewStats(cfg BreakerConfig, now func() time.Time) *Stats {
	if now == nil {
		now = time.Now
	}
	return &Stats{cfg: cfg.withDefaults(), now: now, breakers: make(map[string]*Breaker)}
}

// Breaker returns the breaker for name, creating it closed on first use.
func (s *Stats) Breaker(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = newBreaker(s.cfg, s.now)
		s.breakers[name] = b
	}
	return b
}

// Snapshot returns the state of every breaker seen so far.
func (s *Stats) Snapshot() map[string]BreakerSnapshot {
	s.mu.Lock()
	bs := make(map[string]*Breaker, len(s.breakers))
	for k, v := range s.breakers {
		bs[k] = v
	}
	s.mu.Unlock()

	out := make(map[string]BreakerSnapshot, len(bs))
	for k, b := range bs {
		out[k] = b.snapshot()
	}
	return out
}

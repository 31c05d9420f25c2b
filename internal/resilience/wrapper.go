// Package resilience wraps provider calls with a hard timeout, a single
// retry for retryable errors, per-provider circuit breakers, optional rate
// limits and a last-good-answer cache used for degraded results.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/kalambet/mentor/internal/provider"
)

// DefaultTimeout bounds one Invoke when the caller passes zero.
const DefaultTimeout = 8 * time.Second

const defaultCacheSize = 256

var (
	// ErrCircuitOpen is the cause of outcomes rejected by an open breaker.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrTimeout is the cause of outcomes that ran past their deadline.
	ErrTimeout = errors.New("provider timed out")
)

// Status summarizes how an Invoke ended.
type Status string

const (
	StatusOK        Status = "ok"
	StatusDegraded  Status = "degraded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Reason explains a non-OK status.
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonCircuitOpen Reason = "circuit_open"
	ReasonUnavailable Reason = "unavailable"
	ReasonRateLimited Reason = "rate_limited"
	ReasonPermanent   Reason = "permanent"
	ReasonCancelled   Reason = "cancelled"
)

// Outcome is the result of one wrapped provider call.
type Outcome struct {
	Domain   provider.Domain
	Status   Status
	Reason   Reason
	Result   provider.Result
	Cached   bool
	Err      error
	Attempts int
	Latency  time.Duration
}

// Degraded reports whether the result is a substitute for a real answer.
func (o Outcome) Degraded() bool { return o.Status == StatusDegraded }

// Config tunes a Wrapper.
type Config struct {
	Timeout   time.Duration
	RateLimit float64 // calls per second per provider; 0 disables
	RateBurst int
	CacheSize int
	Fallbacks map[provider.Domain]string
}

// DefaultFallbacks point the learner somewhere useful when a domain is down.
func DefaultFallbacks() map[provider.Domain]string {
	return map[provider.Domain]string{
		provider.Concept:    "The concept explainer is unavailable right now. The official language tour and reference docs cover most fundamentals.",
		provider.Code:       "Code generation is unavailable right now. Try again shortly, or start from the examples in the standard library docs.",
		provider.Debug:      "The debugging assistant is unavailable right now. Re-run with verbose logging and read the first error in the output, not the last.",
		provider.Docs:       "Documentation help is unavailable right now. Start with a one-line summary per exported symbol.",
		provider.Deploy:     "Deployment guidance is unavailable right now. Your platform's quickstart guide is the safest next step.",
		provider.Workflow:   "Workflow advice is unavailable right now. Try again in a minute.",
		provider.TechAdvice: "Technology advice is unavailable right now. Compare the options against your constraints and revisit shortly.",
	}
}

// Wrapper invokes providers with resilience policies. It never touches
// session state.
type Wrapper struct {
	stats     *Stats
	cfg       Config
	cache     *lru.Cache[string, provider.Result]
	metrics   *Metrics
	fallbacks map[provider.Domain]string

	mu       sync.Mutex
	limiters map[provider.Domain]*rate.Limiter
}

// NewWrapper builds a Wrapper over a shared breaker registry. metrics may be nil.
func NewWrapper(stats *Stats, cfg Config, metrics *Metrics) (*Wrapper, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, provider.Result](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating answer cache: %w", err)
	}
	fallbacks := DefaultFallbacks()
	for d, text := range cfg.Fallbacks {
		fallbacks[d] = text
	}
	return &Wrapper{
		stats:     stats,
		cfg:       cfg,
		cache:     cache,
		metrics:   metrics,
		fallbacks: fallbacks,
		limiters:  make(map[provider.Domain]*rate.Limiter),
	}, nil
}

// Stats returns the breaker registry.
func (w *Wrapper) Stats() *Stats { return w.stats }

// Invoke calls p once, retrying once on a retryable error, all within
// timeout. It returns at the deadline even if the provider ignores ctx.
func (w *Wrapper) Invoke(ctx context.Context, p provider.Provider, req provider.Request, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = w.cfg.Timeout
	}
	domain := p.Domain()
	start := time.Now()
	br := w.stats.Breaker(string(domain))

	out := w.invoke(ctx, br, p, req, timeout)
	out.Domain = domain
	out.Latency = time.Since(start)
	w.metrics.observe(string(domain), out, br.State())

	if out.Status != StatusOK {
		slog.Warn("provider call not ok",
			"domain", domain, "status", out.Status, "reason", out.Reason,
			"attempts", out.Attempts, "cached", out.Cached, "error", out.Err)
	}
	return out
}

func (w *Wrapper) invoke(parent context.Context, br *Breaker, p provider.Provider, req provider.Request, timeout time.Duration) Outcome {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	if lim := w.limiter(req.Domain); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			if parent.Err() != nil {
				return cancelled(parent.Err())
			}
			return w.degraded(req, ReasonRateLimited, err, 0)
		}
	}

	permit, ok := br.Allow()
	if !ok {
		return w.degraded(req, ReasonCircuitOpen, ErrCircuitOpen, 0)
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		res, err := call(ctx, p, req)
		if err == nil {
			br.Record(permit, false)
			w.cache.Add(cacheKey(req), res)
			return Outcome{Status: StatusOK, Result: res, Attempts: attempt}
		}
		lastErr = err

		switch {
		case parent.Err() != nil:
			br.Release(permit)
			return cancelled(parent.Err())
		case ctx.Err() != nil:
			br.Record(permit, true)
			return w.degraded(req, ReasonTimeout, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err), attempt)
		case provider.IsPermanent(provider.Classify(err)):
			// The provider answered; it just refused this input.
			br.Record(permit, false)
			return Outcome{Status: StatusFailed, Reason: ReasonPermanent, Err: err, Attempts: attempt}
		case provider.IsRetryable(provider.Classify(err)) && attempt == 1:
			slog.Debug("retrying provider call", "domain", req.Domain, "error", err)
			continue
		}
		br.Record(permit, true)
		return w.degraded(req, ReasonUnavailable, err, attempt)
	}
	br.Record(permit, true)
	return w.degraded(req, ReasonUnavailable, lastErr, 2)
}

type callResult struct {
	res provider.Result
	err error
}

// call runs the provider in its own goroutine so a provider that ignores
// ctx cannot hold the turn past the deadline.
func call(ctx context.Context, p provider.Provider, req provider.Request) (provider.Result, error) {
	ch := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- callResult{err: fmt.Errorf("provider %s panicked: %v", p.Domain(), r)}
			}
		}()
		res, err := p.Handle(ctx, req)
		ch <- callResult{res: res, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && ctx.Err() != nil {
			// Finished right at the deadline; count it as late.
			return provider.Result{}, ctx.Err()
		}
		return r.res, r.err
	case <-ctx.Done():
		return provider.Result{}, ctx.Err()
	}
}

func (w *Wrapper) degraded(req provider.Request, reason Reason, err error, attempts int) Outcome {
	out := Outcome{Status: StatusDegraded, Reason: reason, Err: err, Attempts: attempts}
	if res, ok := w.cache.Get(cacheKey(req)); ok {
		out.Result = res
		out.Cached = true
		return out
	}
	out.Result = provider.Result{Content: w.fallbacks[req.Domain]}
	return out
}

// Unavailable is the outcome for a domain with no registered provider.
func (w *Wrapper) Unavailable(req provider.Request) Outcome {
	out := w.degraded(req, ReasonUnavailable, fmt.Errorf("no provider registered for %s", req.Domain), 0)
	out.Domain = req.Domain
	return out
}

func cancelled(err error) Outcome {
	return Outcome{Status: StatusCancelled, Reason: ReasonCancelled, Err: err}
}

func (w *Wrapper) limiter(d provider.Domain) *rate.Limiter {
	if w.cfg.RateLimit <= 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	lim, ok := w.limiters[d]
	if !ok {
		burst := w.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(w.cfg.RateLimit), burst)
		w.limiters[d] = lim
	}
	return lim
}

// cacheKey normalizes the question so trivially different phrasings of the
// same message share a cached answer.
func cacheKey(req provider.Request) string {
	return string(req.Domain) + "\x00" + strings.Join(strings.Fields(strings.ToLower(req.Message)), " ")
}

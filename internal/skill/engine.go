// Package skill estimates per-domain proficiency from conversation signals.
//
// The Engine is a pure function over a rolling window of observations: it
// never performs I/O and never moves a level by more than one step per call.
package skill

import "fmt"

const defaultPromotionWindow = 3

// Rationale explains the outcome of one NextLevel call.
type Rationale struct {
	From    Level  `json:"from"`
	To      Level  `json:"to"`
	Changed bool   `json:"changed"`
	Reason  string `json:"reason"`
}

// Engine holds the tunables of the adaptation rules.
type Engine struct {
	// PromotionWindow is K: how many recent observations must be predominantly
	// positive, with no confusion among them, before promoting.
	PromotionWindow int
}

// NewEngine creates an Engine. k <= 0 selects the default window of 3.
func NewEngine(k int) *Engine {
	if k <= 0 {
		k = defaultPromotionWindow
	}
	return &Engine{PromotionWindow: k}
}

// NextLevel computes the level for obs.Domain after obs is observed.
// window holds the session's earlier observations (any domain, oldest first).
func (e *Engine) NextLevel(current Level, window []Observation, obs Observation, learningMode bool) (Level, Rationale) {
	r := Rationale{From: current, To: current}
	relevant := append(sinceReset(window, obs.Domain), obs)

	switch {
	case obs.Signal == SignalConfusion && learningMode:
		return e.step(r, -1, "confusion in learning mode")
	case obs.Signal == SignalConfusion:
		if n := len(relevant); n >= 2 && relevant[n-2].Signal == SignalConfusion {
			return e.step(r, -1, "two consecutive confusion signals")
		}
		r.Reason = "single confusion signal outside learning mode"
		return current, r
	}

	k := e.PromotionWindow
	if len(relevant) < k {
		r.Reason = fmt.Sprintf("%d of %d observations needed for promotion", len(relevant), k)
		return current, r
	}
	positive := 0
	for _, o := range relevant[len(relevant)-k:] {
		if o.Signal == SignalConfusion {
			r.Reason = "confusion within the promotion window"
			return current, r
		}
		if o.Signal.positive() {
			positive++
		}
	}
	if positive*2 > k {
		return e.step(r, +1, fmt.Sprintf("%d of last %d observations show mastery", positive, k))
	}
	r.Reason = "no sustained evidence of mastery"
	return current, r
}

func (e *Engine) step(r Rationale, delta int, reason string) (Level, Rationale) {
	next := r.From + Level(delta)
	if !next.Valid() {
		r.Reason = fmt.Sprintf("%s; already at %s", reason, r.From)
		return r.From, r
	}
	r.To = next
	r.Changed = true
	r.Reason = reason
	return next, r
}

// sinceReset returns the observations for domain that follow its most recent
// reset marker, oldest first.
func sinceReset(window []Observation, domain string) []Observation {
	var out []Observation
	for i := len(window) - 1; i >= 0; i-- {
		o := window[i]
		if o.Domain != domain {
			continue
		}
		if o.Reset {
			break
		}
		out = append(out, o)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

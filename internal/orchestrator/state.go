package orchestrator

import (
	"log/slog"
	"time"
)

// State is a step of the per-turn state machine.
type State string

const (
	StateIdle           State = "idle"
	StateContextLoaded  State = "context_loaded"
	StateRouted         State = "routed"
	StateDispatching    State = "dispatching"
	StateMerging        State = "merging"
	StateContextUpdated State = "context_updated"
	StateResponded      State = "responded"
	StateFailed         State = "failed"
)

// Transition is one recorded state change.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

type tracker struct {
	sessionID string
	now       func() time.Time
	states    []Transition
}

func (t *tracker) enter(s State) {
	t.states = append(t.states, Transition{State: s, At: t.now()})
	slog.Debug("turn state", "session_id", t.sessionID, "state", s)
}

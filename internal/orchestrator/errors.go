package orchestrator

import "fmt"

// Kind classifies an error surfaced to the caller.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindRoutingAmbiguous    Kind = "routing_ambiguous"
	KindProviderTimeout     Kind = "provider_timeout"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindProviderPermanent   Kind = "provider_permanent"
	KindContextConflict     Kind = "context_conflict"
	KindContextUnavailable  Kind = "context_unavailable"
)

// Error is a user-visible problem with a human-readable cause and, where
// one exists, a suggested retry action.
type Error struct {
	Kind  Kind   `json:"kind"`
	Cause string `json:"cause"`
	Retry string `json:"retry,omitempty"`

	err error
}

func (e *Error) Error() string {
	if e.Retry != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Cause, e.Retry)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.err }

func validationError(format string, args ...any) *Error {
	return &Error{
		Kind:  KindValidation,
		Cause: fmt.Sprintf(format, args...),
		Retry: "please clarify your request and try again",
	}
}

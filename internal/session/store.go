package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session or profile does not exist (or
	// a session has expired).
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when the stored version differs from the
	// version the caller loaded.
	ErrVersionConflict = errors.New("version conflict")
)

// Store persists sessions and profiles with optimistic concurrency. A save
// succeeds only when the stored version equals expectedVersion (zero for a
// record that must not exist yet); on success the record's Version is set
// to expectedVersion+1.
type Store interface {
	Load(ctx context.Context, sessionID string) (*Context, error)
	Save(ctx context.Context, c *Context, expectedVersion int64) error
	LoadProfile(ctx context.Context, userID string) (*UserProfile, error)
	SaveProfile(ctx context.Context, p *UserProfile, expectedVersion int64) error
	// SaveTurn commits a session and its profile together: both or neither.
	SaveTurn(ctx context.Context, c *Context, expectedSession int64, p *UserProfile, expectedProfile int64) error
	// ExpireIdle deletes sessions not updated since before and returns how many.
	ExpireIdle(ctx context.Context, before time.Time) (int, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

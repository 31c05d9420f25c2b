package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Records are cloned on the way in and
// out so callers never share memory with the store.
type MemoryStore struct {
	clock   Clock
	idleTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*Context
	profiles map[string]*UserProfile
}

// NewMemoryStore returns an empty store. A zero idleTTL disables expiry on
// Load; ExpireIdle still works.
func NewMemoryStore(clock Clock, idleTTL time.Duration) *MemoryStore {
	if clock == nil {
		clock = RealClock
	}
	return &MemoryStore{
		clock:    clock,
		idleTTL:  idleTTL,
		sessions: make(map[string]*Context),
		profiles: make(map[string]*UserProfile),
	}
}

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (*Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if m.idleTTL > 0 && c.UpdatedAt.Before(m.clock.Now().Add(-m.idleTTL)) {
		delete(m.sessions, sessionID)
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, c *Context, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkSession(c.SessionID, expectedVersion); err != nil {
		return err
	}
	m.putSession(c, expectedVersion)
	return nil
}

func (m *MemoryStore) LoadProfile(ctx context.Context, userID string) (*UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) SaveProfile(ctx context.Context, p *UserProfile, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkProfile(p.UserID, expectedVersion); err != nil {
		return err
	}
	m.putProfile(p, expectedVersion)
	return nil
}

func (m *MemoryStore) SaveTurn(ctx context.Context, c *Context, expectedSession int64, p *UserProfile, expectedProfile int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkSession(c.SessionID, expectedSession); err != nil {
		return err
	}
	if err := m.checkProfile(p.UserID, expectedProfile); err != nil {
		return err
	}
	m.putSession(c, expectedSession)
	m.putProfile(p, expectedProfile)
	return nil
}

func (m *MemoryStore) ExpireIdle(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, c := range m.sessions {
		if c.UpdatedAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) checkSession(id string, expected int64) error {
	var current int64
	if c, ok := m.sessions[id]; ok {
		current = c.Version
	}
	if current != expected {
		return ErrVersionConflict
	}
	return nil
}

func (m *MemoryStore) checkProfile(id string, expected int64) error {
	var current int64
	if p, ok := m.profiles[id]; ok {
		current = p.Version
	}
	if current != expected {
		return ErrVersionConflict
	}
	return nil
}

func (m *MemoryStore) putSession(c *Context, expected int64) {
	c.Version = expected + 1
	c.UpdatedAt = m.clock.Now()
	m.sessions[c.SessionID] = c.Clone()
}

func (m *MemoryStore) putProfile(p *UserProfile, expected int64) {
	p.Version = expected + 1
	p.UpdatedAt = m.clock.Now()
	m.profiles[p.UserID] = p.Clone()
}

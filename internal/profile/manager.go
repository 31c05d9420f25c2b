// Package profile gives the API and CLI cached, user-facing access to
// learner profiles: reads, preference edits and explicit level overrides.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kalambet/mentor/internal/session"
	"github.com/kalambet/mentor/internal/skill"
)

// Store defines the storage operations the Manager needs.
// Implemented by session.MemoryStore and storage.Store.
type Store interface {
	LoadProfile(ctx context.Context, userID string) (*session.UserProfile, error)
	SaveProfile(ctx context.Context, p *session.UserProfile, expectedVersion int64) error
}

const maxWriteAttempts = 3

type cacheEntry struct {
	p  *session.UserProfile
	at time.Time
}

// Manager caches profiles per user and serializes user-initiated edits
// through optimistic-version retries.
type Manager struct {
	store Store
	clock session.Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store) *Manager {
	return NewManagerWithClock(store, session.RealClock, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock session.Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// Get returns a copy of the user's profile, from cache when fresh.
// It returns session.ErrNotFound for users never seen.
func (m *Manager) Get(ctx context.Context, userID string) (*session.UserProfile, error) {
	m.mu.RLock()
	e, ok := m.cache[userID]
	m.mu.RUnlock()
	if ok && m.clock.Now().Before(e.at.Add(m.ttl)) {
		return e.p.Clone(), nil
	}

	p, err := m.store.LoadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	m.put(p)
	return p.Clone(), nil
}

// Invalidate drops a cached profile. Callers that write profiles through the
// store directly call this after committing.
func (m *Manager) Invalidate(userID string) {
	m.mu.Lock()
	delete(m.cache, userID)
	m.mu.Unlock()
}

func (m *Manager) put(p *session.UserProfile) {
	m.mu.Lock()
	m.cache[p.UserID] = cacheEntry{p: p.Clone(), at: m.clock.Now()}
	m.mu.Unlock()
}

// PreferencesPatch lists the preference fields to change; nil fields are kept.
type PreferencesPatch struct {
	Languages []string `json:"languages,omitempty"`
	Style     *string  `json:"style,omitempty"`
}

// SetPreferences applies patch to the user's preferences, creating the
// profile on first use.
func (m *Manager) SetPreferences(ctx context.Context, userID string, patch PreferencesPatch) (*session.UserProfile, error) {
	return m.update(ctx, userID, func(p *session.UserProfile) {
		if patch.Languages != nil {
			p.Preferences.Languages = append([]string(nil), patch.Languages...)
		}
		if patch.Style != nil {
			p.Preferences.Style = *patch.Style
		}
	})
}

// OverrideLevel records a user-declared skill level. An empty domain sets
// the overall level and every recorded domain.
func (m *Manager) OverrideLevel(ctx context.Context, userID, domain string, level skill.Level) (*session.UserProfile, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("invalid skill level %d", level)
	}
	return m.update(ctx, userID, func(p *session.UserProfile) {
		now := m.clock.Now()
		if domain == "" {
			p.OverrideAll(level)
			p.RecordProgress("overall", level, level, "level set by user", now)
			return
		}
		p.SetLevel(domain, level)
		p.RecordProgress(domain, level, level, "level set by user", now)
	})
}

// update loads (or creates) a profile, applies fn and saves it, retrying
// from a fresh read on version conflicts.
func (m *Manager) update(ctx context.Context, userID string, fn func(*session.UserProfile)) (*session.UserProfile, error) {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		p, err := m.store.LoadProfile(ctx, userID)
		if errors.Is(err, session.ErrNotFound) {
			p = session.NewProfile(userID, m.clock.Now())
		} else if err != nil {
			return nil, fmt.Errorf("loading profile: %w", err)
		}

		expected := p.Version
		fn(p)
		err = m.store.SaveProfile(ctx, p, expected)
		if err == nil {
			m.put(p)
			return p.Clone(), nil
		}
		if !errors.Is(err, session.ErrVersionConflict) {
			return nil, fmt.Errorf("saving profile: %w", err)
		}
		lastErr = err
		m.Invalidate(userID)
	}
	return nil, fmt.Errorf("saving profile after %d attempts: %w", maxWriteAttempts, lastErr)
}

// maxSummaryChars caps the summary to stay under ~500 tokens (4 chars/token).
const maxSummaryChars = 2000

// Summarize renders a profile as a compact block for provider prompts.
func Summarize(p *session.UserProfile) string {
	if p == nil {
		return "Learner profile: new learner."
	}
	parts := []string{fmt.Sprintf("Overall level: %s.", p.Overall)}

	if len(p.Skills) > 0 {
		domains := make([]string, 0, len(p.Skills))
		for d := range p.Skills {
			domains = append(domains, d)
		}
		sort.Strings(domains)
		levels := make([]string, len(domains))
		for i, d := range domains {
			levels[i] = fmt.Sprintf("%s (%s)", d, p.Skills[d])
		}
		parts = append(parts, fmt.Sprintf("Skills: %s.", strings.Join(levels, ", ")))
	}

	if len(p.Preferences.Languages) > 0 {
		parts = append(parts, fmt.Sprintf("Preferred languages: %s.", strings.Join(p.Preferences.Languages, ", ")))
	}
	if p.Preferences.Style != "" {
		parts = append(parts, fmt.Sprintf("Preferred style: %s.", p.Preferences.Style))
	}

	// Most recent progress first; older records are what gets cut.
	for i := len(p.Progress) - 1; i >= 0; i-- {
		lp := p.Progress[i]
		parts = append(parts, fmt.Sprintf("Learning %s: %s, aiming for %s.", lp.Topic, lp.CurrentLevel, lp.TargetLevel))
	}

	summary := strings.Join(parts, " ")
	if len(summary) > maxSummaryChars {
		// Ensure we don't split a multi-byte UTF-8 character.
		end := maxSummaryChars
		for end > 0 && !utf8.RuneStart(summary[end]) {
			end--
		}
		if idx := strings.LastIndex(summary[:end], " "); idx > 0 {
			summary = summary[:idx]
		} else {
			summary = summary[:end]
		}
	}
	return summary
}

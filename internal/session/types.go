// Package session holds the per-session and per-user state the orchestrator
// reads at the start of a turn and commits at the end of it.
package session

import (
	"time"

	"github.com/kalambet/mentor/internal/skill"
)

const (
	// DefaultHistoryCap bounds Context.History.
	DefaultHistoryCap = 50
	// DefaultSignalWindow bounds Context.Signals.
	DefaultSignalWindow = 20
	// MaxProgressRecords bounds UserProfile.Progress.
	MaxProgressRecords = 100
	// DefaultIdleTimeout is how long an untouched session survives.
	DefaultIdleTimeout = 30 * time.Minute
)

// Entry is one completed turn.
type Entry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Request  string    `json:"request"`
	Response string    `json:"response"`
	Domains  []string  `json:"domains,omitempty"`
	Topic    string    `json:"topic,omitempty"`
	Feedback string    `json:"feedback,omitempty"`
	Degraded bool      `json:"degraded,omitempty"`
}

// Topic is the subject the conversation is currently about.
type Topic struct {
	Subject string   `json:"subject"`
	Domains []string `json:"domains"`
}

// Context is the state of one session.
type Context struct {
	SessionID    string              `json:"session_id"`
	UserID       string              `json:"user_id"`
	LearningMode bool                `json:"learning_mode"`
	History      []Entry             `json:"history"`
	ActiveTopic  *Topic              `json:"active_topic,omitempty"`
	Signals      []skill.Observation `json:"signals"`
	Version      int64               `json:"version"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// NewContext returns an empty, never-saved session.
func NewContext(sessionID, userID string, now time.Time) *Context {
	return &Context{
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasEntry reports whether an entry with the given ID was already appended.
func (c *Context) HasEntry(id string) bool {
	for _, e := range c.History {
		if e.ID == id {
			return true
		}
	}
	return false
}

// AppendEntry adds e to the history and evicts the oldest entries beyond
// limit. The most recent entry of the active topic is never evicted.
// Appending an ID that is already present is a no-op and returns false.
func (c *Context) AppendEntry(e Entry, limit int) bool {
	if e.ID != "" && c.HasEntry(e.ID) {
		return false
	}
	if limit <= 0 {
		limit = DefaultHistoryCap
	}
	c.History = append(c.History, e)

	for len(c.History) > limit {
		protected := c.activeTopicTail()
		victim := -1
		for i := range c.History {
			if i != protected {
				victim = i
				break
			}
		}
		if victim < 0 {
			break
		}
		c.History = append(c.History[:victim], c.History[victim+1:]...)
	}
	return true
}

// activeTopicTail is the index of the newest entry on the active topic, or -1.
func (c *Context) activeTopicTail() int {
	if c.ActiveTopic == nil || c.ActiveTopic.Subject == "" {
		return -1
	}
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Topic == c.ActiveTopic.Subject {
			return i
		}
	}
	return -1
}

// Recent returns copies of the last n entries, oldest first.
func (c *Context) Recent(n int) []Entry {
	if n <= 0 || len(c.History) == 0 {
		return nil
	}
	if n > len(c.History) {
		n = len(c.History)
	}
	out := make([]Entry, n)
	for i, e := range c.History[len(c.History)-n:] {
		out[i] = e.clone()
	}
	return out
}

// Clone returns a deep copy.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	cp := *c
	if c.History != nil {
		cp.History = make([]Entry, len(c.History))
		for i, e := range c.History {
			cp.History[i] = e.clone()
		}
	}
	if c.ActiveTopic != nil {
		t := Topic{Subject: c.ActiveTopic.Subject, Domains: append([]string(nil), c.ActiveTopic.Domains...)}
		cp.ActiveTopic = &t
	}
	cp.Signals = append([]skill.Observation(nil), c.Signals...)
	return &cp
}

func (e Entry) clone() Entry {
	e.Domains = append([]string(nil), e.Domains...)
	return e
}

// Preferences are user-declared settings that shape responses.
type Preferences struct {
	Languages []string `json:"languages,omitempty"`
	Style     string   `json:"style,omitempty"`
}

// Milestone is a dated note inside a LearningProgress record.
type Milestone struct {
	At   time.Time `json:"at"`
	Note string    `json:"note"`
}

// LearningProgress tracks movement on one topic.
type LearningProgress struct {
	Topic        string      `json:"topic"`
	StartedAt    time.Time   `json:"started_at"`
	CurrentLevel skill.Level `json:"current_level"`
	TargetLevel  skill.Level `json:"target_level"`
	Milestones   []Milestone `json:"milestones,omitempty"`
}

// UserProfile is the long-lived per-user record.
type UserProfile struct {
	UserID      string                 `json:"user_id"`
	Skills      map[string]skill.Level `json:"skills"`
	Overall     skill.Level            `json:"overall"`
	Preferences Preferences            `json:"preferences"`
	Progress    []LearningProgress     `json:"progress,omitempty"`
	Version     int64                  `json:"version"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// NewProfile returns a beginner profile for a user seen for the first time.
func NewProfile(userID string, now time.Time) *UserProfile {
	return &UserProfile{
		UserID:    userID,
		Skills:    make(map[string]skill.Level),
		Overall:   skill.Beginner,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Level returns the recorded level for domain, falling back to Overall.
func (p *UserProfile) Level(domain string) skill.Level {
	if l, ok := p.Skills[domain]; ok {
		return l
	}
	return p.Overall
}

// SetLevel records a domain level and recomputes Overall.
func (p *UserProfile) SetLevel(domain string, l skill.Level) {
	if p.Skills == nil {
		p.Skills = make(map[string]skill.Level)
	}
	p.Skills[domain] = l
	p.Overall = skill.Overall(p.Skills)
}

// OverrideAll sets Overall and every recorded domain to l.
func (p *UserProfile) OverrideAll(l skill.Level) {
	for d := range p.Skills {
		p.Skills[d] = l
	}
	p.Overall = l
}

// RecordProgress appends a milestone to the topic's progress record,
// opening one if needed. The oldest records are dropped beyond
// MaxProgressRecords.
func (p *UserProfile) RecordProgress(topic string, level, target skill.Level, note string, at time.Time) {
	for i := range p.Progress {
		if p.Progress[i].Topic == topic {
			p.Progress[i].CurrentLevel = level
			if target > p.Progress[i].TargetLevel {
				p.Progress[i].TargetLevel = target
			}
			p.Progress[i].Milestones = append(p.Progress[i].Milestones, Milestone{At: at, Note: note})
			return
		}
	}
	p.Progress = append(p.Progress, LearningProgress{
		Topic:        topic,
		StartedAt:    at,
		CurrentLevel: level,
		TargetLevel:  target,
		Milestones:   []Milestone{{At: at, Note: note}},
	})
	if over := len(p.Progress) - MaxProgressRecords; over > 0 {
		p.Progress = append([]LearningProgress(nil), p.Progress[over:]...)
	}
}

// Clone returns a deep copy.
func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Skills = make(map[string]skill.Level, len(p.Skills))
	for k, v := range p.Skills {
		cp.Skills[k] = v
	}
	cp.Preferences.Languages = append([]string(nil), p.Preferences.Languages...)
	if p.Progress != nil {
		cp.Progress = make([]LearningProgress, len(p.Progress))
		for i, lp := range p.Progress {
			lp.Milestones = append([]Milestone(nil), lp.Milestones...)
			cp.Progress[i] = lp
		}
	}
	return &cp
}

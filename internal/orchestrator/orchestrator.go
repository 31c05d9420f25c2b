// Package orchestrator runs one learner turn end to end: it loads session
// context, routes the message, dispatches providers concurrently through the
// resilience wrapper, merges their answers, adapts the skill estimate and
// commits the updated context.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/mentor/internal/attachment"
	"github.com/kalambet/mentor/internal/intent"
	"github.com/kalambet/mentor/internal/profile"
	"github.com/kalambet/mentor/internal/provider"
	"github.com/kalambet/mentor/internal/resilience"
	"github.com/kalambet/mentor/internal/session"
	"github.com/kalambet/mentor/internal/skill"
)

const (
	defaultSnapshotCacheSize = 1024
	defaultSaveAttempts      = 3
	defaultRecentEntries     = 3
)

// Config tunes an Orchestrator. Zero fields take the package defaults.
type Config struct {
	HistoryCap        int
	SignalWindow      int
	ProviderTimeout   time.Duration
	SnapshotCacheSize int
	SaveAttempts      int
	RecentEntries     int
}

func (c Config) withDefaults() Config {
	if c.HistoryCap <= 0 {
		c.HistoryCap = session.DefaultHistoryCap
	}
	if c.SignalWindow <= 0 {
		c.SignalWindow = session.DefaultSignalWindow
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = resilience.DefaultTimeout
	}
	if c.SnapshotCacheSize <= 0 {
		c.SnapshotCacheSize = defaultSnapshotCacheSize
	}
	if c.SaveAttempts <= 0 {
		c.SaveAttempts = defaultSaveAttempts
	}
	if c.RecentEntries <= 0 {
		c.RecentEntries = defaultRecentEntries
	}
	return c
}

// ProfileCache is notified after a turn commits a profile, so cached
// readers do not serve a stale copy. *profile.Manager implements it.
type ProfileCache interface {
	Invalidate(userID string)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the wall clock.
func WithClock(c session.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithIDGenerator overrides how session and entry ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// WithProfileCache registers a cache to invalidate after commits.
func WithProfileCache(pc ProfileCache) Option {
	return func(o *Orchestrator) { o.profiles = pc }
}

// snapshot is the last committed state of a session, used when the store
// cannot be reached.
type snapshot struct {
	ctx     *session.Context
	profile *session.UserProfile
}

// Orchestrator is the facade the transport layers call.
type Orchestrator struct {
	store     session.Store
	router    *intent.Router
	registry  *provider.Registry
	wrapper   *resilience.Wrapper
	skills    *skill.Engine
	cfg       Config
	clock     session.Clock
	newID     func() string
	profiles  ProfileCache
	snapshots *lru.Cache[string, snapshot]
}

// New wires an Orchestrator.
func New(store session.Store, router *intent.Router, registry *provider.Registry, wrapper *resilience.Wrapper, skills *skill.Engine, cfg Config, opts ...Option) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, snapshot](cfg.SnapshotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot cache: %w", err)
	}
	o := &Orchestrator{
		store:     store,
		router:    router,
		registry:  registry,
		wrapper:   wrapper,
		skills:    skills,
		cfg:       cfg,
		clock:     session.RealClock,
		newID:     uuid.NewString,
		snapshots: cache,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Request is one user turn.
type Request struct {
	SessionID   string                  `json:"session_id,omitempty"`
	UserID      string                  `json:"user_id"`
	Message     string                  `json:"message"`
	Type        string                  `json:"type,omitempty"`
	Feedback    string                  `json:"feedback,omitempty"`
	Attachments []attachment.Attachment `json:"attachments,omitempty"`
	// EntryID makes a retried request idempotent. Generated when empty.
	EntryID string `json:"entry_id,omitempty"`
}

// Routing describes how the turn was routed.
type Routing struct {
	Domains     []provider.Domain           `json:"domains"`
	Confidence  map[provider.Domain]float64 `json:"confidence,omitempty"`
	CrossDomain bool                        `json:"cross_domain,omitempty"`
	Explicit    bool                        `json:"explicit,omitempty"`
	Classified  bool                        `json:"classified,omitempty"`
}

// Meta carries diagnostics about a turn.
type Meta struct {
	States     []Transition `json:"states"`
	Routing    Routing      `json:"routing"`
	DurationMs int64        `json:"duration_ms"`
}

// Response is the assistant's answer to one turn. It is returned for every
// turn except validation failures and caller cancellation.
type Response struct {
	SessionID     string           `json:"session_id"`
	EntryID       string           `json:"entry_id,omitempty"`
	Content       string           `json:"content"`
	Sections      []Section        `json:"sections,omitempty"`
	Suggestions   []string         `json:"suggestions,omitempty"`
	FollowUps     []string         `json:"follow_ups,omitempty"`
	Prerequisites []string         `json:"prerequisites,omitempty"`
	Clarification bool             `json:"clarification,omitempty"`
	Degraded      bool             `json:"degraded,omitempty"`
	ContextSaved  bool             `json:"context_saved"`
	SkillLevel    skill.Level      `json:"skill_level"`
	LevelChange   *skill.Rationale `json:"level_change,omitempty"`
	Notices       []*Error         `json:"notices,omitempty"`
	// Error is set only on Failed turns.
	Error *Error `json:"error,omitempty"`
	Meta  Meta   `json:"meta"`
}

const clarificationText = "I'm not sure what kind of help you need. Could you say a bit more, for example whether you want a concept explained, code written, a bug debugged, documentation, deployment help, workflow tips or technology advice?"

// Process runs one turn. The returned error is a *Error of kind validation,
// or ctx.Err() when the caller cancelled; every other outcome is a Response.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Response, error) {
	start := o.clock.Now()
	t := &tracker{sessionID: req.SessionID, now: o.clock.Now}
	t.enter(StateIdle)

	explicit, atts, err := o.validate(&req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.sessionID = req.SessionID

	resp := &Response{SessionID: req.SessionID, EntryID: req.EntryID}
	defer func() {
		resp.Meta.States = t.states
		resp.Meta.DurationMs = o.clock.Now().Sub(start).Milliseconds()
	}()

	// ContextLoaded
	sc, prof, fromSnapshot, lerr := o.load(ctx, req.SessionID, req.UserID)
	if lerr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var oe *Error
		if errors.As(lerr, &oe) && oe.Kind == KindValidation {
			return nil, oe
		}
		slog.Error("session store unavailable", "session_id", req.SessionID, "error", lerr)
		t.enter(StateFailed)
		resp.Error = &Error{
			Kind:  KindContextUnavailable,
			Cause: "session storage is unavailable and no cached context exists for this session",
			Retry: "try again shortly",
			err:   lerr,
		}
		return resp, nil
	}
	if fromSnapshot {
		resp.Notices = append(resp.Notices, &Error{
			Kind:  KindContextUnavailable,
			Cause: "session storage is unavailable; answering from cached context",
			Retry: "later turns may not remember this one",
		})
	}
	t.enter(StateContextLoaded)

	// Routed
	decision := o.router.Route(ctx, intent.Input{
		Message:     req.Message,
		Explicit:    explicit,
		Topic:       topicDomains(sc.ActiveTopic),
		Attachments: atts,
	})
	resp.Meta.Routing = Routing{
		Domains:     decision.Domains,
		Confidence:  decision.Confidence,
		CrossDomain: decision.CrossDomain,
		Explicit:    decision.Explicit,
		Classified:  decision.Classified,
	}
	t.enter(StateRouted)

	if len(decision.Domains) == 0 {
		resp.Content = clarificationText
		resp.Clarification = true
		resp.ContextSaved = !fromSnapshot
		resp.SkillLevel = prof.Overall
		resp.Notices = append(resp.Notices, &Error{
			Kind:  KindRoutingAmbiguous,
			Cause: "the request did not clearly match any kind of help",
			Retry: "rephrase the question or name the request type",
		})
		t.enter(StateResponded)
		return resp, nil
	}

	// Dispatching
	t.enter(StateDispatching)
	outs := o.dispatch(ctx, decision.Domains, req.Message, atts, sc, prof)
	if err := ctx.Err(); err != nil {
		slog.Debug("turn cancelled during dispatch", "session_id", req.SessionID)
		return nil, err
	}

	// Merging
	t.enter(StateMerging)
	m := merge(outs)
	resp.Content = m.content
	resp.Sections = m.sections
	resp.Suggestions = m.suggestions
	resp.FollowUps = m.followUps
	resp.Prerequisites = m.prerequisites
	resp.Degraded = m.degraded
	resp.Notices = append(resp.Notices, m.notices...)

	// ContextUpdated
	tu := turn{
		entry: session.Entry{
			ID:       req.EntryID,
			At:       o.clock.Now(),
			Request:  req.Message,
			Response: m.content,
			Domains:  domainStrings(decision.Domains),
			Feedback: req.Feedback,
			Degraded: m.degraded,
		},
		signal:  skill.Classify(req.Message, req.Feedback),
		primary: string(decision.Primary()),
		topic:   nextTopic(sc.ActiveTopic, decision),
	}
	tu.entry.Topic = tu.topic.Subject

	cv, pv := sc.Version, prof.Version
	rationale, applied := o.apply(sc, prof, tu)
	t.enter(StateContextUpdated)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp.ContextSaved = !fromSnapshot
	resp.SkillLevel = prof.Level(tu.primary)
	if applied {
		saved, r, perr := o.persist(ctx, sc, cv, prof, pv, tu, rationale)
		if perr != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp.ContextSaved = saved
		if !saved {
			kind := KindContextUnavailable
			if errors.Is(perr, session.ErrVersionConflict) {
				kind = KindContextConflict
			}
			resp.Notices = append(resp.Notices, &Error{
				Kind:  kind,
				Cause: "this turn could not be saved, so the next turn will not build on it",
				Retry: "repeat the question if you want it remembered",
				err:   perr,
			})
		}
		resp.SkillLevel = r.To
		if r.Changed {
			resp.LevelChange = &r
		}
	}
	t.enter(StateResponded)

	slog.Info("turn processed",
		"session_id", req.SessionID,
		"domains", decision.Domains,
		"degraded", resp.Degraded,
		"context_saved", resp.ContextSaved,
	)
	return resp, nil
}

// validate checks and normalizes the request, minting missing ids.
func (o *Orchestrator) validate(req *Request) (provider.Domain, []attachment.Attachment, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return "", nil, validationError("user_id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return "", nil, validationError("message is empty")
	}
	var explicit provider.Domain
	if req.Type != "" {
		d, err := provider.ParseDomain(req.Type)
		if err != nil {
			return "", nil, validationError("%v", err)
		}
		explicit = d
	}
	if req.Feedback != "" {
		if _, err := skill.ParseSignal(req.Feedback); err != nil {
			return "", nil, validationError("%v", err)
		}
	}
	atts, err := attachment.NormalizeAll(req.Attachments)
	if err != nil {
		return "", nil, validationError("%v", err)
	}
	if req.SessionID == "" {
		req.SessionID = o.newID()
	}
	if req.EntryID == "" {
		req.EntryID = o.newID()
	}
	return explicit, atts, nil
}

// load returns the session and profile for a turn, starting fresh on
// ErrNotFound. When the store fails it falls back to the snapshot cache.
func (o *Orchestrator) load(ctx context.Context, sessionID, userID string) (*session.Context, *session.UserProfile, bool, error) {
	sc, err := o.store.Load(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		sc = session.NewContext(sessionID, userID, o.clock.Now())
	case err != nil:
		return o.restore(sessionID, userID, fmt.Errorf("loading session: %w", err))
	}
	if sc.UserID != userID {
		return nil, nil, false, validationError("session %s belongs to another user", sessionID)
	}

	p, err := o.store.LoadProfile(ctx, userID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		p = session.NewProfile(userID, o.clock.Now())
	case err != nil:
		return o.restore(sessionID, userID, fmt.Errorf("loading profile: %w", err))
	}

	o.remember(sc, p)
	return sc, p, false, nil
}

func (o *Orchestrator) restore(sessionID, userID string, cause error) (*session.Context, *session.UserProfile, bool, error) {
	snap, ok := o.snapshots.Get(sessionID)
	if !ok || snap.ctx.UserID != userID {
		return nil, nil, false, cause
	}
	slog.Warn("using cached session snapshot", "session_id", sessionID, "error", cause)
	return snap.ctx.Clone(), snap.profile.Clone(), true, nil
}

func (o *Orchestrator) remember(sc *session.Context, p *session.UserProfile) {
	o.snapshots.Add(sc.SessionID, snapshot{ctx: sc.Clone(), profile: p.Clone()})
}

// dispatch invokes every selected provider concurrently. Failures are
// isolated: each domain gets its own Outcome.
func (o *Orchestrator) dispatch(ctx context.Context, domains []provider.Domain, message string, atts []attachment.Attachment, sc *session.Context, p *session.UserProfile) []resilience.Outcome {
	outs := make([]resilience.Outcome, len(domains))
	domainCtx := o.domainContext(sc, p)

	var g errgroup.Group
	g.SetLimit(len(domains))
	for i, d := range domains {
		req := provider.Request{
			Domain:        d,
			Message:       message,
			SkillLevel:    p.Level(string(d)).String(),
			LearningMode:  sc.LearningMode,
			Attachments:   append([]attachment.Attachment(nil), atts...),
			DomainContext: domainCtx,
		}
		g.Go(func() error {
			prov, ok := o.registry.Get(d)
			if !ok {
				outs[i] = o.wrapper.Unavailable(req)
				return nil
			}
			outs[i] = o.wrapper.Invoke(ctx, prov, req, o.cfg.ProviderTimeout)
			return nil
		})
	}
	_ = g.Wait()
	return outs
}

// domainContext is the read-only context block providers see: the profile
// summary, the active topic and the last few turns.
func (o *Orchestrator) domainContext(sc *session.Context, p *session.UserProfile) string {
	var b strings.Builder
	b.WriteString(profile.Summarize(p))
	if sc.ActiveTopic != nil && sc.ActiveTopic.Subject != "" {
		fmt.Fprintf(&b, "\nCurrent topic: %s.", sc.ActiveTopic.Subject)
	}
	recent := sc.Recent(o.cfg.RecentEntries)
	if len(recent) > 0 {
		b.WriteString("\nRecent conversation:")
		for _, e := range recent {
			fmt.Fprintf(&b, "\n- Learner: %s", oneLine(e.Request, 200))
			if e.Response != "" {
				fmt.Fprintf(&b, "\n  Mentor: %s", oneLine(e.Response, 300))
			}
		}
	}
	return b.String()
}

// SessionSummary is a read-only view of a session and its learner.
type SessionSummary struct {
	SessionID    string                 `json:"session_id"`
	UserID       string                 `json:"user_id"`
	LearningMode bool                   `json:"learning_mode"`
	ActiveTopic  *session.Topic         `json:"active_topic,omitempty"`
	Turns        int                    `json:"turns"`
	Recent       []session.Entry        `json:"recent,omitempty"`
	Skills       map[string]skill.Level `json:"skills,omitempty"`
	Overall      skill.Level            `json:"overall"`
	Version      int64                  `json:"version"`
	UpdatedAt    time.Time              `json:"updated_at"`
	// Stale is set when the summary comes from the in-process snapshot
	// because the store could not be reached.
	Stale bool `json:"stale,omitempty"`
}

const summaryRecentEntries = 5

// SessionSummary returns a snapshot of the session. It returns
// session.ErrNotFound for unknown or expired sessions.
func (o *Orchestrator) SessionSummary(ctx context.Context, sessionID string) (SessionSummary, error) {
	if strings.TrimSpace(sessionID) == "" {
		return SessionSummary{}, validationError("session_id is required")
	}
	sc, err := o.store.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || ctx.Err() != nil {
			return SessionSummary{}, err
		}
		snap, ok := o.snapshots.Get(sessionID)
		if !ok {
			return SessionSummary{}, fmt.Errorf("loading session: %w", err)
		}
		s := summarize(snap.ctx, snap.profile)
		s.Stale = true
		return s, nil
	}

	p, err := o.store.LoadProfile(ctx, sc.UserID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return SessionSummary{}, fmt.Errorf("loading profile: %w", err)
	}
	return summarize(sc, p), nil
}

func summarize(sc *session.Context, p *session.UserProfile) SessionSummary {
	s := SessionSummary{
		SessionID:    sc.SessionID,
		UserID:       sc.UserID,
		LearningMode: sc.LearningMode,
		Turns:        len(sc.History),
		Recent:       sc.Recent(summaryRecentEntries),
		Version:      sc.Version,
		UpdatedAt:    sc.UpdatedAt,
	}
	if sc.ActiveTopic != nil {
		t := *sc.ActiveTopic
		t.Domains = append([]string(nil), sc.ActiveTopic.Domains...)
		s.ActiveTopic = &t
	}
	if p != nil {
		p = p.Clone()
		s.Skills = p.Skills
		s.Overall = p.Overall
	}
	return s
}

// LearningModeRequest toggles learning mode and optionally records a
// user-declared skill level.
type LearningModeRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Enabled   bool   `json:"enabled"`
	// SkillLevel is an explicit override: for Domain when set, otherwise for
	// the overall level and every recorded domain.
	SkillLevel *skill.Level `json:"skill_level,omitempty"`
	Domain     string       `json:"domain,omitempty"`
}

// SetLearningMode applies req and returns the updated session summary.
func (o *Orchestrator) SetLearningMode(ctx context.Context, req LearningModeRequest) (SessionSummary, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return SessionSummary{}, validationError("session_id is required")
	}
	if req.SkillLevel != nil && !req.SkillLevel.Valid() {
		return SessionSummary{}, validationError("invalid skill level %d", int(*req.SkillLevel))
	}
	domain := ""
	if req.Domain != "" {
		d, err := provider.ParseDomain(req.Domain)
		if err != nil {
			return SessionSummary{}, validationError("%v", err)
		}
		domain = string(d)
	}

	var lastErr error
	for attempt := 0; attempt < o.cfg.SaveAttempts; attempt++ {
		sc, err := o.store.Load(ctx, req.SessionID)
		switch {
		case errors.Is(err, session.ErrNotFound):
			if req.UserID == "" {
				return SessionSummary{}, validationError("user_id is required to start a new session")
			}
			sc = session.NewContext(req.SessionID, req.UserID, o.clock.Now())
		case err != nil:
			return SessionSummary{}, fmt.Errorf("loading session: %w", err)
		case req.UserID != "" && sc.UserID != req.UserID:
			return SessionSummary{}, validationError("session %s belongs to another user", req.SessionID)
		}

		p, err := o.store.LoadProfile(ctx, sc.UserID)
		switch {
		case errors.Is(err, session.ErrNotFound):
			p = session.NewProfile(sc.UserID, o.clock.Now())
		case err != nil:
			return SessionSummary{}, fmt.Errorf("loading profile: %w", err)
		}

		cv, pv := sc.Version, p.Version
		sc.LearningMode = req.Enabled
		if req.SkillLevel != nil {
			lvl := *req.SkillLevel
			now := o.clock.Now()
			if domain == "" {
				p.OverrideAll(lvl)
				p.RecordProgress("overall", lvl, lvl, "level set by user", now)
			} else {
				p.SetLevel(domain, lvl)
				p.RecordProgress(domain, lvl, lvl, "level set by user", now)
			}
			sc.Signals = resetSignals(sc.Signals, domain, now, o.cfg.SignalWindow)
			err = o.store.SaveTurn(ctx, sc, cv, p, pv)
		} else {
			err = o.store.Save(ctx, sc, cv)
		}

		if err == nil {
			o.remember(sc, p)
			if o.profiles != nil {
				o.profiles.Invalidate(sc.UserID)
			}
			slog.Info("learning mode updated", "session_id", sc.SessionID, "enabled", req.Enabled, "level_override", req.SkillLevel != nil)
			return summarize(sc, p), nil
		}
		if !errors.Is(err, session.ErrVersionConflict) {
			return SessionSummary{}, fmt.Errorf("saving session: %w", err)
		}
		lastErr = err
	}
	return SessionSummary{}, &Error{
		Kind:  KindContextConflict,
		Cause: "the session kept changing while the setting was being saved",
		Retry: "try again",
		err:   lastErr,
	}
}

// resetSignals marks an override so earlier observations no longer count
// toward promotion or demotion. An empty domain resets every domain seen.
func resetSignals(window []skill.Observation, domain string, at time.Time, max int) []skill.Observation {
	domains := []string{domain}
	if domain == "" {
		domains = domains[:0]
		seen := make(map[string]bool)
		for _, o := range window {
			if !seen[o.Domain] {
				seen[o.Domain] = true
				domains = append(domains, o.Domain)
			}
		}
	}
	for _, d := range domains {
		window = skill.Fold(window, skill.Observation{Signal: skill.SignalNeutral, Domain: d, At: at, Reset: true}, max)
	}
	return window
}

func topicDomains(t *session.Topic) []provider.Domain {
	if t == nil {
		return nil
	}
	var out []provider.Domain
	for _, s := range t.Domains {
		if d, err := provider.ParseDomain(s); err == nil {
			out = append(out, d)
		}
	}
	return out
}

func domainStrings(ds []provider.Domain) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d)
	}
	return out
}

// nextTopic keeps the previous subject when this turn names none or was
// routed by the topic alone.
func nextTopic(prev *session.Topic, d intent.Decision) *session.Topic {
	t := &session.Topic{Subject: d.Subject, Domains: domainStrings(d.Domains)}
	if prev != nil && prev.Subject != "" && (t.Subject == "" || d.Continued) {
		t.Subject = prev.Subject
	}
	return t
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "…"
	}
	return s
}

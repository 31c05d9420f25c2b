package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/mentor/internal/session"
	"github.com/kalambet/mentor/internal/skill"
)

// turn is everything a turn contributes to stored state. It is re-applied
// verbatim to a fresh copy when a commit hits a version conflict.
type turn struct {
	entry   session.Entry
	signal  skill.Signal
	primary string
	topic   *session.Topic
}

// apply folds the turn into c and p. It is a no-op, returning false, when
// c already holds the turn's entry.
func (o *Orchestrator) apply(c *session.Context, p *session.UserProfile, t turn) (skill.Rationale, bool) {
	if c.HasEntry(t.entry.ID) {
		return skill.Rationale{}, false
	}

	obs := skill.Observation{Signal: t.signal, Domain: t.primary, At: t.entry.At}
	current := p.Level(t.primary)
	next, r := o.skills.NextLevel(current, c.Signals, obs, c.LearningMode)
	if r.Changed {
		obs.Reset = true
		p.SetLevel(t.primary, next)
		target := next
		if next < skill.Expert {
			target = next + 1
		}
		p.RecordProgress(t.primary, next, target, fmt.Sprintf("%s -> %s: %s", r.From, r.To, r.Reason), t.entry.At)
	}
	c.Signals = skill.Fold(c.Signals, obs, o.cfg.SignalWindow)

	if t.topic != nil {
		topic := *t.topic
		topic.Domains = append([]string(nil), t.topic.Domains...)
		c.ActiveTopic = &topic
	}
	c.AppendEntry(t.entry, o.cfg.HistoryCap)
	return r, true
}

// persist commits the turn atomically. On a version conflict it reloads,
// re-applies only this turn and retries, so a concurrent turn on the same
// session is never overwritten. The returned rationale reflects the skill
// update that was actually committed.
func (o *Orchestrator) persist(ctx context.Context, c *session.Context, cv int64, p *session.UserProfile, pv int64, t turn, r skill.Rationale) (bool, skill.Rationale, error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.SaveAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, r, err
		}
		err := o.store.SaveTurn(ctx, c, cv, p, pv)
		if err == nil {
			o.remember(c, p)
			if o.profiles != nil {
				o.profiles.Invalidate(p.UserID)
			}
			return true, r, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return false, r, ctx.Err()
		}
		if !errors.Is(err, session.ErrVersionConflict) {
			slog.Warn("saving turn failed", "session_id", c.SessionID, "error", err)
			return false, r, err
		}
		if attempt == o.cfg.SaveAttempts {
			break
		}

		slog.Debug("turn commit conflicted, reconciling", "session_id", c.SessionID, "attempt", attempt)
		fc, fp, err := o.reload(ctx, c, p)
		if err != nil {
			slog.Warn("reloading after conflict failed", "session_id", c.SessionID, "error", err)
			return false, r, err
		}
		cv, pv = fc.Version, fp.Version
		nr, applied := o.apply(fc, fp, t)
		if !applied {
			// A replay of this turn already committed.
			o.remember(fc, fp)
			return true, r, nil
		}
		c, p, r = fc, fp, nr
	}
	slog.Warn("turn not saved after repeated conflicts", "session_id", c.SessionID, "attempts", o.cfg.SaveAttempts)
	return false, r, lastErr
}

// reload fetches the freshest session and profile. A session that vanished
// (expired) restarts from the in-flight copy's settings.
func (o *Orchestrator) reload(ctx context.Context, c *session.Context, p *session.UserProfile) (*session.Context, *session.UserProfile, error) {
	fc, err := o.store.Load(ctx, c.SessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		fc = session.NewContext(c.SessionID, c.UserID, o.clock.Now())
		fc.LearningMode = c.LearningMode
	case err != nil:
		return nil, nil, fmt.Errorf("reloading session: %w", err)
	}
	fp, err := o.store.LoadProfile(ctx, p.UserID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		fp = session.NewProfile(p.UserID, o.clock.Now())
	case err != nil:
		return nil, nil, fmt.Errorf("reloading profile: %w", err)
	}
	return fc, fp, nil
}

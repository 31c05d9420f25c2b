package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/mentor/internal/orchestrator"
	"github.com/kalambet/mentor/internal/profile"
	"github.com/kalambet/mentor/internal/provider"
	"github.com/kalambet/mentor/internal/resilience"
	"github.com/kalambet/mentor/internal/session"
	"github.com/kalambet/mentor/internal/skill"
	"github.com/kalambet/mentor/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// TurnLister reads the durable turn log. The in-memory store has none.
type TurnLister interface {
	RecentTurns(ctx context.Context, userID string, limit int) ([]storage.Turn, error)
}

type AppDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Profiles     *profile.Manager
	Turns        TurnLister // optional; if nil, the turns endpoint returns 501
	Registry     *provider.Registry
	Stats        *resilience.Stats
	Metrics      http.Handler // optional; if nil, /metrics is not mounted
	Token        string
}

// NewHandler returns the REST API. Everything except /health requires the
// bearer token.
func NewHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics)
		}
		r.Post("/v1/turns", handleTurn(deps))
		r.Get("/v1/sessions/{id}", handleGetSession(deps))
		r.Put("/v1/sessions/{id}/learning-mode", handleLearningMode(deps))
		r.Get("/v1/profiles/{userID}", handleGetProfile(deps))
		r.Patch("/v1/profiles/{userID}/preferences", handlePatchPreferences(deps))
		r.Put("/v1/profiles/{userID}/level", handleSetLevel(deps))
		r.Get("/v1/profiles/{userID}/turns", handleListTurns(deps))
		r.Get("/v1/providers", handleProviders(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleTurn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orchestrator.Request
		if !decodeBody(w, r, &req) {
			return
		}

		resp, err := deps.Orchestrator.Process(r.Context(), req)
		if err != nil {
			if r.Context().Err() != nil {
				slog.Debug("turn abandoned by client", "session_id", req.SessionID)
				return
			}
			writeError(w, err, "process turn")
			return
		}

		// A failed turn still carries a full response body.
		code := http.StatusOK
		if resp.Error != nil {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func handleGetSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := deps.Orchestrator.SessionSummary(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err, "load session")
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

type learningModeBody struct {
	UserID     string       `json:"user_id,omitempty"`
	Enabled    *bool        `json:"enabled"`
	SkillLevel *skill.Level `json:"skill_level,omitempty"`
	Domain     string       `json:"domain,omitempty"`
}

func handleLearningMode(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body learningModeBody
		if !decodeBody(w, r, &body) {
			return
		}
		if body.Enabled == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "enabled is required")
			return
		}

		summary, err := deps.Orchestrator.SetLearningMode(r.Context(), orchestrator.LearningModeRequest{
			SessionID:  chi.URLParam(r, "id"),
			UserID:     body.UserID,
			Enabled:    *body.Enabled,
			SkillLevel: body.SkillLevel,
			Domain:     body.Domain,
		})
		if err != nil {
			writeError(w, err, "set learning mode")
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Profiles.Get(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, err, "load profile")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handlePatchPreferences(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch profile.PreferencesPatch
		if !decodeBody(w, r, &patch) {
			return
		}

		p, err := deps.Profiles.SetPreferences(r.Context(), chi.URLParam(r, "userID"), patch)
		if err != nil {
			writeError(w, err, "update preferences")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

type levelBody struct {
	Domain string       `json:"domain,omitempty"`
	Level  *skill.Level `json:"level"`
}

func handleSetLevel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body levelBody
		if !decodeBody(w, r, &body) {
			return
		}
		if body.Level == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "level is required")
			return
		}
		domain := ""
		if body.Domain != "" {
			d, err := provider.ParseDomain(body.Domain)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			domain = string(d)
		}

		p, err := deps.Profiles.OverrideLevel(r.Context(), chi.URLParam(r, "userID"), domain, *body.Level)
		if err != nil {
			writeError(w, err, "override level")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleListTurns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Turns == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "turn log requires the sqlite storage backend")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		if limit == 0 {
			limit = 20
		}

		turns, err := deps.Turns.RecentTurns(r.Context(), chi.URLParam(r, "userID"), limit)
		if err != nil {
			writeError(w, err, "list turns")
			return
		}
		if turns == nil {
			turns = []storage.Turn{}
		}
		writeJSON(w, http.StatusOK, turns)
	}
}

// ProviderStatus is one row of GET /v1/providers.
type ProviderStatus struct {
	Domain     provider.Domain             `json:"domain"`
	Registered bool                        `json:"registered"`
	Breaker    *resilience.BreakerSnapshot `json:"breaker,omitempty"`
}

func providerStatuses(deps AppDeps) []ProviderStatus {
	var snaps map[string]resilience.BreakerSnapshot
	if deps.Stats != nil {
		snaps = deps.Stats.Snapshot()
	}
	out := make([]ProviderStatus, 0, len(provider.Domains))
	for _, d := range provider.Domains {
		st := ProviderStatus{Domain: d}
		if deps.Registry != nil {
			_, st.Registered = deps.Registry.Get(d)
		}
		if snap, ok := snaps[string(d)]; ok {
			st.Breaker = &snap
		}
		out = append(out, st)
	}
	return out
}

func handleProviders(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, providerStatuses(deps))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error, action string) {
	var oe *orchestrator.Error
	switch {
	case errors.As(err, &oe) && oe.Kind == orchestrator.KindValidation:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", oe.Cause)
	case errors.Is(err, session.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s: not found", action)
	case errors.Is(err, session.ErrVersionConflict):
		httpError(w, http.StatusConflict, "conflict_error", "%s: concurrent update, retry", action)
	default:
		slog.Warn("request failed", "action", action, "error", err)
		httpError(w, http.StatusServiceUnavailable, "api_error", "failed to %s: %v", action, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

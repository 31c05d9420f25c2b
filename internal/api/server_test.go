package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/mentor/internal/intent"
	"github.com/kalambet/mentor/internal/orchestrator"
	"github.com/kalambet/mentor/internal/profile"
	"github.com/kalambet/mentor/internal/provider"
	"github.com/kalambet/mentor/internal/resilience"
	"github.com/kalambet/mentor/internal/session"
	"github.com/kalambet/mentor/internal/skill"
	"github.com/kalambet/mentor/internal/storage"
)

const testToken = "test-token-12345"

func answer(d provider.Domain, text string) provider.Provider {
	return provider.Func{D: d, Fn: func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{Content: text, FollowUps: []string{"Want an example?"}}, nil
	}}
}

// brokenStore fails every read, as a store whose disk went away would.
type brokenStore struct {
	*session.MemoryStore
}

func (brokenStore) Load(context.Context, string) (*session.Context, error) {
	return nil, errors.New("disk gone")
}

func (brokenStore) LoadProfile(context.Context, string) (*session.UserProfile, error) {
	return nil, errors.New("disk gone")
}

func newDeps(t *testing.T, store session.Store, providers ...provider.Provider) AppDeps {
	t.Helper()
	reg := prometheus.NewRegistry()
	stats := resilience.NewStats(resilience.BreakerConfig{}, nil)
	wrapper, err := resilience.NewWrapper(stats, resilience.Config{}, resilience.NewMetrics(reg))
	if err != nil {
		t.Fatalf("NewWrapper: %v", err)
	}
	profiles := profile.NewManager(store)
	registry := provider.NewRegistry(providers...)

	orch, err := orchestrator.New(
		store,
		intent.NewRouter(intent.Config{}, nil),
		registry,
		wrapper,
		skill.NewEngine(0),
		orchestrator.Config{},
		orchestrator.WithProfileCache(profiles),
	)
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	return AppDeps{
		Orchestrator: orch,
		Profiles:     profiles,
		Registry:     registry,
		Stats:        stats,
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Token:        testToken,
	}
}

func setupHandler(t *testing.T) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	deps := newDeps(t, store, answer(provider.Concept, "Recursion is a function calling itself."))
	deps.Turns = store
	return NewHandler(deps), store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	return body
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	e, _ := decode(t, rr)["error"].(map[string]any)
	s, _ := e["type"].(string)
	return s
}

func postTurn(t *testing.T, h http.Handler, body string) map[string]any {
	t.Helper()
	rr := serve(h, authReq(http.MethodPost, "/v1/turns", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /v1/turns status = %d, body = %s", rr.Code, rr.Body.String())
	}
	return decode(t, rr)
}

func TestHealth(t *testing.T) {
	h, _ := setupHandler(t)

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if body := decode(t, rr); body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestAuth(t *testing.T) {
	h, _ := setupHandler(t)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, authReq(http.MethodGet, "/v1/providers", "", tt.token))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized {
				if got := errorType(t, rr); got != "authentication_error" {
					t.Errorf("error type = %q", got)
				}
				if rr.Header().Get("WWW-Authenticate") == "" {
					t.Error("missing WWW-Authenticate challenge")
				}
			}
		})
	}
}

func TestBearerAuth_EmptyTokenRejectsAll(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	req.Header.Set("Authorization", "Bearer ")
	if rr := serve(h, req); rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 with no configured token", rr.Code)
	}
}

func TestTurn(t *testing.T) {
	h, _ := setupHandler(t)

	body := postTurn(t, h, `{"user_id":"u1","message":"explain recursion"}`)
	if !strings.Contains(body["content"].(string), "function calling itself") {
		t.Errorf("content = %v", body["content"])
	}
	if body["session_id"] == "" || body["context_saved"] != true {
		t.Errorf("session_id = %v, context_saved = %v", body["session_id"], body["context_saved"])
	}
	if body["skill_level"] != "beginner" {
		t.Errorf("skill_level = %v, want beginner", body["skill_level"])
	}
}

func TestTurn_ValidationErrors(t *testing.T) {
	h, _ := setupHandler(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"empty message", `{"user_id":"u1","message":"  "}`},
		{"missing user", `{"message":"explain recursion"}`},
		{"unknown type", `{"user_id":"u1","message":"hi","type":"poetry"}`},
		{"unknown feedback", `{"user_id":"u1","message":"hi","feedback":"meh"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, authReq(http.MethodPost, "/v1/turns", tt.body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
			if got := errorType(t, rr); got != "invalid_request_error" {
				t.Errorf("error type = %q", got)
			}
		})
	}
}

func TestTurn_FailedTurnCarriesBody(t *testing.T) {
	h := NewHandler(newDeps(t, brokenStore{session.NewMemoryStore(nil, 0)}, answer(provider.Concept, "x")))

	rr := serve(h, authReq(http.MethodPost, "/v1/turns", `{"user_id":"u1","message":"explain recursion"}`, testToken))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	body := decode(t, rr)
	e, ok := body["error"].(map[string]any)
	if !ok || e["kind"] != string(orchestrator.KindContextUnavailable) {
		t.Errorf("error = %v", body["error"])
	}
}

func TestSession(t *testing.T) {
	h, _ := setupHandler(t)

	rr := serve(h, authReq(http.MethodGet, "/v1/sessions/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", rr.Code)
	}

	turn := postTurn(t, h, `{"session_id":"s1","user_id":"u1","message":"explain recursion"}`)
	if turn["session_id"] != "s1" {
		t.Fatalf("session_id = %v", turn["session_id"])
	}

	rr = serve(h, authReq(http.MethodGet, "/v1/sessions/s1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decode(t, rr)
	if body["turns"] != float64(1) || body["user_id"] != "u1" {
		t.Errorf("summary = %v", body)
	}
}

func TestLearningMode(t *testing.T) {
	h, _ := setupHandler(t)

	rr := serve(h, authReq(http.MethodPut, "/v1/sessions/s1/learning-mode", `{"user_id":"u1"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing enabled status = %d, want 400", rr.Code)
	}

	rr = serve(h, authReq(http.MethodPut, "/v1/sessions/s1/learning-mode", `{"enabled":true}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("new session without user status = %d, want 400", rr.Code)
	}

	rr = serve(h, authReq(http.MethodPut, "/v1/sessions/s1/learning-mode", `{"enabled":true,"user_id":"u1","skill_level":"ninja"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad level status = %d, want 400", rr.Code)
	}

	rr = serve(h, authReq(http.MethodPut, "/v1/sessions/s1/learning-mode", `{"enabled":true,"user_id":"u1","skill_level":"advanced"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decode(t, rr)
	if body["learning_mode"] != true || body["overall"] != "advanced" {
		t.Errorf("summary = %v", body)
	}

	// The profile cache must not serve the pre-override level.
	rr = serve(h, authReq(http.MethodGet, "/v1/profiles/u1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("profile status = %d", rr.Code)
	}
	if p := decode(t, rr); p["overall"] != "advanced" {
		t.Errorf("profile overall = %v, want advanced", p["overall"])
	}
}

func TestProfile(t *testing.T) {
	h, _ := setupHandler(t)

	rr := serve(h, authReq(http.MethodGet, "/v1/profiles/u1", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown profile status = %d, want 404", rr.Code)
	}

	rr = serve(h, authReq(http.MethodPatch, "/v1/profiles/u1/preferences", `{"languages":["go"],"style":"terse"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("PATCH status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodPut, "/v1/profiles/u1/level", `{"domain":"code","level":"expert"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT level status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodGet, "/v1/profiles/u1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rr.Code)
	}
	var p session.UserProfile
	if err := json.NewDecoder(rr.Body).Decode(&p); err != nil {
		t.Fatalf("decoding profile: %v", err)
	}
	if p.Preferences.Style != "terse" || len(p.Preferences.Languages) != 1 {
		t.Errorf("Preferences = %+v", p.Preferences)
	}
	if p.Skills["code"] != skill.Expert {
		t.Errorf("Skills = %v", p.Skills)
	}
}

func TestProfile_SetLevelValidation(t *testing.T) {
	h, _ := setupHandler(t)

	for _, body := range []string{`{"domain":"code"}`, `{"domain":"poetry","level":"expert"}`, `{"level":"guru"}`} {
		rr := serve(h, authReq(http.MethodPut, "/v1/profiles/u1/level", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestListTurns(t *testing.T) {
	h, _ := setupHandler(t)

	rr := serve(h, authReq(http.MethodGet, "/v1/profiles/u1/turns", "", testToken))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("empty log: status = %d, body = %s", rr.Code, rr.Body.String())
	}

	postTurn(t, h, `{"user_id":"u1","message":"explain recursion"}`)
	postTurn(t, h, `{"user_id":"u1","message":"explain closures"}`)

	rr = serve(h, authReq(http.MethodGet, "/v1/profiles/u1/turns?limit=1", "", testToken))
	var turns []storage.Turn
	if err := json.NewDecoder(rr.Body).Decode(&turns); err != nil {
		t.Fatalf("decoding turns: %v", err)
	}
	if len(turns) != 1 || turns[0].Request != "explain closures" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestListTurns_NoTurnLog(t *testing.T) {
	h := NewHandler(newDeps(t, session.NewMemoryStore(nil, 0)))

	rr := serve(h, authReq(http.MethodGet, "/v1/profiles/u1/turns", "", testToken))
	if rr.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rr.Code)
	}
}

func TestProviders(t *testing.T) {
	h, _ := setupHandler(t)
	postTurn(t, h, `{"user_id":"u1","message":"explain recursion"}`)

	rr := serve(h, authReq(http.MethodGet, "/v1/providers", "", testToken))
	var statuses []ProviderStatus
	if err := json.NewDecoder(rr.Body).Decode(&statuses); err != nil {
		t.Fatalf("decoding providers: %v", err)
	}
	if len(statuses) != len(provider.Domains) {
		t.Fatalf("got %d providers, want %d", len(statuses), len(provider.Domains))
	}
	for _, st := range statuses {
		if st.Domain == provider.Concept {
			if !st.Registered || st.Breaker == nil || st.Breaker.State != "closed" || st.Breaker.Calls != 1 {
				t.Errorf("concept = %+v", st)
			}
			continue
		}
		if st.Registered {
			t.Errorf("%s registered, want only concept", st.Domain)
		}
	}
}

func TestMetrics(t *testing.T) {
	h, _ := setupHandler(t)
	postTurn(t, h, `{"user_id":"u1","message":"explain recursion"}`)

	rr := serve(h, authReq(http.MethodGet, "/metrics", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "mentor_provider_calls_total") {
		t.Errorf("metrics output missing provider counter:\n%s", rr.Body.String())
	}
}

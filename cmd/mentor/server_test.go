package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/mentor/internal/api"
	"github.com/kalambet/mentor/internal/config"
	"github.com/kalambet/mentor/internal/resilience"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server:   config.ServerConfig{Port: 4100},
		Storage:  config.StorageConfig{Backend: "memory", DataDir: t.TempDir()},
		Provider: config.ProviderConfig{Backend: "openrouter", Timeout: time.Second},
		Proxy:    config.ProxyConfig{OpenRouterAPIKey: "k", DefaultModel: "test/model"},
		Router:   config.RouterConfig{Threshold: 0.5, Epsilon: 0.1, ContinuityBonus: 0.2, MinConfidence: 0.15},
		Session:  config.SessionConfig{HistoryCap: 50, SignalWindow: 20, IdleTimeout: 30 * time.Minute, SweepInterval: time.Minute},
		Skill:    config.SkillConfig{PromotionWindow: 3},
		Breaker:  config.BreakerConfig{FailureRate: 0.5, MinRequests: 5, Window: 30 * time.Second, Cooldown: 15 * time.Second},
	}
}

func TestBuildApp_Memory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.MCPEnabled = true

	a, err := buildApp(context.Background(), cfg, "tok", nil)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.close()

	if a.mcp == nil {
		t.Error("MCP server not built although enabled")
	}

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/health status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	var statuses []api.ProviderStatus
	if err := json.NewDecoder(rr.Body).Decode(&statuses); err != nil {
		t.Fatalf("decoding providers: %v", err)
	}
	for _, st := range statuses {
		if !st.Registered {
			t.Errorf("%s not registered", st.Domain)
		}
	}

	// The in-memory backend keeps no turn log.
	req = httptest.NewRequest(http.MethodGet, "/v1/profiles/u1/turns", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotImplemented {
		t.Errorf("turns status = %d, want 501", rr.Code)
	}

	if n, err := a.sweeper.RunOnce(context.Background()); err != nil || n != 0 {
		t.Errorf("sweep = %d, %v", n, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	if !strings.Contains(rr.Body.String(), "mentor_sessions_expired_total 0") {
		t.Errorf("/metrics missing the sweep counter:\n%s", rr.Body.String())
	}
}

func TestBuildApp_SQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "sqlite"

	a, err := buildApp(context.Background(), cfg, "tok", nil)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.close()

	if a.mcp != nil {
		t.Error("MCP server built although disabled")
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/profiles/u1/turns", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("turns status = %d, want 200", rr.Code)
	}
}

func TestBuildApp_BadKeywordsFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Router.KeywordsFile = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := buildApp(context.Background(), cfg, "tok", nil); err == nil {
		t.Fatal("expected error for missing keywords file")
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "nested"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil || pid <= 0 {
		t.Fatalf("readPIDFile = %d, %v", pid, err)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present after removal")
	}
}

func TestProviderLabel(t *testing.T) {
	tests := []struct {
		st   api.ProviderStatus
		want string
	}{
		{api.ProviderStatus{Domain: "code"}, "not registered"},
		{api.ProviderStatus{Domain: "code", Registered: true}, "idle"},
		{api.ProviderStatus{Domain: "code", Registered: true, Breaker: &resilience.BreakerSnapshot{State: "open", Calls: 6, Failures: 4}}, "open (6 calls, 4 failures in window)"},
	}
	for _, tt := range tests {
		if got := providerLabel(tt.st); got != tt.want {
			t.Errorf("providerLabel(%+v) = %q, want %q", tt.st, got, tt.want)
		}
	}
}

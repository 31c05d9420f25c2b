package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Storage  StorageConfig
	Provider ProviderConfig
	Ollama   OllamaConfig
	Proxy    ProxyConfig
	Router   RouterConfig
	Session  SessionConfig
	Skill    SkillConfig
	Breaker  BreakerConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	Backend string // "sqlite" or "memory"
	DataDir string
}

type ProviderConfig struct {
	Backend   string // "ollama" or "openrouter"
	Timeout   time.Duration
	RateLimit float64
}

type OllamaConfig struct {
	BaseURL     string
	Model       string
	KeepAlive   time.Duration
	Temperature float64 // 0 keeps the model default
}

type ProxyConfig struct {
	OpenRouterAPIKey string
	DefaultModel     string
}

type RouterConfig struct {
	Threshold       float64
	Epsilon         float64
	ContinuityBonus float64
	MinConfidence   float64
	KeywordsFile    string
	LLMFallback     bool
}

type SessionConfig struct {
	HistoryCap    int
	SignalWindow  int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

type SkillConfig struct {
	PromotionWindow int
}

type BreakerConfig struct {
	FailureRate float64
	MinRequests int
	Window      time.Duration
	Cooldown    time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: defaultDataDir(),
		},
		Provider: ProviderConfig{
			Backend: "ollama",
			Timeout: 8 * time.Second,
		},
		Ollama: OllamaConfig{
			BaseURL:   "http://localhost:11434",
			Model:     "llama3.1:8b",
			KeepAlive: 10 * time.Minute,
		},
		Proxy: ProxyConfig{
			DefaultModel: "anthropic/claude-sonnet-4",
		},
		Router: RouterConfig{
			Threshold:       0.5,
			Epsilon:         0.1,
			ContinuityBonus: 0.2,
			MinConfidence:   0.15,
			LLMFallback:     true,
		},
		Session: SessionConfig{
			HistoryCap:    50,
			SignalWindow:  20,
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Skill: SkillConfig{
			PromotionWindow: 3,
		},
		Breaker: BreakerConfig{
			FailureRate: 0.5,
			MinRequests: 5,
			Window:      30 * time.Second,
			Cooldown:    15 * time.Second,
		},
	}
}

// Load reads configuration from the JSON config file, then applies
// environment variable overrides (MENTOR_*) and the secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/mentor/config.json and secrets
// at $XDG_DATA_HOME/mentor/secrets.json.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Fall back to the secrets file for the API key if still empty.
	if cfg.Proxy.OpenRouterAPIKey == "" {
		if key, err := secrets.Get(secretService, "openrouter_api_key"); err == nil && key != "" {
			cfg.Proxy.OpenRouterAPIKey = key
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Provider.Backend {
	case "ollama":
	case "openrouter":
		if cfg.Proxy.OpenRouterAPIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key. " +
				"Set it via environment variable MENTOR_OPENROUTER_API_KEY or use provider.backend=ollama")
		}
	default:
		return fmt.Errorf("invalid provider.backend %q (want ollama or openrouter)", cfg.Provider.Backend)
	}
	switch cfg.Storage.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid storage.backend %q (want sqlite or memory)", cfg.Storage.Backend)
	}
	if cfg.Router.Threshold <= 0 || cfg.Router.Threshold > 1 {
		return fmt.Errorf("router.threshold must be in (0, 1], got %v", cfg.Router.Threshold)
	}
	if cfg.Router.MinConfidence > cfg.Router.Threshold {
		return fmt.Errorf("router.min_confidence (%v) must not exceed router.threshold (%v)", cfg.Router.MinConfidence, cfg.Router.Threshold)
	}
	if cfg.Breaker.FailureRate <= 0 || cfg.Breaker.FailureRate > 1 {
		return fmt.Errorf("breaker.failure_rate must be in (0, 1], got %v", cfg.Breaker.FailureRate)
	}
	if cfg.Session.HistoryCap < 1 {
		return fmt.Errorf("session.history_cap must be positive, got %d", cfg.Session.HistoryCap)
	}
	return nil
}

// DebugLogging reports whether log.level asks for debug output.
func (c Config) DebugLogging() bool {
	return strings.EqualFold(c.Log.Level, "debug")
}

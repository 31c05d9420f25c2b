package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MENTOR_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "MENTOR_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "log.level", typ: kString, env: "MENTOR_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.backend", typ: kString, env: "MENTOR_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MENTOR_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "provider.backend", typ: kString, env: "MENTOR_PROVIDER_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Provider.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Backend },
	},
	{
		key: "provider.timeout", typ: kDuration, env: "MENTOR_PROVIDER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Provider.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Provider.Timeout },
	},
	{
		key: "provider.rate_limit", typ: kFloat, env: "MENTOR_PROVIDER_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Provider.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Provider.RateLimit },
	},
	{
		key: "ollama.base_url", typ: kString, env: "MENTOR_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "MENTOR_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "ollama.keep_alive", typ: kDuration, env: "MENTOR_OLLAMA_KEEP_ALIVE",
		apply:   func(cfg *Config, v any) { cfg.Ollama.KeepAlive = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ollama.KeepAlive },
	},
	{
		key: "ollama.temperature", typ: kFloat, env: "MENTOR_OLLAMA_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ollama.Temperature },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "MENTOR_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.default_model", typ: kString, env: "MENTOR_PROXY_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.DefaultModel },
	},
	{
		key: "router.threshold", typ: kFloat, env: "MENTOR_ROUTER_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Router.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Router.Threshold },
	},
	{
		key: "router.epsilon", typ: kFloat, env: "MENTOR_ROUTER_EPSILON",
		apply:   func(cfg *Config, v any) { cfg.Router.Epsilon = v.(float64) },
		extract: func(cfg Config) any { return cfg.Router.Epsilon },
	},
	{
		key: "router.continuity_bonus", typ: kFloat, env: "MENTOR_ROUTER_CONTINUITY_BONUS",
		apply:   func(cfg *Config, v any) { cfg.Router.ContinuityBonus = v.(float64) },
		extract: func(cfg Config) any { return cfg.Router.ContinuityBonus },
	},
	{
		key: "router.min_confidence", typ: kFloat, env: "MENTOR_ROUTER_MIN_CONFIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Router.MinConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Router.MinConfidence },
	},
	{
		key: "router.keywords_file", typ: kString, env: "MENTOR_ROUTER_KEYWORDS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Router.KeywordsFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Router.KeywordsFile },
	},
	{
		key: "router.llm_fallback", typ: kBool, env: "MENTOR_ROUTER_LLM_FALLBACK",
		apply:   func(cfg *Config, v any) { cfg.Router.LLMFallback = v.(bool) },
		extract: func(cfg Config) any { return cfg.Router.LLMFallback },
	},
	{
		key: "session.history_cap", typ: kInt, env: "MENTOR_SESSION_HISTORY_CAP",
		apply:   func(cfg *Config, v any) { cfg.Session.HistoryCap = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.HistoryCap },
	},
	{
		key: "session.signal_window", typ: kInt, env: "MENTOR_SESSION_SIGNAL_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Session.SignalWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.SignalWindow },
	},
	{
		key: "session.idle_timeout", typ: kDuration, env: "MENTOR_SESSION_IDLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Session.IdleTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.IdleTimeout },
	},
	{
		key: "session.sweep_interval", typ: kDuration, env: "MENTOR_SESSION_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Session.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.SweepInterval },
	},
	{
		key: "skill.promotion_window", typ: kInt, env: "MENTOR_SKILL_PROMOTION_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Skill.PromotionWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Skill.PromotionWindow },
	},
	{
		key: "breaker.failure_rate", typ: kFloat, env: "MENTOR_BREAKER_FAILURE_RATE",
		apply:   func(cfg *Config, v any) { cfg.Breaker.FailureRate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Breaker.FailureRate },
	},
	{
		key: "breaker.min_requests", typ: kInt, env: "MENTOR_BREAKER_MIN_REQUESTS",
		apply:   func(cfg *Config, v any) { cfg.Breaker.MinRequests = v.(int) },
		extract: func(cfg Config) any { return cfg.Breaker.MinRequests },
	},
	{
		key: "breaker.window", typ: kDuration, env: "MENTOR_BREAKER_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Breaker.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Breaker.Window },
	},
	{
		key: "breaker.cooldown", typ: kDuration, env: "MENTOR_BREAKER_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Breaker.Cooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Breaker.Cooldown },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts a raw string to the key's Go type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

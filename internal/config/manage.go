package config

import (
	"fmt"
	"os"
)

// Where a displayed value came from.
const (
	SourceDefault = "default"
	SourceFile    = "file"
	SourceEnv     = "env"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Source string
}

// ShowAll returns every non-secret key with its effective value in cfg and
// the layer that set it.
func ShowAll(cfg Config) []KeyInfo {
	return showAllWith(newPlatformBackend(), cfg)
}

func showAllWith(b ConfigBackend, cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		src := SourceDefault
		switch {
		case os.Getenv(s.env) != "":
			src = SourceEnv
		case inFile(b, s):
			src = SourceFile
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
			Source: src,
		})
	}
	return result
}

func inFile(b ConfigBackend, s keySpec) bool {
	if s.typ == kInt {
		_, ok, err := b.GetInt(s.key)
		return ok && err == nil
	}
	_, ok, err := b.GetString(s.key)
	return ok && err == nil
}

// SetKey validates value against the key's type and writes it to the config
// file. The returned env var name is non-empty when that variable is set and
// will keep overriding the file.
func SetKey(key, value string) (shadowedBy string, err error) {
	if err := setKeyWith(newPlatformBackend(), key, value); err != nil {
		return "", err
	}
	s, _ := lookupSpec(key)
	if os.Getenv(s.env) != "" {
		return s.env, nil
	}
	return "", nil
}

func setKeyWith(b ConfigBackend, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}
	v, err := s.parse(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := validateKey(key, v); err != nil {
		return err
	}
	if i, ok := v.(int); ok {
		return b.SetInt(key, i)
	}
	return b.SetString(key, value)
}

// validateKey rejects enum and sign errors at set time rather than on the
// next start.
func validateKey(key string, v any) error {
	switch key {
	case "provider.backend":
		if v != "ollama" && v != "openrouter" {
			return fmt.Errorf("invalid provider.backend %q (want ollama or openrouter)", v)
		}
	case "storage.backend":
		if v != "sqlite" && v != "memory" {
			return fmt.Errorf("invalid storage.backend %q (want sqlite or memory)", v)
		}
	}
	switch n := v.(type) {
	case int:
		if n < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	case float64:
		if n < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	return nil
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

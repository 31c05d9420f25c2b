package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

const apiTokenEnv = "MENTOR_API_TOKEN"

// GetAPIToken returns the bearer token for the HTTP API. MENTOR_API_TOKEN
// wins; otherwise the token is read from the secret store and generated
// on first use.
func GetAPIToken(s SecretStore) (string, error) {
	if tok := os.Getenv(apiTokenEnv); tok != "" {
		return tok, nil
	}
	if tok, err := s.Get(secretService, "api_token"); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := s.Set(secretService, "api_token", tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// RotateAPIToken replaces the stored token with a fresh one. Running servers
// keep the old token until restarted.
func RotateAPIToken(s SecretStore) (string, error) {
	if os.Getenv(apiTokenEnv) != "" {
		return "", fmt.Errorf("the API token is pinned by %s; unset it to rotate", apiTokenEnv)
	}
	if err := s.Delete(secretService, "api_token"); err != nil {
		return "", fmt.Errorf("removing API token: %w", err)
	}
	return GetAPIToken(s)
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const secretService = "mentor"

// ErrSecretNotFound is returned by SecretStore.Get for an unknown entry.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore holds values that never go into the plain config file.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
	Delete(service, account string) error
}

// fileSecretStore is a 0600 JSON file of service -> account -> value.
// Writes go through a temp file and rename so a crash never leaves a
// truncated file behind.
type fileSecretStore struct {
	mu   sync.Mutex
	path string
}

// NewSecretStore returns the secrets file store at $XDG_DATA_HOME/mentor/secrets.json.
func NewSecretStore() SecretStore {
	return newFileSecretStore(secretsFilePath())
}

func newFileSecretStore(path string) *fileSecretStore {
	return &fileSecretStore{path: path}
}

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "mentor", "secrets.json")
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "mentor", "secrets.json")
}

type secretFile map[string]map[string]string

func (s *fileSecretStore) read() (secretFile, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return secretFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	f := secretFile{}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", s.path, err)
	}
	return f, nil
}

func (s *fileSecretStore) write(f secretFile) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".secrets-*.json")
	if err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing secrets file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *fileSecretStore) Get(service, account string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return "", err
	}
	val, ok := f[service][account]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", service, account, ErrSecretNotFound)
	}
	return val, nil
}

func (s *fileSecretStore) Set(service, account, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	if f[service] == nil {
		f[service] = make(map[string]string)
	}
	f[service][account] = value
	return s.write(f)
}

func (s *fileSecretStore) Delete(service, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := f[service][account]; !ok {
		return nil
	}
	delete(f[service], account)
	if len(f[service]) == 0 {
		delete(f, service)
	}
	return s.write(f)
}

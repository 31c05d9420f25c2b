// Package ollama is a small client for the Ollama HTTP API covering what the
// local provider backend needs: chat, version probing and model management.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/mentor/internal/engine"
)

// StatusError is returned when Ollama answers with a non-200 status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

// StatusCode exposes the HTTP status for error classification.
func (e *StatusError) StatusCode() int { return e.Code }

// Client talks to one Ollama server. It satisfies engine.Engine.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	keepAlive   time.Duration
	temperature *float64
}

var _ engine.Engine = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithKeepAlive asks Ollama to keep the model loaded for d after each chat.
// Zero leaves the server default.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Client) { c.keepAlive = d }
}

// WithTemperature sets the sampling temperature sent with every chat.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = &t }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for the Ollama server at baseURL. Requests are bounded
// by their context; the HTTP client itself has no timeout because pulls stream
// for minutes.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do sends a JSON request and returns the response when the status is 200.
func (c *Client) do(ctx context.Context, op, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding request: %w", op, err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// Version returns the server version. It doubles as the liveness probe.
func (c *Client) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := c.do(ctx, "version", http.MethodGet, "/api/version", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var v struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("version: decoding response: %w", err)
	}
	return v.Version, nil
}

// Models returns the names of the locally available models.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.do(ctx, "list models", http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("list models: decoding response: %w", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// Pull downloads a model, reading the newline-delimited progress stream to
// the end. An "error" line in the stream fails the pull.
func (c *Client) Pull(ctx context.Context, name string, onProgress func(engine.PullProgress)) error {
	resp, err := c.do(ctx, "pull "+name, http.MethodPost, "/api/pull", map[string]any{"name": name, "stream": true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var line struct {
			engine.PullProgress
			Error string `json:"error"`
		}
		if err := dec.Decode(&line); errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("pull %s: reading progress: %w", name, err)
		}
		if line.Error != "" {
			return fmt.Errorf("pull %s: %s", name, line.Error)
		}
		if onProgress != nil {
			onProgress(line.PullProgress)
		}
	}
}

type chatRequest struct {
	Model     string           `json:"model"`
	Messages  []engine.Message `json:"messages"`
	Stream    bool             `json:"stream"`
	Format    *engine.Schema   `json:"format,omitempty"`
	KeepAlive string           `json:"keep_alive,omitempty"`
	Options   map[string]any   `json:"options,omitempty"`
}

// Chat sends a non-streaming chat request and returns the assistant message.
// A non-nil schema constrains the output to that JSON shape.
func (c *Client) Chat(ctx context.Context, model string, messages []engine.Message, schema *engine.Schema) (string, error) {
	cr := chatRequest{
		Model:    model,
		Messages: messages,
		Format:   schema,
	}
	if c.keepAlive > 0 {
		cr.KeepAlive = c.keepAlive.String()
	}
	if c.temperature != nil {
		cr.Options = map[string]any{"temperature": *c.temperature}
	}

	resp, err := c.do(ctx, "chat", http.MethodPost, "/api/chat", cr)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		Message    engine.Message `json:"message"`
		DoneReason string         `json:"done_reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("chat: decoding response: %w", err)
	}
	if result.Message.Content == "" && result.DoneReason == "load" {
		// Ollama answers an empty load-only request while the model warms up.
		return "", &StatusError{Op: "chat", Code: http.StatusServiceUnavailable, Body: "model is still loading"}
	}
	return result.Message.Content, nil
}

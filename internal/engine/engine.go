// Package engine defines the chat backend shared by the router's fallback
// classifier and the LLM-backed providers, plus the startup check that makes
// a local backend usable before the server accepts turns.
package engine

import (
	"context"
	"strings"
)

// Engine is a local inference backend.
type Engine interface {
	// Chat sends messages to model and returns the assistant's reply. A
	// non-nil schema requests structured JSON output.
	Chat(ctx context.Context, model string, messages []Message, schema *Schema) (string, error)

	// Version reports the backend version; an error means it is unreachable.
	Version(ctx context.Context) (string, error)

	Models(ctx context.Context) ([]string, error)

	// Pull downloads a model. onProgress may be nil.
	Pull(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the JSON object a structured chat must return.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

type SchemaProperty struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Items       *SchemaProperty `json:"items,omitempty"`
}

// PullProgress is one progress line of a model download.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// hasModel reports whether name is among models. A name without a tag
// matches any tag of that model ("llama3.1" matches "llama3.1:8b"), and a
// ":latest" tag is interchangeable with no tag.
func hasModel(models []string, name string) bool {
	want := strings.TrimSuffix(name, ":latest")
	for _, m := range models {
		m = strings.TrimSuffix(m, ":latest")
		if m == want || (!strings.Contains(want, ":") && strings.HasPrefix(m, want+":")) {
			return true
		}
	}
	return false
}

package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kalambet/mentor/internal/engine"
	"github.com/kalambet/mentor/internal/provider"
)

const extractionTimeout = 3 * time.Second

// Chatter is the slice of the inference engine the extractor needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Classification is the LLM's answer when keyword scoring found nothing.
type Classification struct {
	Domains []string `json:"domains"`
	Subject string   `json:"subject"`
}

// Extractor asks a small local model to classify a message the keyword
// table could not place.
type Extractor struct {
	client Chatter
	model  string
}

// NewExtractor creates an Extractor using the given chat client and model name.
func NewExtractor(client Chatter, model string) *Extractor {
	return &Extractor{client: client, model: model}
}

// Extract returns the parsed classification. On any failure (timeout,
// malformed JSON, engine error) it returns a zero value so routing falls
// through to a clarification instead of blocking the turn.
func (e *Extractor) Extract(ctx context.Context, message string, topic []provider.Domain) Classification {
	if message == "" {
		return Classification{}
	}

	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	raw, err := e.client.Chat(ctx, e.model, BuildPrompt(message, topic), classificationSchema())
	if err != nil {
		slog.Warn("intent classification chat failed", "error", err)
		return Classification{}
	}

	var result Classification
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		slog.Warn("failed to unmarshal classification from LLM response", "error", err, "response", raw)
		return Classification{}
	}
	return result
}

// domains parses the model's labels, dropping anything unknown.
func (c Classification) domains() []provider.Domain {
	var out []provider.Domain
	seen := make(map[provider.Domain]bool)
	for _, name := range c.Domains {
		d, err := provider.ParseDomain(name)
		if err != nil || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

func classificationSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"domains": {Type: "array", Description: "One to three of: concept, code, debug, docs, deploy, workflow, tech_advice", Items: &engine.SchemaProperty{Type: "string"}},
			"subject": {Type: "string", Description: "Short noun phrase naming what the message is about"},
		},
		Required: []string{"domains", "subject"},
	}
}

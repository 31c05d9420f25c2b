package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/mentor/internal/composer"
	"github.com/kalambet/mentor/internal/engine"
)

// Chatter is the chat call LLM-backed providers need. Both the local engine
// and the cloud proxy client implement it.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// LLMProvider answers one domain by prompting a chat model.
type LLMProvider struct {
	domain   Domain
	client   Chatter
	model    string
	composer *composer.Composer
}

// NewLLMProvider returns a provider for domain backed by client.
func NewLLMProvider(domain Domain, client Chatter, model string, c *composer.Composer) *LLMProvider {
	if c == nil {
		c = composer.New(0)
	}
	return &LLMProvider{domain: domain, client: client, model: model, composer: c}
}

// NewLLMRegistry registers an LLMProvider for every built-in domain.
func NewLLMRegistry(client Chatter, model string, c *composer.Composer) *Registry {
	r := NewRegistry()
	for _, d := range Domains {
		r.Register(NewLLMProvider(d, client, model, c))
	}
	return r
}

func (p *LLMProvider) Domain() Domain { return p.domain }

func (p *LLMProvider) Handle(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return Result{}, Permanent(errors.New("empty message"))
	}
	msgs := p.composer.Compose(composer.Input{
		Domain:        string(p.domain),
		Message:       req.Message,
		SkillLevel:    req.SkillLevel,
		LearningMode:  req.LearningMode,
		Attachments:   req.Attachments,
		DomainContext: req.DomainContext,
	})

	raw, err := p.client.Chat(ctx, p.model, msgs, resultSchema())
	if err != nil {
		return Result{}, Classify(fmt.Errorf("%s provider: %w", p.domain, err))
	}
	return parseResult(raw)
}

// parseResult accepts the requested JSON object, a JSON object wrapped in a
// markdown fence, or plain text (taken as the content).
func parseResult(raw string) (Result, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Result{}, errors.New("model returned an empty answer")
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	if strings.HasPrefix(s, "{") {
		var res Result
		if err := json.Unmarshal([]byte(s), &res); err == nil && res.Content != "" {
			return res, nil
		}
	}
	return Result{Content: strings.TrimSpace(raw)}, nil
}

func resultSchema() *engine.Schema {
	str := &engine.SchemaProperty{Type: "string"}
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"content":       {Type: "string", Description: "The answer, markdown allowed"},
			"suggestions":   {Type: "array", Description: "Optional next actions", Items: str},
			"follow_ups":    {Type: "array", Description: "Questions the learner could ask next", Items: str},
			"prerequisites": {Type: "array", Description: "Concepts the answer assumes", Items: str},
		},
		Required: []string{"content"},
	}
}

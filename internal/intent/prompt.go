package intent

import (
	"fmt"
	"strings"

	"github.com/kalambet/mentor/internal/engine"
	"github.com/kalambet/mentor/internal/provider"
)

const systemPrompt = `You are a request router for a programming mentor. Classify the learner's message into the help domains it needs. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Domains:
- "concept": explaining an idea, term or theory
- "code": writing or changing code
- "debug": diagnosing an error or unexpected behavior
- "docs": writing or improving documentation
- "deploy": shipping, hosting, containers, CI/CD
- "workflow": developer productivity and process
- "tech_advice": choosing between tools, libraries or approaches

Rules:
- Return at most three domains, most relevant first.
- Return an empty list if the message is not a programming request.
- The subject is a short noun phrase, not a sentence.`

// BuildPrompt constructs the chat messages for fallback classification.
func BuildPrompt(message string, topic []provider.Domain) []engine.Message {
	var sb strings.Builder
	sb.WriteString(systemPrompt)

	if len(topic) > 0 {
		names := make([]string, len(topic))
		for i, d := range topic {
			names[i] = string(d)
		}
		fmt.Fprintf(&sb, "\n\n[Current Topic]\n%s", strings.Join(names, ", "))
	}

	return []engine.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: message},
	}
}

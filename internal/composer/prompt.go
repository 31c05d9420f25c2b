package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/mentor/internal/attachment"
	"github.com/kalambet/mentor/internal/engine"
)

const defaultMaxContextTokens = 4000

// Composer assembles the chat messages an LLM-backed provider sends for one
// domain: a role prompt, a depth policy for the learner's level, the session
// context and any attachments, within a token budget.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Input is the provider request, flattened so this package stays free of
// provider types.
type Input struct {
	Domain        string
	Message       string
	SkillLevel    string
	LearningMode  bool
	Attachments   []attachment.Attachment
	DomainContext string
}

var rolePrompts = map[string]string{
	"concept":     "You explain programming concepts. Build from what the learner already knows, use one small concrete example, and name any prerequisite the explanation depends on.",
	"code":        "You write code for the learner. Produce working, idiomatic code in the learner's preferred language and explain the non-obvious parts.",
	"debug":       "You help the learner debug. Read the error carefully, state the most likely cause first, and give the smallest change that tests the hypothesis.",
	"docs":        "You help the learner write documentation. Favor short, accurate sentences and examples over prose.",
	"deploy":      "You help the learner ship software. Give concrete, ordered steps and call out anything that is hard to undo.",
	"workflow":    "You help the learner work more effectively. Suggest small habits and tool changes with a clear payoff.",
	"tech_advice": "You advise the learner on technology choices. Compare options against the learner's stated constraints and commit to a recommendation.",
}

const outputInstructions = `Respond with ONLY a single JSON object with these fields:
- "content": your answer, markdown allowed
- "suggestions": short optional next actions
- "follow_ups": questions the learner could ask next
- "prerequisites": concepts the answer assumes, each as a short phrase`

// DepthPolicy describes how deep to go for a skill level. Learning mode
// switches to guided discovery regardless of level.
func DepthPolicy(level string, learningMode bool) string {
	var depth string
	switch level {
	case "expert":
		depth = "The learner is an expert. Be terse, skip fundamentals, and discuss trade-offs and edge cases."
	case "advanced":
		depth = "The learner is advanced. Assume fluency with the basics and focus on design and subtleties."
	case "intermediate":
		depth = "The learner is intermediate. Briefly recap key ideas before building on them."
	default:
		depth = "The learner is a beginner. Define terms, avoid jargon, and go one step at a time."
	}
	if learningMode {
		depth += " Learning mode is on: guide with questions and hints, and do not hand over a complete solution unless the learner asks for it."
	}
	return depth
}

// Compose builds the system and user messages for one provider call.
func (c *Composer) Compose(in Input) []engine.Message {
	var sys strings.Builder
	role, ok := rolePrompts[in.Domain]
	if !ok {
		role = "You are a programming mentor."
	}
	sys.WriteString(role)
	sys.WriteString("\n\n")
	sys.WriteString(DepthPolicy(in.SkillLevel, in.LearningMode))
	sys.WriteString("\n\n")
	sys.WriteString(outputInstructions)

	remaining := c.MaxContextTokens - EstimateTokens(in.Message)

	var user strings.Builder
	var attached []string
	for _, a := range in.Attachments {
		block := formatAttachment(a)
		tokens := EstimateTokens(block)
		if tokens > remaining {
			continue
		}
		attached = append(attached, block)
		remaining -= tokens
	}

	if in.DomainContext != "" && remaining > 0 {
		const header = "[Learner Context]\n"
		ctxText := tail(in.DomainContext, (remaining-EstimateTokens(header))*4)
		if ctxText != "" {
			user.WriteString(header)
			user.WriteString(ctxText)
			user.WriteString("\n\n")
		}
	}
	if len(attached) > 0 {
		user.WriteString("[Attachments]\n")
		for _, b := range attached {
			user.WriteString(b)
		}
		user.WriteString("\n")
	}
	user.WriteString(in.Message)

	return []engine.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user.String()},
	}
}

func formatAttachment(a attachment.Attachment) string {
	label := string(a.Kind)
	if a.Name != "" {
		label += " " + a.Name
	}
	fence := a.Language
	if a.Kind != attachment.KindCode {
		fence = ""
	}
	return fmt.Sprintf("(%s)\n```%s\n%s\n```\n", label, fence, a.Content)
}

// tail keeps at most max bytes from the end of s, cut at a line boundary
// when possible. Recent context sits at the end.
func tail(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	s = s[len(s)-max:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		return s[i+1:]
	}
	return s
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

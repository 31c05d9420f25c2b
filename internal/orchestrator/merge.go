package orchestrator

import (
	"fmt"
	"strings"

	"github.com/kalambet/mentor/internal/provider"
	"github.com/kalambet/mentor/internal/resilience"
)

// Section is one domain's contribution to a response.
type Section struct {
	Domain  provider.Domain   `json:"domain"`
	Status  resilience.Status `json:"status"`
	Reason  resilience.Reason `json:"reason,omitempty"`
	Cached  bool              `json:"cached,omitempty"`
	Content string            `json:"content"`
}

const limitationNote = "I couldn't reach the assistants needed for a full answer right now, so this is limited guidance rather than a complete response."

var domainTitles = map[provider.Domain]string{
	provider.Concept:    "concepts",
	provider.Code:       "code",
	provider.Debug:      "debugging",
	provider.Docs:       "documentation",
	provider.Deploy:     "deployment",
	provider.Workflow:   "workflow",
	provider.TechAdvice: "technology choice",
}

func title(d provider.Domain) string {
	if t, ok := domainTitles[d]; ok {
		return t
	}
	return string(d)
}

type merged struct {
	content       string
	sections      []Section
	suggestions   []string
	followUps     []string
	prerequisites []string
	degraded      bool
	notices       []*Error
}

// merge combines outcomes given in router order. A single section passes
// through unchanged; several are joined with a transition note, dropping
// paragraphs and prerequisites already stated by an earlier section.
func merge(outs []resilience.Outcome) merged {
	var m merged
	seenPara := make(map[string]bool)
	seenPrereq := make(map[string]bool)
	seenSuggestion := make(map[string]bool)
	seenFollowUp := make(map[string]bool)
	ok := 0

	var parts []string
	for i, out := range outs {
		sec := Section{Domain: out.Domain, Status: out.Status, Reason: out.Reason, Cached: out.Cached}
		switch out.Status {
		case resilience.StatusOK:
			ok++
			sec.Content = out.Result.Content
		case resilience.StatusFailed:
			sec.Content = fmt.Sprintf("The %s assistant could not handle this request: %v", title(out.Domain), out.Err)
			m.notices = append(m.notices, providerError(out))
		default:
			sec.Content = out.Result.Content
			m.notices = append(m.notices, providerError(out))
		}

		if len(outs) == 1 {
			parts = append(parts, sec.Content)
		} else {
			body := dedupeParagraphs(sec.Content, seenPara)
			if body != "" {
				if i > 0 {
					body = fmt.Sprintf("Turning to %s:\n\n%s", title(out.Domain), body)
				}
				parts = append(parts, body)
			}
		}
		m.sections = append(m.sections, sec)

		m.prerequisites = appendUnique(m.prerequisites, out.Result.Prerequisites, seenPrereq)
		m.suggestions = appendUnique(m.suggestions, out.Result.Suggestions, seenSuggestion)
		m.followUps = appendUnique(m.followUps, out.Result.FollowUps, seenFollowUp)
	}

	m.content = strings.Join(parts, "\n\n")
	if len(outs) > 0 && ok == 0 {
		m.degraded = true
		m.content = strings.TrimSpace(limitationNote + "\n\n" + m.content)
	}
	return m
}

// providerError maps a non-OK outcome to the error taxonomy.
func providerError(out resilience.Outcome) *Error {
	e := &Error{err: out.Err}
	switch out.Reason {
	case resilience.ReasonTimeout:
		e.Kind = KindProviderTimeout
		e.Cause = fmt.Sprintf("the %s assistant took too long to answer", title(out.Domain))
		e.Retry = "try again in a moment"
	case resilience.ReasonPermanent:
		e.Kind = KindProviderPermanent
		e.Cause = fmt.Sprintf("the %s assistant rejected the request: %v", title(out.Domain), out.Err)
		e.Retry = "rephrase the request or remove unsupported attachments"
	default:
		e.Kind = KindProviderUnavailable
		e.Cause = fmt.Sprintf("the %s assistant is unavailable", title(out.Domain))
		e.Retry = "try again shortly"
	}
	return e
}

func dedupeParagraphs(s string, seen map[string]bool) string {
	var keep []string
	for _, p := range strings.Split(s, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k := normalize(p)
		if seen[k] {
			continue
		}
		seen[k] = true
		keep = append(keep, p)
	}
	return strings.Join(keep, "\n\n")
}

func appendUnique(dst, src []string, seen map[string]bool) []string {
	for _, s := range src {
		k := normalize(s)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		dst = append(dst, strings.TrimSpace(s))
	}
	return dst
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Package provider defines the capability-provider contract: one interface
// tagged with a Domain, a registry to look providers up by domain, and the
// error classes the resilience layer uses to decide whether to retry.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kalambet/mentor/internal/attachment"
)

// Domain identifies one capability area.
type Domain string

const (
	Concept    Domain = "concept"
	Code       Domain = "code"
	Debug      Domain = "debug"
	Docs       Domain = "docs"
	Deploy     Domain = "deploy"
	Workflow   Domain = "workflow"
	TechAdvice Domain = "tech_advice"
)

// Domains lists every built-in domain in canonical order. The order is used
// to break ties between equally scored domains.
var Domains = []Domain{Concept, Code, Debug, Docs, Deploy, Workflow, TechAdvice}

// ParseDomain accepts canonical names plus a few aliases ("tech-advice", "documentation").
func ParseDomain(s string) (Domain, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "tech-advice", "techadvice", "advice":
		return TechAdvice, nil
	case "documentation":
		return Docs, nil
	case "debugging":
		return Debug, nil
	case "deployment":
		return Deploy, nil
	}
	for _, d := range Domains {
		if string(d) == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown request type %q", s)
}

// Request is the read-only input a provider receives for one turn.
type Request struct {
	Domain        Domain                  `json:"domain"`
	Message       string                  `json:"message"`
	SkillLevel    string                  `json:"skill_level"`
	LearningMode  bool                    `json:"learning_mode"`
	Attachments   []attachment.Attachment `json:"attachments,omitempty"`
	DomainContext string                  `json:"domain_context,omitempty"`
}

// Result is a provider's answer.
type Result struct {
	Content       string   `json:"content"`
	Suggestions   []string `json:"suggestions,omitempty"`
	FollowUps     []string `json:"follow_ups,omitempty"`
	Prerequisites []string `json:"prerequisites,omitempty"`
}

// Provider handles requests for a single domain. Implementations must be
// safe to call concurrently and safe to retry once.
type Provider interface {
	Domain() Domain
	Handle(ctx context.Context, req Request) (Result, error)
}

// Registry maps domains to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[Domain]Provider
}

func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[Domain]Provider, len(ps))}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any provider already registered for its domain.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Domain()] = p
}

func (r *Registry) Get(d Domain) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[d]
	return p, ok
}

// Domains returns the registered domains, sorted.
func (r *Registry) Domains() []Domain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Domain, 0, len(r.providers))
	for d := range r.providers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Func adapts a function to the Provider interface.
type Func struct {
	D  Domain
	Fn func(ctx context.Context, req Request) (Result, error)
}

func (f Func) Domain() Domain { return f.D }

func (f Func) Handle(ctx context.Context, req Request) (Result, error) {
	return f.Fn(ctx, req)
}

// Package intent routes a learner's message to the help domains that
// should answer it.
package intent

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/kalambet/mentor/internal/attachment"
	"github.com/kalambet/mentor/internal/provider"
)

// Defaults for Config.
const (
	DefaultThreshold       = 0.5
	DefaultEpsilon         = 0.1
	DefaultContinuityBonus = 0.2
	DefaultMinConfidence   = 0.15
	DefaultMaxDomains      = 3

	errorAttachmentBias = 0.3
	codeAttachmentBias  = 0.1
	classifiedScore     = 0.6
)

// Config tunes routing. Zero fields take the package defaults.
type Config struct {
	Threshold       float64
	Epsilon         float64
	ContinuityBonus float64
	MinConfidence   float64
	MaxDomains      int
	Keywords        map[provider.Domain][]Keyword
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Epsilon <= 0 {
		c.Epsilon = DefaultEpsilon
	}
	if c.ContinuityBonus < 0 {
		c.ContinuityBonus = 0
	} else if c.ContinuityBonus == 0 {
		c.ContinuityBonus = DefaultContinuityBonus
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = DefaultMinConfidence
	}
	if c.MaxDomains <= 0 {
		c.MaxDomains = DefaultMaxDomains
	}
	if c.Keywords == nil {
		c.Keywords = DefaultKeywords()
	}
	return c
}

// Input is everything the router looks at for one turn.
type Input struct {
	Message     string
	Explicit    provider.Domain
	Topic       []provider.Domain
	Attachments []attachment.Attachment
}

// Decision is the routing result. It is never persisted.
type Decision struct {
	Domains     []provider.Domain
	Confidence  map[provider.Domain]float64
	CrossDomain bool
	Explicit    bool
	Classified  bool
	// Continued is set when only the active topic selected the domains;
	// the message carried no routing evidence of its own.
	Continued bool
	Subject   string
}

// Primary returns the highest ranked domain, or "" when nothing was selected.
func (d Decision) Primary() provider.Domain {
	if len(d.Domains) == 0 {
		return ""
	}
	return d.Domains[0]
}

// Router scores messages against per-domain keyword tables.
type Router struct {
	cfg       Config
	phrases   map[provider.Domain][]phrase
	stopwords map[string]bool
	extractor *Extractor
}

type phrase struct {
	tokens []string
	weight float64
}

// NewRouter builds a router. extractor may be nil, in which case messages
// with no keyword evidence get zero domains.
func NewRouter(cfg Config, extractor *Extractor) *Router {
	cfg = cfg.withDefaults()
	r := &Router{
		cfg:       cfg,
		phrases:   make(map[provider.Domain][]phrase, len(cfg.Keywords)),
		stopwords: make(map[string]bool),
		extractor: extractor,
	}
	for _, w := range stopwordList {
		r.stopwords[w] = true
	}
	for d, kws := range cfg.Keywords {
		for _, kw := range kws {
			toks := tokenize(kw.Phrase)
			if len(toks) == 0 {
				continue
			}
			r.phrases[d] = append(r.phrases[d], phrase{tokens: toks, weight: kw.Weight})
			// Keyword words are routing vocabulary, not subject matter.
			for _, t := range toks {
				r.stopwords[t] = true
			}
		}
	}
	return r
}

// Route scores the message and selects up to MaxDomains domains.
func (r *Router) Route(ctx context.Context, in Input) Decision {
	tokens := tokenize(in.Message)
	dec := Decision{Confidence: make(map[provider.Domain]float64)}
	if len(tokens) == 0 && in.Explicit == "" {
		return dec
	}
	dec.Subject = r.subject(tokens)

	scores := r.score(tokens)
	for _, a := range in.Attachments {
		switch a.Kind {
		case attachment.KindError:
			scores[provider.Debug] += errorAttachmentBias
		case attachment.KindCode:
			scores[provider.Code] += codeAttachmentBias
		}
	}

	evidence := false
	for _, s := range scores {
		if s > 0 {
			evidence = true
			break
		}
	}

	if in.Explicit != "" {
		scores[in.Explicit] = 1.0
		dec.Explicit = true
	} else {
		if !evidence && r.extractor != nil {
			if classified := r.extractor.Extract(ctx, in.Message, in.Topic).domains(); len(classified) > 0 {
				for _, d := range classified {
					scores[d] = classifiedScore
				}
				dec.Classified = true
			}
		}
		for _, d := range in.Topic {
			scores[d] += r.cfg.ContinuityBonus
		}
	}

	for d, s := range scores {
		if s > 1.0 {
			s = 1.0
		}
		if s > 0 {
			dec.Confidence[d] = s
		}
	}

	ranked := rank(dec.Confidence)
	for _, d := range ranked {
		if dec.Confidence[d] > r.cfg.Threshold {
			dec.Domains = append(dec.Domains, d)
		}
	}
	if len(dec.Domains) == 0 && len(ranked) > 0 && dec.Confidence[ranked[0]] >= r.cfg.MinConfidence {
		dec.Domains = []provider.Domain{ranked[0]}
	}
	if len(dec.Domains) > r.cfg.MaxDomains {
		dec.Domains = dec.Domains[:r.cfg.MaxDomains]
	}
	if len(dec.Domains) >= 2 {
		top, second := dec.Confidence[dec.Domains[0]], dec.Confidence[dec.Domains[1]]
		dec.CrossDomain = top-second <= r.cfg.Epsilon
	}
	dec.Continued = len(dec.Domains) > 0 && !evidence && !dec.Explicit && !dec.Classified
	return dec
}

func (r *Router) score(tokens []string) map[provider.Domain]float64 {
	scores := make(map[provider.Domain]float64)
	for d, ps := range r.phrases {
		for _, p := range ps {
			if containsRun(tokens, p.tokens) {
				scores[d] += p.weight
			}
		}
	}
	return scores
}

// subject keeps the first few content words of the message.
func (r *Router) subject(tokens []string) string {
	var words []string
	for _, t := range tokens {
		if r.stopwords[t] || len(t) < 2 {
			continue
		}
		words = append(words, t)
		if len(words) == 3 {
			break
		}
	}
	return strings.Join(words, " ")
}

// rank orders domains by confidence desc, ties by canonical order.
func rank(conf map[provider.Domain]float64) []provider.Domain {
	order := make(map[provider.Domain]int, len(provider.Domains))
	for i, d := range provider.Domains {
		order[d] = i
	}
	out := make([]provider.Domain, 0, len(conf))
	for d := range conf {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if conf[out[i]] != conf[out[j]] {
			return conf[out[i]] > conf[out[j]]
		}
		return order[out[i]] < order[out[j]]
	})
	return out
}

func containsRun(tokens, run []string) bool {
	if len(run) == 0 || len(run) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(run) <= len(tokens); i++ {
		for j, t := range run {
			if tokens[i+j] != t {
				continue outer
			}
		}
		return true
	}
	return false
}

// tokenize lowercases and splits on anything that is not a letter, digit or
// one of the characters that show up inside tech terms (c++, c#, ci/cd).
func tokenize(s string) []string {
	s = strings.ReplaceAll(strings.ToLower(s), "’", "'")
	fields := strings.FieldsFunc(s, func(r rune) bool {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
		switch r {
		case '+', '#', '/', '\'', '_':
			return false
		}
		return true
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'/")
		if f != "" && strings.IndexFunc(f, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) >= 0 {
			out = append(out, f)
		}
	}
	return out
}

var stopwordList = []string{
	"a", "an", "the", "and", "or", "but", "to", "of", "in", "on", "for", "with",
	"my", "me", "i", "i'm", "it", "its", "it's", "is", "are", "was", "be", "this",
	"that", "do", "does", "can", "could", "you", "please", "how", "what", "when",
	"where", "which", "who", "some", "about", "from", "into", "at", "by", "so",
	"there", "here", "just", "help", "need", "want", "get", "make", "using", "use",
	"don't", "doesn't", "didn't", "can't", "won't", "isn't", "aren't", "wasn't",
	"i've", "i'd", "i'll", "that's", "what's", "not", "still", "again", "really",
	"understand", "confused", "lost", "got", "yes", "no", "ok", "okay", "thanks",
	"more", "then", "now", "why", "also", "too", "we", "our", "your", "they",
}

package intent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/mentor/internal/provider"
)

// Keyword is a scored phrase. Single words match tokens; multi-word phrases
// match contiguous token runs.
type Keyword struct {
	Phrase string  `yaml:"phrase"`
	Weight float64 `yaml:"weight"`
}

// DefaultKeywords is the built-in scoring table.
func DefaultKeywords() map[provider.Domain][]Keyword {
	return map[provider.Domain][]Keyword{
		provider.Concept: {
			{"explain", 0.6}, {"what is", 0.6}, {"what are", 0.6}, {"concept", 0.5},
			{"understand", 0.4}, {"how does", 0.5}, {"difference between", 0.5},
			{"why", 0.3}, {"meaning", 0.4}, {"learn", 0.4}, {"theory", 0.4}, {"teach", 0.5},
		},
		provider.Code: {
			{"write", 0.4}, {"implement", 0.6}, {"generate", 0.5}, {"code", 0.4},
			{"function", 0.3}, {"snippet", 0.5}, {"class", 0.3}, {"script", 0.5},
			{"refactor", 0.5}, {"example code", 0.6}, {"program", 0.3},
		},
		provider.Debug: {
			{"error", 0.5}, {"bug", 0.6}, {"debug", 0.7}, {"exception", 0.6}, {"crash", 0.6},
			{"crashes", 0.6}, {"fix", 0.4}, {"failing", 0.5}, {"traceback", 0.7},
			{"stack trace", 0.7}, {"panic", 0.5}, {"not working", 0.5}, {"broken", 0.4},
		},
		provider.Docs: {
			{"document", 0.6}, {"documentation", 0.7}, {"docs", 0.6}, {"docstring", 0.7},
			{"readme", 0.7}, {"comment", 0.3}, {"comments", 0.3}, {"api reference", 0.6},
			{"javadoc", 0.7}, {"godoc", 0.7},
		},
		provider.Deploy: {
			{"deploy", 0.7}, {"deployment", 0.7}, {"docker", 0.5}, {"kubernetes", 0.6},
			{"k8s", 0.6}, {"production", 0.4}, {"ci/cd", 0.6}, {"release", 0.4},
			{"helm", 0.6}, {"terraform", 0.6}, {"hosting", 0.4}, {"container", 0.4},
		},
		provider.Workflow: {
			{"workflow", 0.7}, {"productivity", 0.6}, {"optimize", 0.4}, {"automate", 0.5},
			{"process", 0.3}, {"git flow", 0.6}, {"shortcut", 0.5}, {"shortcuts", 0.5},
			{"efficient", 0.4}, {"habit", 0.4}, {"streamline", 0.6}, {"tooling", 0.4},
		},
		provider.TechAdvice: {
			{"recommend", 0.6}, {"should i use", 0.7}, {"choose", 0.4}, {"vs", 0.5},
			{"versus", 0.5}, {"compare", 0.5}, {"framework", 0.3}, {"library", 0.3},
			{"stack", 0.4}, {"best tool", 0.6}, {"alternative", 0.5}, {"pros and cons", 0.6},
		},
	}
}

// keywordFile is the on-disk shape: domain name → keywords. Domains present
// in the file replace the built-in list for that domain.
type keywordFile map[string][]Keyword

// LoadKeywords reads a YAML keyword table and merges it over the defaults.
func LoadKeywords(path string) (map[provider.Domain][]Keyword, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keywords file: %w", err)
	}
	var f keywordFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing keywords file %s: %w", path, err)
	}
	table := DefaultKeywords()
	for name, kws := range f {
		d, err := provider.ParseDomain(name)
		if err != nil {
			return nil, fmt.Errorf("keywords file %s: %w", path, err)
		}
		for _, kw := range kws {
			if kw.Phrase == "" || kw.Weight <= 0 || kw.Weight > 1 {
				return nil, fmt.Errorf("keywords file %s: invalid keyword %+v for %s", path, kw, d)
			}
		}
		table[d] = kws
	}
	return table, nil
}

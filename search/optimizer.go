// Package search implements the rule search optimizer: a normalized-name
// index with ranked exact/prefix/substring matching, debounced queries, and
// alternate-name generation.
package search

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/chainpulse/ruleengine/rule"
)

// MatchType classifies how a rule matched the query. Lower rank sorts first.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchPrefix   MatchType = "prefix"
	MatchContains MatchType = "contains"
)

func (m MatchType) rank() int {
	switch m {
	case MatchExact:
		return 0
	case MatchPrefix:
		return 1
	default:
		return 2
	}
}

// Match is one ranked search result.
type Match struct {
	Rule      *rule.ExceptionRule `json:"rule"`
	MatchType MatchType           `json:"match_type"`
}

// DefaultSuggestionLimit caps autocomplete suggestion lists.
const DefaultSuggestionLimit = 5

// Optimizer answers ranked rule-name queries. It never fails on malformed
// rule names: every comparison goes through rule.NormalizeName first.
type Optimizer struct {
	logger *slog.Logger

	debouncer debouncer

	mu sync.RWMutex
	// byName gives O(1) exact lookup over the last indexed rule set. Rules
	// whose names normalize to "" are still indexed (under the empty key)
	// so callers that iterate the index see the complete set; they are
	// simply unreachable by any non-empty query.
	byName map[string][]*rule.ExceptionRule
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the logger (default discards).
func WithLogger(logger *slog.Logger) Option {
	return func(o *Optimizer) { o.logger = logger }
}

// NewOptimizer creates a search optimizer.
func NewOptimizer(opts ...Option) *Optimizer {
	o := &Optimizer{
		logger: slog.New(slog.DiscardHandler),
		byName: make(map[string][]*rule.ExceptionRule),
	}
	o.debouncer.interval = DefaultDebounceInterval
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// UpdateIndex rebuilds the exact-lookup index from the given rule set.
func (o *Optimizer) UpdateIndex(rules []*rule.ExceptionRule) {
	byName := make(map[string][]*rule.ExceptionRule, len(rules))
	for _, r := range rules {
		key := rule.NormalizeName(r.Name)
		byName[key] = append(byName[key], r)
	}
	o.mu.Lock()
	o.byName = byName
	o.mu.Unlock()
}

// Lookup returns the indexed rules whose normalized name equals the
// normalized query. An empty normalized query matches nothing.
func (o *Optimizer) Lookup(name any) []*rule.ExceptionRule {
	key := rule.NormalizeName(name)
	if key == "" {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.byName[key]
}

// classify returns the match type of a normalized name against a normalized
// non-empty query, or "" for no match.
func classify(name, query string) MatchType {
	switch {
	case name == query:
		return MatchExact
	case strings.HasPrefix(name, query):
		return MatchPrefix
	case strings.Contains(name, query):
		return MatchContains
	default:
		return ""
	}
}

// Search returns ranked matches for the query within the given rules. An
// empty (after normalization) query matches nothing; it is not a wildcard.
// Results sort by match-type priority, then usage count descending, then
// name, so heavily used rules surface first within each tier.
func (o *Optimizer) Search(rules []*rule.ExceptionRule, query string) []Match {
	q := rule.NormalizeName(query)
	if q == "" {
		return nil
	}

	matches := make([]Match, 0, len(rules))
	for _, r := range rules {
		mt := classify(rule.NormalizeName(r.Name), q)
		if mt == "" {
			continue
		}
		matches = append(matches, Match{Rule: r, MatchType: mt})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		ri, rj := matches[i].MatchType.rank(), matches[j].MatchType.rank()
		if ri != rj {
			return ri < rj
		}
		if matches[i].Rule.UsageCount != matches[j].Rule.UsageCount {
			return matches[i].Rule.UsageCount > matches[j].Rule.UsageCount
		}
		return rule.NormalizeName(matches[i].Rule.Name) < rule.NormalizeName(matches[j].Rule.Name)
	})
	return matches
}

// Suggestions returns up to max autocomplete candidates for the query,
// biased toward high-usage rules by the Search ordering. max <= 0 falls
// back to DefaultSuggestionLimit.
func (o *Optimizer) Suggestions(query string, rules []*rule.ExceptionRule, max int) []Match {
	if max <= 0 {
		max = DefaultSuggestionLimit
	}
	matches := o.Search(rules, query)
	if len(matches) > max {
		matches = matches[:max]
	}
	return matches
}

// SuggestNames generates alternate names of the form "<base> 2", "<base> 3"
// by probing for the first free numeric suffixes in the given rule set. It
// always terminates and never returns a name already present.
func (o *Optimizer) SuggestNames(base string, rules []*rule.ExceptionRule, max int) []string {
	if max <= 0 {
		max = 3
	}
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil
	}

	taken := make(map[string]bool, len(rules))
	for _, r := range rules {
		taken[rule.NormalizeName(r.Name)] = true
	}

	// len(rules)+max suffixes always contain max free ones.
	suggestions := make([]string, 0, max)
	for n := 2; len(suggestions) < max && n <= len(rules)+max+1; n++ {
		candidate := fmt.Sprintf("%s %d", trimmed, n)
		if !taken[rule.NormalizeName(candidate)] {
			suggestions = append(suggestions, candidate)
		}
	}
	return suggestions
}

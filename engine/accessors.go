package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/chainpulse/ruleengine/dedup"
	"github.com/chainpulse/ruleengine/rule"
	"github.com/chainpulse/ruleengine/search"
	"github.com/chainpulse/ruleengine/storage"
	"github.com/chainpulse/ruleengine/usage"
)

// GetAllRules returns every active rule, optionally narrowed to one chain's
// visible set (its own plus global).
func (m *Manager) GetAllRules(ctx context.Context, chainID string) ([]*rule.ExceptionRule, error) {
	return m.visibleRules(ctx, chainID)
}

// GetRulesByType returns the active rules of one type visible to a chain.
func (m *Manager) GetRulesByType(ctx context.Context, chainID string, t rule.Type) ([]*rule.ExceptionRule, error) {
	if !t.Valid() {
		return nil, rule.NewError(rule.ErrInvalidRuleType,
			"unknown rule type", map[string]any{"type": t})
	}
	rules, err := m.visibleRules(ctx, chainID)
	if err != nil {
		return nil, err
	}
	filtered := make([]*rule.ExceptionRule, 0, len(rules))
	for _, r := range rules {
		if r.Type == t {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// GetRuleStats aggregates one rule's usage records.
func (m *Manager) GetRuleStats(ctx context.Context, ruleID string) (*usage.RuleStats, error) {
	if _, err := m.ruleByID(ctx, ruleID); err != nil {
		return nil, err
	}
	return m.tracker.RuleStats(ctx, ruleID)
}

// GetRuleUsageHistory returns the rule's usage records, newest first,
// capped at limit when limit > 0. Soft-deleted rules keep their history.
func (m *Manager) GetRuleUsageHistory(ctx context.Context, ruleID string, limit int) ([]*rule.UsageRecord, error) {
	if _, err := m.ruleByID(ctx, ruleID); err != nil {
		return nil, err
	}
	records, err := m.repo.UsageRecordsByRule(ctx, ruleID, limit)
	if err != nil {
		return nil, rule.WrapStorage("get usage records", err)
	}
	return records, nil
}

// ruleByID resolves a rule regardless of active state, for history and
// stats flows where soft-deleted rules remain addressable.
func (m *Manager) ruleByID(ctx context.Context, id string) (*rule.ExceptionRule, error) {
	r, err := m.repo.RuleByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, m.notFound(id)
		}
		return nil, rule.WrapStorage("get rule", err)
	}
	return r, nil
}

// SearchFilter narrows SearchRules beyond the text query.
type SearchFilter struct {
	Type   rule.Type
	Action rule.ActionType
}

func (f *SearchFilter) empty() bool {
	return f == nil || (f.Type == "" && f.Action == "")
}

func (f *SearchFilter) matches(r *rule.ExceptionRule) bool {
	if f == nil {
		return true
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Action != "" && !r.Type.Allows(f.Action) {
		return false
	}
	return true
}

// SearchRules runs a ranked search over the chain's visible rules.
// Unfiltered results are served from and stored in the search-result cache;
// filtered queries always recompute, so the cache never mixes filter
// variants under one key.
func (m *Manager) SearchRules(ctx context.Context, chainID, query string, filter *SearchFilter) ([]search.Match, error) {
	if filter.empty() && chainID != "" {
		if cached := m.cache.SearchResults(chainID, query); cached != nil {
			return cached, nil
		}
	}

	rules, err := m.visibleRules(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if !filter.empty() {
		filtered := rules[:0:0]
		for _, r := range rules {
			if filter.matches(r) {
				filtered = append(filtered, r)
			}
		}
		rules = filtered
	}

	m.optimizer.UpdateIndex(rules)
	matches := m.optimizer.Search(rules, query)
	if filter.empty() && chainID != "" {
		m.cache.SetSearchResults(chainID, query, matches)
	}
	return matches, nil
}

// SearchRulesDebounced schedules a debounced search over the chain's
// visible rules; only the last call in a burst reaches the callback. The
// rule list is resolved up front so the deferred search never touches the
// repository.
func (m *Manager) SearchRulesDebounced(ctx context.Context, chainID, query string, callback func([]search.Match)) error {
	rules, err := m.visibleRules(ctx, chainID)
	if err != nil {
		return err
	}
	m.optimizer.SearchDebounced(rules, query, callback)
	return nil
}

// GetSearchSuggestions returns up to max autocomplete candidates.
func (m *Manager) GetSearchSuggestions(ctx context.Context, chainID, query string, max int) ([]search.Match, error) {
	rules, err := m.visibleRules(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return m.optimizer.Suggestions(query, rules, max), nil
}

// DuplicationSuggestions is the authoring-time duplicate report for a
// candidate name.
type DuplicationSuggestions struct {
	Detection      *dedup.Result `json:"detection"`
	SuggestedNames []string      `json:"suggested_names,omitempty"`
}

// GetDuplicationSuggestions checks a candidate name against the chain's
// visible rules and, on a collision, proposes free alternate names.
func (m *Manager) GetDuplicationSuggestions(ctx context.Context, chainID string, name string) (*DuplicationSuggestions, error) {
	rules, err := m.visibleRules(ctx, chainID)
	if err != nil {
		return nil, err
	}
	out := &DuplicationSuggestions{Detection: m.detector.Detect(name, rules)}
	if out.Detection.HasExactMatch {
		out.SuggestedNames = m.optimizer.SuggestNames(name, rules, 3)
	}
	return out, nil
}

// GetRuleUsageSuggestions returns the chain's rules permitting the given
// action, most-used first, for the "use a rule" picker.
func (m *Manager) GetRuleUsageSuggestions(ctx context.Context, chainID string, action rule.ActionType, max int) ([]*rule.ExceptionRule, error) {
	rules, err := m.visibleRules(ctx, chainID)
	if err != nil {
		return nil, err
	}
	suggestions := make([]*rule.ExceptionRule, 0, len(rules))
	for _, r := range rules {
		if r.Type.Allows(action) {
			suggestions = append(suggestions, r)
		}
	}
	sort.SliceStable(suggestions, func(i, j int) bool {
		if suggestions[i].UsageCount != suggestions[j].UsageCount {
			return suggestions[i].UsageCount > suggestions[j].UsageCount
		}
		return rule.NormalizeName(suggestions[i].Name) < rule.NormalizeName(suggestions[j].Name)
	})
	if max > 0 && len(suggestions) > max {
		suggestions = suggestions[:max]
	}
	return suggestions, nil
}

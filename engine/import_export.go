package engine

import (
	"context"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/chainpulse/ruleengine/rule"
	"github.com/chainpulse/ruleengine/storage"
)

// ImportOptions controls batch import behavior.
type ImportOptions struct {
	// SkipDuplicates turns exact-name collisions into skips instead of
	// per-item errors.
	SkipDuplicates bool `json:"skip_duplicates"`
}

// SkippedRule is one import item that was not created.
type SkippedRule struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// ImportError is one import item that failed.
type ImportError struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

// ImportResult partitions the batch: every item lands in exactly one of
// Imported, Skipped, or Errors.
type ImportResult struct {
	Imported []*rule.ExceptionRule `json:"imported"`
	Skipped  []SkippedRule         `json:"skipped"`
	Errors   []ImportError         `json:"errors"`
}

// ImportRules processes items independently; one item's failure never
// aborts the batch. Items colliding with an existing (or just-imported)
// name are skipped when SkipDuplicates is set, and errored otherwise.
func (m *Manager) ImportRules(ctx context.Context, items []CreateRuleInput, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}
	for i, item := range items {
		item.Resolution = ResolutionNone
		created, err := m.CreateRule(ctx, item)
		if err != nil {
			if opts.SkipDuplicates && rule.KindOf(err) == rule.ErrRuleNameExists {
				result.Skipped = append(result.Skipped, SkippedRule{
					Name:   strings.TrimSpace(item.Name),
					Reason: "duplicate name",
				})
				continue
			}
			result.Errors = append(result.Errors, ImportError{
				Index: i,
				Name:  strings.TrimSpace(item.Name),
				Error: err.Error(),
			})
			continue
		}
		result.Imported = append(result.Imported, created.Rule)
	}

	m.logger.Info("rules imported",
		"imported", len(result.Imported),
		"skipped", len(result.Skipped),
		"errors", len(result.Errors))
	return result, nil
}

// ImportRulesJSON decodes a JSON array of rules tolerantly and imports it.
// Malformed name fields (null, numbers) are coerced the way the rest of the
// engine treats persisted names, so legacy exports load without errors.
func (m *Manager) ImportRulesJSON(ctx context.Context, data []byte, opts ImportOptions) (*ImportResult, error) {
	doc := gjson.ParseBytes(data)
	items := doc.Array()
	if !doc.IsArray() {
		// accept {"rules": [...]} wrappers from older exports
		if rules := doc.Get("rules"); rules.IsArray() {
			items = rules.Array()
		} else {
			return nil, rule.NewError(rule.ErrValidation,
				"import payload must be a JSON array of rules", nil)
		}
	}

	inputs := make([]CreateRuleInput, 0, len(items))
	for _, item := range items {
		input := CreateRuleInput{
			Type:        rule.Type(item.Get("type").String()),
			Scope:       rule.Scope(item.Get("scope").String()),
			ChainID:     item.Get("chain_id").String(),
			Description: item.Get("description").String(),
		}
		if name := item.Get("name"); name.Exists() && name.Type != gjson.Null {
			input.Name = name.String()
		}
		inputs = append(inputs, input)
	}
	return m.ImportRules(ctx, inputs, opts)
}

// ExportSummary counts what an export contains.
type ExportSummary struct {
	RuleCount        int       `json:"rule_count"`
	UsageRecordCount int       `json:"usage_record_count"`
	ExportedAt       time.Time `json:"exported_at"`
}

// Export is a snapshot of active rules and, optionally, all usage records.
// UsageRecords is nil, not empty, when usage was not requested, so callers
// can distinguish "not requested" from "none exist".
type Export struct {
	Rules        []*rule.ExceptionRule `json:"rules"`
	UsageRecords []*rule.UsageRecord   `json:"usage_records,omitempty"`
	Summary      ExportSummary         `json:"summary"`
}

// ExportRules snapshots the active rules, with usage records included only
// on request.
func (m *Manager) ExportRules(ctx context.Context, includeUsage bool) (*Export, error) {
	rules, err := m.repo.Rules(ctx, &storage.RuleFilter{ActiveOnly: true})
	if err != nil {
		return nil, rule.WrapStorage("list rules", err)
	}

	export := &Export{
		Rules: rules,
		Summary: ExportSummary{
			RuleCount:  len(rules),
			ExportedAt: m.now(),
		},
	}
	if includeUsage {
		records, err := m.repo.UsageRecords(ctx)
		if err != nil {
			return nil, rule.WrapStorage("list usage records", err)
		}
		if records == nil {
			records = []*rule.UsageRecord{}
		}
		export.UsageRecords = records
		export.Summary.UsageRecordCount = len(records)
	}
	return export, nil
}

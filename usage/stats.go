package usage

import (
	"context"
	"sort"
	"time"

	"github.com/chainpulse/ruleengine/rule"
	"github.com/chainpulse/ruleengine/storage"
)

// ChainUsage counts how often a rule was used within one chain.
type ChainUsage struct {
	ChainID string `json:"chain_id"`
	Count   int    `json:"count"`
}

// RuleStats aggregates one rule's usage records.
type RuleStats struct {
	RuleID               string       `json:"rule_id"`
	TotalUsage           int          `json:"total_usage"`
	PauseCount           int          `json:"pause_count"`
	EarlyCompletionCount int          `json:"early_completion_count"`
	AverageElapsed       float64      `json:"average_elapsed"`
	TopChains            []ChainUsage `json:"top_chains"`
	LastUsedAt           *time.Time   `json:"last_used_at,omitempty"`
}

// RankedRule pairs a rule with its record-derived usage count.
type RankedRule struct {
	Rule  *rule.ExceptionRule `json:"rule"`
	Count int                 `json:"count"`
}

// OverallStats aggregates across all active rules.
type OverallStats struct {
	TotalUsage           int          `json:"total_usage"`
	PauseCount           int          `json:"pause_count"`
	EarlyCompletionCount int          `json:"early_completion_count"`
	ActiveRules          int          `json:"active_rules"`
	MostUsedRules        []RankedRule `json:"most_used_rules"`
}

// topChainLimit caps the co-occurring chain list in RuleStats.
const topChainLimit = 5

// mostUsedLimit caps the global ranking in OverallStats.
const mostUsedLimit = 10

// RuleStats aggregates the usage records of one rule.
func (t *Tracker) RuleStats(ctx context.Context, ruleID string) (*RuleStats, error) {
	records, err := t.repo.UsageRecordsByRule(ctx, ruleID, 0)
	if err != nil {
		return nil, rule.WrapStorage("get usage records", err)
	}

	stats := &RuleStats{RuleID: ruleID}
	byChain := make(map[string]int)
	var elapsedSum float64
	for _, rec := range records {
		stats.TotalUsage++
		switch rec.ActionType {
		case rule.ActionPause:
			stats.PauseCount++
		case rule.ActionEarlyCompletion:
			stats.EarlyCompletionCount++
		}
		elapsedSum += rec.TaskElapsed
		byChain[rec.ChainID]++
		if stats.LastUsedAt == nil || rec.UsedAt.After(*stats.LastUsedAt) {
			used := rec.UsedAt
			stats.LastUsedAt = &used
		}
	}
	if stats.TotalUsage > 0 {
		stats.AverageElapsed = elapsedSum / float64(stats.TotalUsage)
	}

	for chainID, count := range byChain {
		stats.TopChains = append(stats.TopChains, ChainUsage{ChainID: chainID, Count: count})
	}
	sort.SliceStable(stats.TopChains, func(i, j int) bool {
		if stats.TopChains[i].Count != stats.TopChains[j].Count {
			return stats.TopChains[i].Count > stats.TopChains[j].Count
		}
		return stats.TopChains[i].ChainID < stats.TopChains[j].ChainID
	})
	if len(stats.TopChains) > topChainLimit {
		stats.TopChains = stats.TopChains[:topChainLimit]
	}
	return stats, nil
}

// OverallStats aggregates usage across all active rules and ranks the most
// used ones by record count.
func (t *Tracker) OverallStats(ctx context.Context) (*OverallStats, error) {
	rules, err := t.repo.Rules(ctx, &storage.RuleFilter{ActiveOnly: true})
	if err != nil {
		return nil, rule.WrapStorage("list rules", err)
	}
	records, err := t.repo.UsageRecords(ctx)
	if err != nil {
		return nil, rule.WrapStorage("list usage records", err)
	}

	active := make(map[string]*rule.ExceptionRule, len(rules))
	for _, r := range rules {
		active[r.ID] = r
	}

	stats := &OverallStats{ActiveRules: len(rules)}
	counts := make(map[string]int)
	for _, rec := range records {
		if _, ok := active[rec.RuleID]; !ok {
			continue // history of deleted rules stays out of active stats
		}
		stats.TotalUsage++
		switch rec.ActionType {
		case rule.ActionPause:
			stats.PauseCount++
		case rule.ActionEarlyCompletion:
			stats.EarlyCompletionCount++
		}
		counts[rec.RuleID]++
	}

	for id, count := range counts {
		stats.MostUsedRules = append(stats.MostUsedRules, RankedRule{Rule: active[id], Count: count})
	}
	sort.SliceStable(stats.MostUsedRules, func(i, j int) bool {
		if stats.MostUsedRules[i].Count != stats.MostUsedRules[j].Count {
			return stats.MostUsedRules[i].Count > stats.MostUsedRules[j].Count
		}
		return stats.MostUsedRules[i].Rule.ID < stats.MostUsedRules[j].Rule.ID
	})
	if len(stats.MostUsedRules) > mostUsedLimit {
		stats.MostUsedRules = stats.MostUsedRules[:mostUsedLimit]
	}
	return stats, nil
}

// RangeStats buckets usage counts by calendar day within [start, end].
type RangeStats struct {
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	TotalUsage int            `json:"total_usage"`
	ByDay      map[string]int `json:"by_day"` // "2006-01-02" -> count
}

// StatsInRange buckets all usage records inside [start, end] by day.
func (t *Tracker) StatsInRange(ctx context.Context, start, end time.Time) (*RangeStats, error) {
	if end.Before(start) {
		return nil, rule.NewError(rule.ErrValidation,
			"time range end precedes start",
			map[string]any{"start": start, "end": end})
	}
	records, err := t.repo.UsageRecords(ctx)
	if err != nil {
		return nil, rule.WrapStorage("list usage records", err)
	}

	stats := &RangeStats{Start: start, End: end, ByDay: make(map[string]int)}
	for _, rec := range records {
		if rec.UsedAt.Before(start) || rec.UsedAt.After(end) {
			continue
		}
		stats.TotalUsage++
		stats.ByDay[rec.UsedAt.Format(dayFormat)]++
	}
	return stats, nil
}

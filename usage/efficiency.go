package usage

import (
	"context"
	"fmt"

	"github.com/chainpulse/ruleengine/rule"
)

// Progress bucket edges. Product decisions carried over from the shipped
// heuristics, not derived from data.
const (
	EarlyProgressEdge = 0.25
	LateProgressEdge  = 0.75
)

// EfficiencyAnalysis buckets a rule's usages by task progress at the moment
// of use. Only records with a known remaining time contribute; with none,
// InsufficientData is set instead of presenting zeroes as signal.
type EfficiencyAnalysis struct {
	RuleID           string   `json:"rule_id"`
	SampleCount      int      `json:"sample_count"`
	EarlyCount       int      `json:"early_count"` // progress < 0.25
	MidCount         int      `json:"mid_count"`   // 0.25..0.75
	LateCount        int      `json:"late_count"`  // progress > 0.75
	AverageProgress  float64  `json:"average_progress"`
	Recommendations  []string `json:"recommendations"`
	InsufficientData bool     `json:"insufficient_data"`
}

// minEfficiencySamples is how many progress-bearing records an analysis
// needs before the bucket skew is worth reporting on.
const minEfficiencySamples = 3

// EfficiencyAnalysis computes progress = elapsed / (elapsed + remaining)
// per record and derives deterministic, rule-based recommendations from the
// bucket skew. No learned models.
func (t *Tracker) EfficiencyAnalysis(ctx context.Context, ruleID string) (*EfficiencyAnalysis, error) {
	records, err := t.repo.UsageRecordsByRule(ctx, ruleID, 0)
	if err != nil {
		return nil, rule.WrapStorage("get usage records", err)
	}

	analysis := &EfficiencyAnalysis{RuleID: ruleID}
	var progressSum float64
	for _, rec := range records {
		if rec.TaskRemaining == nil {
			continue // durationless sessions carry no progress signal
		}
		total := rec.TaskElapsed + *rec.TaskRemaining
		if total <= 0 {
			continue
		}
		progress := rec.TaskElapsed / total
		analysis.SampleCount++
		progressSum += progress
		switch {
		case progress < EarlyProgressEdge:
			analysis.EarlyCount++
		case progress > LateProgressEdge:
			analysis.LateCount++
		default:
			analysis.MidCount++
		}
	}

	if analysis.SampleCount == 0 {
		analysis.InsufficientData = true
		analysis.Recommendations = []string{
			"Not enough usage data with known remaining time to analyze this rule.",
		}
		return analysis, nil
	}
	analysis.AverageProgress = progressSum / float64(analysis.SampleCount)

	if analysis.SampleCount < minEfficiencySamples {
		analysis.Recommendations = append(analysis.Recommendations,
			fmt.Sprintf("Only %d measurable usage(s) so far; patterns below are tentative.", analysis.SampleCount))
	}

	half := analysis.SampleCount / 2
	switch {
	case analysis.EarlyCount > half:
		analysis.Recommendations = append(analysis.Recommendations,
			"This rule is mostly used early in tasks. Consider whether the task is starting at the wrong time, or shorten its lead-in.")
	case analysis.LateCount > half:
		analysis.Recommendations = append(analysis.Recommendations,
			"This rule is mostly used near the end of tasks. The planned duration may be slightly too long.")
	default:
		analysis.Recommendations = append(analysis.Recommendations,
			"Usage is spread across the task; the rule looks like a genuine ad-hoc exception.")
	}
	return analysis, nil
}

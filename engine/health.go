package engine

import (
	"context"

	"github.com/chainpulse/ruleengine/rule"
	"github.com/chainpulse/ruleengine/storage"
)

// HealthStatus is the engine's coarse health classification.
type HealthStatus string

const (
	StatusHealthy HealthStatus = "healthy"
	StatusWarning HealthStatus = "warning"
)

// SystemHealth summarizes whether the rule system is in meaningful use.
type SystemHealth struct {
	Status           HealthStatus `json:"status"`
	Issues           []string     `json:"issues,omitempty"`
	ActiveRules      int          `json:"active_rules"`
	UsageRecordCount int          `json:"usage_record_count"`
}

// GetSystemHealth derives health from simple counts: no active rules is a
// warning, rules without any recorded usage is a warning, anything else is
// healthy.
func (m *Manager) GetSystemHealth(ctx context.Context) (*SystemHealth, error) {
	rules, err := m.repo.Rules(ctx, &storage.RuleFilter{ActiveOnly: true})
	if err != nil {
		return nil, rule.WrapStorage("list rules", err)
	}
	records, err := m.repo.UsageRecords(ctx)
	if err != nil {
		return nil, rule.WrapStorage("list usage records", err)
	}

	health := &SystemHealth{
		Status:           StatusHealthy,
		ActiveRules:      len(rules),
		UsageRecordCount: len(records),
	}
	switch {
	case len(rules) == 0:
		health.Status = StatusWarning
		health.Issues = append(health.Issues, "no active rules")
	case len(records) == 0:
		health.Status = StatusWarning
		health.Issues = append(health.Issues, "rules exist but unused")
	}
	return health, nil
}

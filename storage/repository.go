// Package storage defines the rule repository contract and ships four
// backends: in-memory, PostgreSQL, Redis, and a watched JSON file.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/chainpulse/ruleengine/rule"
)

// ErrNotFound is returned by RuleByID and the mutating calls when the rule
// id does not exist in the backend.
var ErrNotFound = errors.New("rule not found")

// RuleFilter narrows Rules listings. Zero values mean "no constraint".
type RuleFilter struct {
	ChainID    string
	Scope      rule.Scope
	Type       rule.Type
	ActiveOnly bool
}

// Matches reports whether r passes the filter.
func (f *RuleFilter) Matches(r *rule.ExceptionRule) bool {
	if f == nil {
		return true
	}
	if f.ActiveOnly && !r.IsActive {
		return false
	}
	if f.Scope != "" && r.Scope != f.Scope {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	// A chain filter also admits global rules, which apply everywhere.
	if f.ChainID != "" && !r.VisibleTo(f.ChainID) {
		return false
	}
	return true
}

// RulePatch is a partial update for UpdateRule. Nil fields are untouched.
// Usage counters are deliberately absent: they move only through
// IncrementUsage, so a patch can never rewind or forge usage history.
type RulePatch struct {
	Name        *string
	Type        *rule.Type
	Description *string
	IsActive    *bool
}

// RuleRepository is the durability boundary of the engine. Implementations
// must make IncrementUsage atomic: the read-modify-write of the usage
// counter happens inside the backend, never in the caller.
type RuleRepository interface {
	RuleByID(ctx context.Context, id string) (*rule.ExceptionRule, error)
	Rules(ctx context.Context, filter *RuleFilter) ([]*rule.ExceptionRule, error)
	CreateRule(ctx context.Context, r *rule.ExceptionRule) (*rule.ExceptionRule, error)
	UpdateRule(ctx context.Context, id string, patch *RulePatch) (*rule.ExceptionRule, error)
	DeleteRule(ctx context.Context, id string) error

	// IncrementUsage atomically bumps the rule's usage counter and stamps
	// lastUsedAt, returning the new count.
	IncrementUsage(ctx context.Context, id string, usedAt time.Time) (int, error)

	CreateUsageRecord(ctx context.Context, rec *rule.UsageRecord) (*rule.UsageRecord, error)
	UsageRecordsByRule(ctx context.Context, ruleID string, limit int) ([]*rule.UsageRecord, error)
	UsageRecordsBySession(ctx context.Context, sessionID string) ([]*rule.UsageRecord, error)
	UsageRecords(ctx context.Context) ([]*rule.UsageRecord, error)

	// DeleteUsageRecordsBefore is the retention sweep; normal operation
	// never deletes usage records.
	DeleteUsageRecordsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

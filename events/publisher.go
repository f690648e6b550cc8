// Package events publishes rule-usage events to external consumers (sync
// pipelines, analytics). Publishing is fire-and-forget from the engine's
// point of view: a failed publish is logged by the caller and never fails
// the usage flow.
package events

import (
	"context"

	"github.com/chainpulse/ruleengine/rule"
)

// UsageEvent is the payload emitted after each successful rule use.
type UsageEvent struct {
	Record     *rule.UsageRecord `json:"record"`
	RuleName   string            `json:"rule_name"`
	UsageCount int               `json:"usage_count"`
}

// Publisher delivers usage events to an external system.
type Publisher interface {
	PublishUsage(ctx context.Context, event *UsageEvent) error
	Close() error
}

// Nop is the default publisher; it drops every event.
type Nop struct{}

func (Nop) PublishUsage(ctx context.Context, event *UsageEvent) error { return nil }
func (Nop) Close() error                                              { return nil }

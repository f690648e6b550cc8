// Package usage records rule-usage events and computes aggregate
// statistics, time-bucketed trends, and heuristic efficiency analysis.
// Usage records are the sole source of truth here; counters on the rules
// themselves are never used as statistical input.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chainpulse/ruleengine/rule"
	"github.com/chainpulse/ruleengine/storage"
)

// Tracker is the sole writer of usage records.
type Tracker struct {
	repo   storage.RuleRepository
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects the time source, for deterministic trend tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger (default discards).
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker creates a usage tracker over the given repository.
func NewTracker(repo storage.RuleRepository, opts ...Option) *Tracker {
	t := &Tracker{
		repo:   repo,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordUsage persists one usage record for a live rule. The session's
// elapsed and remaining times are captured verbatim, never recomputed. A
// missing or soft-deleted rule fails with RULE_NOT_FOUND.
func (t *Tracker) RecordUsage(ctx context.Context, ruleID string, session *rule.SessionContext, action rule.ActionType, pause *rule.PauseOptions) (*rule.UsageRecord, error) {
	r, err := t.repo.RuleByID(ctx, ruleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, rule.NewError(rule.ErrRuleNotFound,
				fmt.Sprintf("rule %s does not exist", ruleID),
				map[string]any{"rule_id": ruleID})
		}
		return nil, rule.WrapStorage("get rule", err)
	}
	if !r.IsActive {
		return nil, rule.NewError(rule.ErrRuleNotFound,
			fmt.Sprintf("rule %q has been deleted", r.Name),
			map[string]any{"rule_id": ruleID})
	}

	rec := &rule.UsageRecord{
		RuleID:      r.ID,
		ChainID:     session.ChainID,
		SessionID:   session.SessionID,
		ActionType:  action,
		TaskElapsed: session.Elapsed,
		RuleScope:   r.Scope,
		UsedAt:      t.now(),
	}
	if session.Remaining != nil {
		remaining := *session.Remaining
		rec.TaskRemaining = &remaining
	}
	if pause != nil {
		if pause.Duration != nil {
			d := *pause.Duration
			rec.PauseDuration = &d
		}
		auto := pause.AutoResume
		rec.AutoResume = &auto
	}

	created, err := t.repo.CreateUsageRecord(ctx, rec)
	if err != nil {
		return nil, rule.WrapStorage("create usage record", err)
	}
	t.logger.Debug("usage recorded",
		slog.String("rule_id", r.ID),
		slog.String("action", string(action)),
		slog.String("session_id", session.SessionID))
	return created, nil
}

// Cleanup deletes usage records older than the retention window. This is
// the only path that ever removes records.
func (t *Tracker) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := t.now().Add(-retention)
	deleted, err := t.repo.DeleteUsageRecordsBefore(ctx, cutoff)
	if err != nil {
		return 0, rule.WrapStorage("delete usage records", err)
	}
	if deleted > 0 {
		t.logger.Info("usage retention sweep",
			slog.Int("deleted", deleted), slog.Time("cutoff", cutoff))
	}
	return deleted, nil
}

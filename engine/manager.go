// Package engine exposes the exception rule engine façade: rule lifecycle,
// the rule-type vs. action-type state machine, usage flows, import/export,
// and system health. It composes the search, dedup, cache, and usage
// components over a RuleRepository.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chainpulse/ruleengine/cache"
	"github.com/chainpulse/ruleengine/dedup"
	"github.com/chainpulse/ruleengine/events"
	"github.com/chainpulse/ruleengine/rule"
	"github.com/chainpulse/ruleengine/search"
	"github.com/chainpulse/ruleengine/storage"
	"github.com/chainpulse/ruleengine/usage"
)

// Manager owns the rule lifecycle. It is the sole writer of rules; the
// usage tracker it embeds is the sole writer of usage records.
type Manager struct {
	repo      storage.RuleRepository
	cache     *cache.RuleCache
	optimizer *search.Optimizer
	detector  *dedup.Detector
	tracker   *usage.Tracker
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	cacheTTL  time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger (default discards). The same logger is handed
// to the embedded cache, optimizer, and tracker.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithPublisher attaches a usage-event publisher. Publishing is
// best-effort: failures are logged, never surfaced to UseRule callers.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCacheTTL overrides the rule cache's default TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.cacheTTL = ttl }
}

// NewManager creates a rule manager over the given repository.
func NewManager(repo storage.RuleRepository, opts ...Option) *Manager {
	m := &Manager{
		repo:      repo,
		detector:  dedup.NewDetector(),
		publisher: events.Nop{},
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	cacheOpts := []cache.Option{cache.WithLogger(m.logger), cache.WithClock(m.now)}
	if m.cacheTTL > 0 {
		cacheOpts = append(cacheOpts, cache.WithTTL(m.cacheTTL))
	}
	m.cache = cache.New(cacheOpts...)
	m.optimizer = search.NewOptimizer(search.WithLogger(m.logger))
	m.tracker = usage.NewTracker(repo, usage.WithLogger(m.logger), usage.WithClock(m.now))
	return m
}

// Cache exposes the rule cache, mainly so UI layers can subscribe to
// cached-list changes.
func (m *Manager) Cache() *cache.RuleCache { return m.cache }

// Tracker exposes the usage tracker for statistics flows.
func (m *Manager) Tracker() *usage.Tracker { return m.tracker }

// DuplicateResolution tells CreateRule how to handle an exact name match.
type DuplicateResolution string

const (
	// ResolutionNone makes an exact match a hard failure.
	ResolutionNone DuplicateResolution = ""
	// ResolutionReuseExisting returns the existing rule instead of creating.
	ResolutionReuseExisting DuplicateResolution = "reuse_existing"
	// ResolutionForceCreate creates despite the collision.
	ResolutionForceCreate DuplicateResolution = "force_create"
)

// CreateRuleInput carries the authoring form for a new rule.
type CreateRuleInput struct {
	Name        string              `json:"name"`
	Type        rule.Type           `json:"type"`
	Scope       rule.Scope          `json:"scope"`
	ChainID     string              `json:"chain_id"`
	Description string              `json:"description"`
	Resolution  DuplicateResolution `json:"resolution,omitempty"`
}

// CreateResult is the outcome of CreateRule. Warnings carry non-fatal
// near-duplicate notices; ReusedExisting is set when an exact match was
// resolved by reuse.
type CreateResult struct {
	Rule           *rule.ExceptionRule `json:"rule"`
	Warnings       []string            `json:"warnings,omitempty"`
	ReusedExisting bool                `json:"reused_existing,omitempty"`
}

// CreateRule creates a rule after duplicate detection. An unresolved exact
// name collision fails with RULE_NAME_EXISTS carrying the existing matches
// and generated alternate names; similar-only matches let creation proceed
// with warnings.
func (m *Manager) CreateRule(ctx context.Context, input CreateRuleInput) (*CreateResult, error) {
	name := strings.TrimSpace(input.Name)
	if rule.NormalizeName(name) == "" {
		return nil, rule.NewError(rule.ErrValidation,
			"rule name is required",
			map[string]any{"name": input.Name})
	}
	if !input.Type.Valid() {
		return nil, rule.NewError(rule.ErrInvalidRuleType,
			fmt.Sprintf("unknown rule type %q", input.Type),
			map[string]any{"type": input.Type})
	}
	if input.Scope == "" {
		if input.ChainID != "" {
			input.Scope = rule.ScopeChain
		} else {
			input.Scope = rule.ScopeGlobal
		}
	}
	if input.Scope == rule.ScopeChain && input.ChainID == "" {
		return nil, rule.NewError(rule.ErrValidation,
			"chain-scoped rules require a chain id",
			map[string]any{"name": name})
	}

	visible, err := m.visibleRules(ctx, input.ChainID)
	if err != nil {
		return nil, err
	}

	detection := m.detector.Detect(name, visible)
	result := &CreateResult{}
	if detection.HasExactMatch {
		switch input.Resolution {
		case ResolutionReuseExisting:
			result.Rule = detection.ExactMatches[0]
			result.ReusedExisting = true
			return result, nil
		case ResolutionForceCreate:
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("created despite existing rule named %q", detection.ExactMatches[0].Name))
		default:
			existing := make([]map[string]any, 0, len(detection.ExactMatches))
			for _, r := range detection.ExactMatches {
				existing = append(existing, map[string]any{"id": r.ID, "name": r.Name})
			}
			return nil, rule.NewError(rule.ErrRuleNameExists,
				fmt.Sprintf("a rule named %q already exists", name),
				map[string]any{
					"name":            name,
					"existing":        existing,
					"suggested_names": m.optimizer.SuggestNames(name, visible, 3),
				})
		}
	}
	for _, sim := range detection.SimilarMatches {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("name is similar to existing rule %q", sim.Rule.Name))
	}

	created, err := m.repo.CreateRule(ctx, &rule.ExceptionRule{
		Name:        name,
		Scope:       input.Scope,
		ChainID:     input.ChainID,
		Type:        input.Type,
		Description: strings.TrimSpace(input.Description),
		CreatedAt:   m.now(),
		IsActive:    true,
	})
	if err != nil {
		return nil, rule.WrapStorage("create rule", err)
	}

	if created.Scope == rule.ScopeChain {
		m.cache.AddRuleToChain(created.ChainID, created)
	} else {
		// A new global rule changes every chain's visible list.
		m.cache.InvalidateAll()
	}
	m.logger.Info("rule created",
		slog.String("rule_id", created.ID),
		slog.String("scope", string(created.Scope)),
		slog.Int("warnings", len(result.Warnings)))

	result.Rule = created
	return result, nil
}

// UpdatePatch is the caller-facing partial update. Usage counters are not
// part of it: a patch can never alter usageCount or lastUsedAt.
type UpdatePatch struct {
	Name        *string    `json:"name,omitempty"`
	Type        *rule.Type `json:"type,omitempty"`
	Description *string    `json:"description,omitempty"`
}

// UpdateRule applies a partial update, preserving usage history.
func (m *Manager) UpdateRule(ctx context.Context, id string, patch UpdatePatch) (*rule.ExceptionRule, error) {
	if patch.Type != nil && !patch.Type.Valid() {
		return nil, rule.NewError(rule.ErrInvalidRuleType,
			fmt.Sprintf("unknown rule type %q", *patch.Type),
			map[string]any{"type": *patch.Type})
	}
	if patch.Name != nil {
		trimmed := strings.TrimSpace(*patch.Name)
		if rule.NormalizeName(trimmed) == "" {
			return nil, rule.NewError(rule.ErrValidation,
				"rule name is required",
				map[string]any{"name": *patch.Name})
		}
		patch.Name = &trimmed
	}

	updated, err := m.repo.UpdateRule(ctx, id, &storage.RulePatch{
		Name:        patch.Name,
		Type:        patch.Type,
		Description: patch.Description,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, m.notFound(id)
		}
		return nil, rule.WrapStorage("update rule", err)
	}

	if updated.Scope == rule.ScopeChain {
		m.cache.UpdateRuleInChain(updated.ChainID, updated)
	} else {
		m.cache.InvalidateAll()
	}
	return updated, nil
}

// DeleteRule soft-deletes: usage history stays intact and the id stays
// resolvable. The rule's chain cache is invalidated immediately.
func (m *Manager) DeleteRule(ctx context.Context, id string) error {
	r, err := m.repo.RuleByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return m.notFound(id)
		}
		return rule.WrapStorage("get rule", err)
	}
	if err := m.repo.DeleteRule(ctx, id); err != nil {
		return rule.WrapStorage("delete rule", err)
	}

	if r.Scope == rule.ScopeChain {
		m.cache.Invalidate(r.ChainID)
	} else {
		m.cache.InvalidateAll()
	}
	m.logger.Info("rule soft-deleted", slog.String("rule_id", id))
	return nil
}

// ValidateRuleForAction reports whether the rule's type permits the action.
// The matrix is strict: PAUSE_ONLY permits only pause,
// EARLY_COMPLETION_ONLY permits only early_completion.
func (m *Manager) ValidateRuleForAction(ctx context.Context, ruleID string, action rule.ActionType) (bool, error) {
	r, err := m.activeRule(ctx, ruleID)
	if err != nil {
		return false, err
	}
	return r.Type.Allows(action), nil
}

// UseResult is the outcome of a successful UseRule.
type UseResult struct {
	Record     *rule.UsageRecord `json:"record"`
	UsageCount int               `json:"usage_count"`
}

// UseRule validates the action against the rule's type, records the usage,
// and bumps the rule's usage counter through the repository's atomic
// increment. On a type mismatch nothing is recorded and nothing is
// incremented.
func (m *Manager) UseRule(ctx context.Context, ruleID string, session *rule.SessionContext, action rule.ActionType, pause *rule.PauseOptions) (*UseResult, error) {
	if action != rule.ActionPause && action != rule.ActionEarlyCompletion {
		return nil, rule.NewError(rule.ErrValidation,
			fmt.Sprintf("unknown action type %q", action),
			map[string]any{"action": action})
	}
	if session == nil {
		return nil, rule.NewError(rule.ErrValidation,
			"session context is required", nil)
	}

	r, err := m.activeRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if !r.Type.Allows(action) {
		return nil, rule.NewError(rule.ErrRuleTypeMismatch,
			fmt.Sprintf("rule %q permits %s, not %s", r.Name, permittedAction(r.Type), action),
			map[string]any{
				"rule_id":   r.ID,
				"rule_name": r.Name,
				"rule_type": r.Type,
				"action":    action,
			})
	}

	record, err := m.tracker.RecordUsage(ctx, ruleID, session, action, pause)
	if err != nil {
		return nil, err
	}
	count, err := m.repo.IncrementUsage(ctx, ruleID, record.UsedAt)
	if err != nil {
		return nil, rule.WrapStorage("increment usage", err)
	}

	r.UsageCount = count
	usedAt := record.UsedAt
	r.LastUsedAt = &usedAt
	if r.Scope == rule.ScopeChain {
		m.cache.UpdateRuleInChain(r.ChainID, r)
	} else {
		m.cache.InvalidateAll()
	}

	if err := m.publisher.PublishUsage(ctx, &events.UsageEvent{
		Record:     record,
		RuleName:   r.Name,
		UsageCount: count,
	}); err != nil {
		m.logger.Warn("usage event publish failed",
			slog.String("rule_id", r.ID), slog.Any("error", err))
	}

	return &UseResult{Record: record, UsageCount: count}, nil
}

func permittedAction(t rule.Type) rule.ActionType {
	if t == rule.TypePauseOnly {
		return rule.ActionPause
	}
	return rule.ActionEarlyCompletion
}

// activeRule loads a rule and maps missing or soft-deleted to
// RULE_NOT_FOUND.
func (m *Manager) activeRule(ctx context.Context, id string) (*rule.ExceptionRule, error) {
	r, err := m.repo.RuleByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, m.notFound(id)
		}
		return nil, rule.WrapStorage("get rule", err)
	}
	if !r.IsActive {
		return nil, m.notFound(id)
	}
	return r, nil
}

func (m *Manager) notFound(id string) error {
	return rule.NewError(rule.ErrRuleNotFound,
		fmt.Sprintf("rule %s does not exist or has been deleted", id),
		map[string]any{"rule_id": id})
}

// visibleRules returns the active rules visible to a chain (its own plus
// global), serving from the cache when fresh.
func (m *Manager) visibleRules(ctx context.Context, chainID string) ([]*rule.ExceptionRule, error) {
	if chainID != "" {
		if cached := m.cache.ChainRules(chainID); cached != nil {
			return cached, nil
		}
	}
	rules, err := m.repo.Rules(ctx, &storage.RuleFilter{ChainID: chainID, ActiveOnly: true})
	if err != nil {
		return nil, rule.WrapStorage("list rules", err)
	}
	if chainID != "" {
		m.cache.SetChainRules(chainID, rules, 0)
	}
	return rules, nil
}

// PreloadChain warms the cache for a chain ahead of a session start.
func (m *Manager) PreloadChain(ctx context.Context, chainID string) {
	m.cache.Preload(ctx, chainID, func(ctx context.Context, id string) ([]*rule.ExceptionRule, error) {
		return m.repo.Rules(ctx, &storage.RuleFilter{ChainID: id, ActiveOnly: true})
	})
}

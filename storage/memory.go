package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainpulse/ruleengine/rule"
)

// Memory implements RuleRepository in memory.
// Useful for testing and local development.
type Memory struct {
	rules   map[string]*rule.ExceptionRule
	records map[string]*rule.UsageRecord
	order   []string // record ids in insertion order
	mu      sync.RWMutex
}

// NewMemory creates a new in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		rules:   make(map[string]*rule.ExceptionRule),
		records: make(map[string]*rule.UsageRecord),
	}
}

func (m *Memory) RuleByID(ctx context.Context, id string) (*rule.ExceptionRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) Rules(ctx context.Context, filter *RuleFilter) ([]*rule.ExceptionRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*rule.ExceptionRule, 0, len(m.rules))
	for _, r := range m.rules {
		if filter.Matches(r) {
			cp := *r
			results = append(results, &cp)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.Before(results[j].CreatedAt)
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

func (m *Memory) CreateRule(ctx context.Context, r *rule.ExceptionRule) (*rule.ExceptionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.rules[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *Memory) UpdateRule(ctx context.Context, id string, patch *RulePatch) (*rule.ExceptionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch != nil {
		if patch.Name != nil {
			r.Name = *patch.Name
		}
		if patch.Type != nil {
			r.Type = *patch.Type
		}
		if patch.Description != nil {
			r.Description = *patch.Description
		}
		if patch.IsActive != nil {
			r.IsActive = *patch.IsActive
		}
	}
	cp := *r
	return &cp, nil
}

// DeleteRule soft-deletes: the rule stays resolvable by id so historical
// usage records keep a valid referent.
func (m *Memory) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.IsActive = false
	return nil
}

// IncrementUsage holds the write lock across the read-modify-write, so two
// concurrent increments can never observe the same pre-increment count.
func (m *Memory) IncrementUsage(ctx context.Context, id string, usedAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return 0, ErrNotFound
	}
	r.UsageCount++
	t := usedAt
	r.LastUsedAt = &t
	return r.UsageCount, nil
}

func (m *Memory) CreateUsageRecord(ctx context.Context, rec *rule.UsageRecord) (*rule.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.UsedAt.IsZero() {
		cp.UsedAt = time.Now()
	}
	m.records[cp.ID] = &cp
	m.order = append(m.order, cp.ID)
	out := cp
	return &out, nil
}

// UsageRecordsByRule returns the rule's records newest-first, capped at
// limit when limit > 0.
func (m *Memory) UsageRecordsByRule(ctx context.Context, ruleID string, limit int) ([]*rule.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*rule.UsageRecord
	for i := len(m.order) - 1; i >= 0; i-- {
		rec, ok := m.records[m.order[i]]
		if !ok || rec.RuleID != ruleID {
			continue
		}
		cp := *rec
		results = append(results, &cp)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (m *Memory) UsageRecordsBySession(ctx context.Context, sessionID string) ([]*rule.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*rule.UsageRecord
	for _, id := range m.order {
		rec, ok := m.records[id]
		if ok && rec.SessionID == sessionID {
			cp := *rec
			results = append(results, &cp)
		}
	}
	return results, nil
}

func (m *Memory) UsageRecords(ctx context.Context) ([]*rule.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*rule.UsageRecord, 0, len(m.order))
	for _, id := range m.order {
		if rec, ok := m.records[id]; ok {
			cp := *rec
			results = append(results, &cp)
		}
	}
	return results, nil
}

func (m *Memory) DeleteUsageRecordsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []string
	deleted := 0
	for _, id := range m.order {
		rec, ok := m.records[id]
		if !ok {
			continue
		}
		if rec.UsedAt.Before(cutoff) {
			delete(m.records, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return deleted, nil
}

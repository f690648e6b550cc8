package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/chainpulse/ruleengine/rule"
)

// Redis implements RuleRepository on Redis hashes. Rule bodies are JSON
// blobs; the usage counter lives in a separate hash so HIncrBy gives an
// atomic increment without a read-modify-write of the blob.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures the Redis repository.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	DB        int    `json:"db" yaml:"db"`
	Password  string `json:"password" yaml:"password"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// NewRedis creates a Redis repository and verifies connectivity.
func NewRedis(ctx context.Context, config *RedisConfig) (*Redis, error) {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "ruleengine"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		DB:       config.DB,
		Password: config.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Redis{client: client, prefix: config.KeyPrefix}, nil
}

// Close releases the underlying client.
func (s *Redis) Close() error { return s.client.Close() }

func (s *Redis) rulesKey() string     { return s.prefix + ":rules" }
func (s *Redis) countsKey() string    { return s.prefix + ":usage_counts" }
func (s *Redis) lastUsedKey() string  { return s.prefix + ":last_used" }
func (s *Redis) recordsKey() string   { return s.prefix + ":usage_records" }
func (s *Redis) recordSeqKey() string { return s.prefix + ":usage_order" }

// overlayCounters replaces the blob's counter fields with the authoritative
// values from the counter hashes.
func (s *Redis) overlayCounters(ctx context.Context, r *rule.ExceptionRule) error {
	count, err := s.client.HGet(ctx, s.countsKey(), r.ID).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read usage count: %w", err)
	}
	if err == nil {
		r.UsageCount = count
	}
	raw, err := s.client.HGet(ctx, s.lastUsedKey(), r.ID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read last used: %w", err)
	}
	if err == nil {
		if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			r.LastUsedAt = &t
		}
	}
	return nil
}

func (s *Redis) RuleByID(ctx context.Context, id string) (*rule.ExceptionRule, error) {
	data, err := s.client.HGet(ctx, s.rulesKey(), id).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	var r rule.ExceptionRule
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to decode rule %s: %w", id, err)
	}
	if err := s.overlayCounters(ctx, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Redis) Rules(ctx context.Context, filter *RuleFilter) ([]*rule.ExceptionRule, error) {
	all, err := s.client.HGetAll(ctx, s.rulesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	var results []*rule.ExceptionRule
	for id, data := range all {
		var r rule.ExceptionRule
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("failed to decode rule %s: %w", id, err)
		}
		if err := s.overlayCounters(ctx, &r); err != nil {
			return nil, err
		}
		if filter.Matches(&r) {
			results = append(results, &r)
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

func (s *Redis) writeRule(ctx context.Context, r *rule.ExceptionRule) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}
	if err := s.client.HSet(ctx, s.rulesKey(), r.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to store rule: %w", err)
	}
	return nil
}

func (s *Redis) CreateRule(ctx context.Context, r *rule.ExceptionRule) (*rule.ExceptionRule, error) {
	cp := *r
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if err := s.writeRule(ctx, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Redis) UpdateRule(ctx context.Context, id string, patch *RulePatch) (*rule.ExceptionRule, error) {
	r, err := s.RuleByID(ctx, id)
	if err != nil {
		return nil, err
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
	if err := s.writeRule(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Redis) DeleteRule(ctx context.Context, id string) error {
	inactive := false
	_, err := s.UpdateRule(ctx, id, &RulePatch{IsActive: &inactive})
	return err
}

// IncrementUsage relies on HIncrBy, which is atomic on the server.
func (s *Redis) IncrementUsage(ctx context.Context, id string, usedAt time.Time) (int, error) {
	exists, err := s.client.HExists(ctx, s.rulesKey(), id).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to check rule: %w", err)
	}
	if !exists {
		return 0, ErrNotFound
	}
	count, err := s.client.HIncrBy(ctx, s.countsKey(), id, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	if err := s.client.HSet(ctx, s.lastUsedKey(), id, usedAt.Format(time.RFC3339Nano)).Err(); err != nil {
		return 0, fmt.Errorf("failed to stamp last used: %w", err)
	}
	return int(count), nil
}

func (s *Redis) CreateUsageRecord(ctx context.Context, rec *rule.UsageRecord) (*rule.UsageRecord, error) {
	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.UsedAt.IsZero() {
		cp.UsedAt = time.Now()
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode usage record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.recordsKey(), cp.ID, data)
	pipe.RPush(ctx, s.recordSeqKey(), cp.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to store usage record: %w", err)
	}
	return &cp, nil
}

func (s *Redis) allRecords(ctx context.Context) ([]*rule.UsageRecord, error) {
	ids, err := s.client.LRange(ctx, s.recordSeqKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := s.client.HMGet(ctx, s.recordsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch usage records: %w", err)
	}
	var results []*rule.UsageRecord
	for _, v := range raw {
		data, ok := v.(string)
		if !ok {
			continue // removed by retention sweep
		}
		var rec rule.UsageRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode usage record: %w", err)
		}
		results = append(results, &rec)
	}
	return results, nil
}

func (s *Redis) UsageRecordsByRule(ctx context.Context, ruleID string, limit int) ([]*rule.UsageRecord, error) {
	all, err := s.allRecords(ctx)
	if err != nil {
		return nil, err
	}
	var results []*rule.UsageRecord
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].RuleID != ruleID {
			continue
		}
		results = append(results, all[i])
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (s *Redis) UsageRecordsBySession(ctx context.Context, sessionID string) ([]*rule.UsageRecord, error) {
	all, err := s.allRecords(ctx)
	if err != nil {
		return nil, err
	}
	var results []*rule.UsageRecord
	for _, rec := range all {
		if rec.SessionID == sessionID {
			results = append(results, rec)
		}
	}
	return results, nil
}

func (s *Redis) UsageRecords(ctx context.Context) ([]*rule.UsageRecord, error) {
	return s.allRecords(ctx)
}

func (s *Redis) DeleteUsageRecordsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	all, err := s.allRecords(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, rec := range all {
		if !rec.UsedAt.Before(cutoff) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.HDel(ctx, s.recordsKey(), rec.ID)
		pipe.LRem(ctx, s.recordSeqKey(), 1, rec.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, fmt.Errorf("failed to delete usage record: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

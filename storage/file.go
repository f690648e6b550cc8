package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/gjson"

	"github.com/chainpulse/ruleengine/rule"
)

// File implements RuleRepository on a single JSON document, reloading it
// when another process rewrites the file. Decoding is tolerant: historical
// producers have written null and numeric name fields, and those rows must
// load rather than fail.
type File struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	mem    *Memory
	saving bool // suppress reload for our own writes
}

// FileConfig configures the file repository.
type FileConfig struct {
	Path   string `json:"path" yaml:"path"`
	Watch  bool   `json:"watch" yaml:"watch"`
	Logger *slog.Logger
}

type fileDoc struct {
	Rules        []*rule.ExceptionRule `json:"rules"`
	UsageRecords []*rule.UsageRecord   `json:"usage_records"`
}

// NewFile creates a file repository, loading the document if it exists and
// optionally watching it for external changes.
func NewFile(config *FileConfig) (*File, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("file repository requires a path")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	f := &File{path: config.Path, logger: logger, mem: NewMemory()}
	if err := f.reload(); err != nil {
		return nil, err
	}

	if config.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		if err := watcher.Add(filepath.Dir(config.Path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", config.Path, err)
		}
		f.watcher = watcher
		go f.watchLoop()
	}
	return f, nil
}

// Close stops the watcher.
func (f *File) Close() error {
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

func (f *File) watchLoop() {
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			f.mu.Lock()
			own := f.saving
			f.mu.Unlock()
			if own {
				continue
			}
			if err := f.reload(); err != nil {
				f.logger.Warn("rule file reload failed",
					slog.String("path", f.path), slog.Any("error", err))
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("rule file watcher error", slog.Any("error", err))
		}
	}
}

// reload replaces the in-memory state with the file contents.
func (f *File) reload() error {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil // first run, nothing to load
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", f.path, err)
	}

	mem := NewMemory()
	ctx := context.Background()
	doc := gjson.ParseBytes(data)

	for _, raw := range doc.Get("rules").Array() {
		r := decodeRule(raw)
		if r.ID == "" {
			f.logger.Warn("skipping rule without id in rule file")
			continue
		}
		if _, err := mem.CreateRule(ctx, r); err != nil {
			return err
		}
	}
	for _, raw := range doc.Get("usage_records").Array() {
		rec := decodeUsageRecord(raw)
		if rec.ID == "" || rec.RuleID == "" {
			f.logger.Warn("skipping malformed usage record in rule file")
			continue
		}
		if _, err := mem.CreateUsageRecord(ctx, rec); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.mem = mem
	f.mu.Unlock()
	f.logger.Debug("rule file loaded",
		slog.String("path", f.path),
		slog.Int("rules", len(doc.Get("rules").Array())))
	return nil
}

// decodeRule extracts a rule from raw JSON, coercing malformed fields
// instead of rejecting the row. gjson turns numeric and boolean names into
// their string forms and maps null/missing to "".
func decodeRule(raw gjson.Result) *rule.ExceptionRule {
	r := &rule.ExceptionRule{
		ID:          raw.Get("id").String(),
		Scope:       rule.Scope(raw.Get("scope").String()),
		ChainID:     raw.Get("chain_id").String(),
		Type:        rule.Type(raw.Get("type").String()),
		Description: raw.Get("description").String(),
		UsageCount:  int(raw.Get("usage_count").Int()),
		IsActive:    true,
	}
	if name := raw.Get("name"); name.Exists() && name.Type != gjson.Null {
		r.Name = name.String()
	}
	if v := raw.Get("is_active"); v.Exists() {
		r.IsActive = v.Bool()
	}
	if t, err := time.Parse(time.RFC3339Nano, raw.Get("created_at").String()); err == nil {
		r.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, raw.Get("last_used_at").String()); err == nil {
		r.LastUsedAt = &t
	}
	if r.UsageCount < 0 {
		r.UsageCount = 0
	}
	return r
}

func decodeUsageRecord(raw gjson.Result) *rule.UsageRecord {
	rec := &rule.UsageRecord{
		ID:          raw.Get("id").String(),
		RuleID:      raw.Get("rule_id").String(),
		ChainID:     raw.Get("chain_id").String(),
		SessionID:   raw.Get("session_id").String(),
		ActionType:  rule.ActionType(raw.Get("action_type").String()),
		TaskElapsed: raw.Get("task_elapsed_time").Float(),
		RuleScope:   rule.Scope(raw.Get("rule_scope").String()),
	}
	if v := raw.Get("task_remaining_time"); v.Exists() && v.Type != gjson.Null {
		f := v.Float()
		rec.TaskRemaining = &f
	}
	if v := raw.Get("pause_duration"); v.Exists() && v.Type != gjson.Null {
		f := v.Float()
		rec.PauseDuration = &f
	}
	if v := raw.Get("auto_resume"); v.Exists() && v.Type != gjson.Null {
		b := v.Bool()
		rec.AutoResume = &b
	}
	if t, err := time.Parse(time.RFC3339Nano, raw.Get("used_at").String()); err == nil {
		rec.UsedAt = t
	}
	return rec
}

// save writes the whole document atomically via a temp file rename.
func (f *File) save(ctx context.Context) error {
	f.mu.Lock()
	mem := f.mem
	f.saving = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.saving = false
		f.mu.Unlock()
	}()

	rules, err := mem.Rules(ctx, nil)
	if err != nil {
		return err
	}
	records, err := mem.UsageRecords(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(&fileDoc{Rules: rules, UsageRecords: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode rule file: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write rule file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace rule file: %w", err)
	}
	return nil
}

func (f *File) store() *Memory {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mem
}

func (f *File) RuleByID(ctx context.Context, id string) (*rule.ExceptionRule, error) {
	return f.store().RuleByID(ctx, id)
}

func (f *File) Rules(ctx context.Context, filter *RuleFilter) ([]*rule.ExceptionRule, error) {
	return f.store().Rules(ctx, filter)
}

func (f *File) CreateRule(ctx context.Context, r *rule.ExceptionRule) (*rule.ExceptionRule, error) {
	created, err := f.store().CreateRule(ctx, r)
	if err != nil {
		return nil, err
	}
	return created, f.save(ctx)
}

func (f *File) UpdateRule(ctx context.Context, id string, patch *RulePatch) (*rule.ExceptionRule, error) {
	updated, err := f.store().UpdateRule(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	return updated, f.save(ctx)
}

func (f *File) DeleteRule(ctx context.Context, id string) error {
	if err := f.store().DeleteRule(ctx, id); err != nil {
		return err
	}
	return f.save(ctx)
}

func (f *File) IncrementUsage(ctx context.Context, id string, usedAt time.Time) (int, error) {
	count, err := f.store().IncrementUsage(ctx, id, usedAt)
	if err != nil {
		return 0, err
	}
	return count, f.save(ctx)
}

func (f *File) CreateUsageRecord(ctx context.Context, rec *rule.UsageRecord) (*rule.UsageRecord, error) {
	created, err := f.store().CreateUsageRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	return created, f.save(ctx)
}

func (f *File) UsageRecordsByRule(ctx context.Context, ruleID string, limit int) ([]*rule.UsageRecord, error) {
	return f.store().UsageRecordsByRule(ctx, ruleID, limit)
}

func (f *File) UsageRecordsBySession(ctx context.Context, sessionID string) ([]*rule.UsageRecord, error) {
	return f.store().UsageRecordsBySession(ctx, sessionID)
}

func (f *File) UsageRecords(ctx context.Context) ([]*rule.UsageRecord, error) {
	return f.store().UsageRecords(ctx)
}

func (f *File) DeleteUsageRecordsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := f.store().DeleteUsageRecordsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	return n, f.save(ctx)
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq" // database/sql driver for goose migrations
	"github.com/pressly/goose/v3"

	"github.com/chainpulse/ruleengine/rule"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres implements RuleRepository on PostgreSQL using pgx and goose.
type Postgres struct {
	pool   *pgxpool.Pool
	config *PostgresConfig
}

// PostgresConfig configures the PostgreSQL repository.
type PostgresConfig struct {
	DSN             string        `json:"dsn" yaml:"dsn"`
	MaxConnections  int           `json:"max_connections" yaml:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `json:"auto_migrate" yaml:"auto_migrate"`
}

// NewPostgres creates a PostgreSQL repository and optionally runs the
// embedded goose migrations.
func NewPostgres(ctx context.Context, config *PostgresConfig) (*Postgres, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = time.Hour
	}
	if config.ConnMaxIdleTime == 0 {
		config.ConnMaxIdleTime = 30 * time.Minute
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	poolConfig.MaxConns = int32(config.MaxConnections)
	poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = config.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Postgres{pool: pool, config: config}
	if config.AutoMigrate {
		if err := p.runMigrations(); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	return p, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

// runMigrations applies the embedded goose migrations through a plain
// database/sql connection, which is what goose expects.
func (p *Postgres) runMigrations() error {
	db, err := sql.Open("postgres", p.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

const ruleColumns = `id, name, scope, chain_id, rule_type, description, created_at, usage_count, last_used_at, is_active`

func scanRule(row pgx.Row) (*rule.ExceptionRule, error) {
	var r rule.ExceptionRule
	var lastUsed *time.Time
	err := row.Scan(&r.ID, &r.Name, &r.Scope, &r.ChainID, &r.Type, &r.Description,
		&r.CreatedAt, &r.UsageCount, &lastUsed, &r.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.LastUsedAt = lastUsed
	return &r, nil
}

func (p *Postgres) RuleByID(ctx context.Context, id string) (*rule.ExceptionRule, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM exception_rules WHERE id = $1`, id)
	return scanRule(row)
}

func (p *Postgres) Rules(ctx context.Context, filter *RuleFilter) ([]*rule.ExceptionRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM exception_rules WHERE true`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter != nil {
		if filter.ActiveOnly {
			query += ` AND is_active`
		}
		if filter.Scope != "" {
			query += ` AND scope = ` + arg(string(filter.Scope))
		}
		if filter.Type != "" {
			query += ` AND rule_type = ` + arg(string(filter.Type))
		}
		if filter.ChainID != "" {
			query += ` AND (scope = 'global' OR chain_id = ` + arg(filter.ChainID) + `)`
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var results []*rule.ExceptionRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (p *Postgres) CreateRule(ctx context.Context, r *rule.ExceptionRule) (*rule.ExceptionRule, error) {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	row := p.pool.QueryRow(ctx,
		`INSERT INTO exception_rules (name, scope, chain_id, rule_type, description, created_at, usage_count, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+ruleColumns,
		r.Name, string(r.Scope), r.ChainID, string(r.Type), r.Description, createdAt, r.UsageCount, r.IsActive)
	return scanRule(row)
}

func (p *Postgres) UpdateRule(ctx context.Context, id string, patch *RulePatch) (*rule.ExceptionRule, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE exception_rules SET
			name = COALESCE($2, name),
			rule_type = COALESCE($3, rule_type),
			description = COALESCE($4, description),
			is_active = COALESCE($5, is_active)
		 WHERE id = $1
		 RETURNING `+ruleColumns,
		id, patch.Name, (*string)(patch.Type), patch.Description, patch.IsActive)
	return scanRule(row)
}

func (p *Postgres) DeleteRule(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE exception_rules SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementUsage bumps the counter in a single UPDATE, so concurrent users
// of the same rule can never lose an increment.
func (p *Postgres) IncrementUsage(ctx context.Context, id string, usedAt time.Time) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx,
		`UPDATE exception_rules
		 SET usage_count = usage_count + 1, last_used_at = $2
		 WHERE id = $1
		 RETURNING usage_count`, id, usedAt).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return count, nil
}

const recordColumns = `id, rule_id, chain_id, session_id, action_type, task_elapsed_time, task_remaining_time, pause_duration, auto_resume, rule_scope, used_at`

func scanRecord(row pgx.Row) (*rule.UsageRecord, error) {
	var rec rule.UsageRecord
	err := row.Scan(&rec.ID, &rec.RuleID, &rec.ChainID, &rec.SessionID, &rec.ActionType,
		&rec.TaskElapsed, &rec.TaskRemaining, &rec.PauseDuration, &rec.AutoResume,
		&rec.RuleScope, &rec.UsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (p *Postgres) CreateUsageRecord(ctx context.Context, rec *rule.UsageRecord) (*rule.UsageRecord, error) {
	usedAt := rec.UsedAt
	if usedAt.IsZero() {
		usedAt = time.Now()
	}
	row := p.pool.QueryRow(ctx,
		`INSERT INTO rule_usage_records
			(rule_id, chain_id, session_id, action_type, task_elapsed_time,
			 task_remaining_time, pause_duration, auto_resume, rule_scope, used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+recordColumns,
		rec.RuleID, rec.ChainID, rec.SessionID, string(rec.ActionType), rec.TaskElapsed,
		rec.TaskRemaining, rec.PauseDuration, rec.AutoResume, string(rec.RuleScope), usedAt)
	return scanRecord(row)
}

func (p *Postgres) queryRecords(ctx context.Context, query string, args ...any) ([]*rule.UsageRecord, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var results []*rule.UsageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (p *Postgres) UsageRecordsByRule(ctx context.Context, ruleID string, limit int) ([]*rule.UsageRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM rule_usage_records WHERE rule_id = $1 ORDER BY used_at DESC`
	if limit > 0 {
		return p.queryRecords(ctx, query+` LIMIT $2`, ruleID, limit)
	}
	return p.queryRecords(ctx, query, ruleID)
}

func (p *Postgres) UsageRecordsBySession(ctx context.Context, sessionID string) ([]*rule.UsageRecord, error) {
	return p.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM rule_usage_records WHERE session_id = $1 ORDER BY used_at`, sessionID)
}

func (p *Postgres) UsageRecords(ctx context.Context) ([]*rule.UsageRecord, error) {
	return p.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM rule_usage_records ORDER BY used_at`)
}

func (p *Postgres) DeleteUsageRecordsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM rule_usage_records WHERE used_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete usage records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

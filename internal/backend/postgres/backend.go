// Package postgres provides a Postgres-backed result backend.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawltask/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for result rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Backend stores one row per job.
type Backend struct {
	pool  pool
	table string
}

// New creates a Backend from cfg.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("backend.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return b, nil
}

// NewWithPool constructs a Backend from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Backend, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Backend{pool: p, table: table}, nil
}

// Migrate creates the results table when missing.
func (b *Backend) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id     TEXT PRIMARY KEY,
	target     TEXT NOT NULL,
	state      TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	result     TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
)`, b.table)
	if _, err := b.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create results table: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (b *Backend) Close() {
	if b == nil || b.pool == nil {
		return
	}
	b.pool.Close()
}

// StoreResult upserts the row for record.JobID. Rows already in a terminal
// state are left untouched.
func (b *Backend) StoreResult(ctx context.Context, record crawler.Record) error {
	if record.JobID == "" {
		return fmt.Errorf("record job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (job_id, target, state, attempts, result, reason, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (job_id) DO UPDATE
SET target = EXCLUDED.target,
	state = EXCLUDED.state,
	attempts = EXCLUDED.attempts,
	result = EXCLUDED.result,
	reason = EXCLUDED.reason,
	updated_at = EXCLUDED.updated_at
WHERE %[1]s.state NOT IN ('succeeded', 'failed')`, b.table)

	if _, err := b.pool.Exec(ctx, query,
		record.JobID,
		record.Target,
		string(record.State),
		record.Attempts,
		record.Result,
		record.Reason,
		record.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// GetResult loads the row for jobID.
func (b *Backend) GetResult(ctx context.Context, jobID string) (crawler.Record, error) {
	query := fmt.Sprintf(`
SELECT job_id, target, state, attempts, result, reason, updated_at
FROM %s
WHERE job_id = $1`, b.table)

	var (
		rec   crawler.Record
		state string
	)
	err := b.pool.QueryRow(ctx, query, jobID).Scan(
		&rec.JobID,
		&rec.Target,
		&state,
		&rec.Attempts,
		&rec.Result,
		&rec.Reason,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Record{}, crawler.ErrNotFound
		}
		return crawler.Record{}, fmt.Errorf("get result: %w", err)
	}
	rec.State = crawler.State(state)
	return rec, nil
}

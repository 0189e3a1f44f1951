// Package sqlite provides a result backend on an embedded SQLite database for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/crawltask/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS crawl_results (
	job_id     TEXT PRIMARY KEY,
	target     TEXT NOT NULL,
	state      TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	result     TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);`

// Backend stores one row per job in SQLite.
type Backend struct {
	conn *sql.DB
}

// Open opens (or creates) the database at dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY between workers.
	conn.SetMaxOpenConns(1)
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Backend{conn: conn}, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.conn.Close()
}

// StoreResult upserts the row for record.JobID; terminal rows are left untouched.
func (b *Backend) StoreResult(ctx context.Context, record crawler.Record) error {
	if record.JobID == "" {
		return fmt.Errorf("record job id is required")
	}
	q := `INSERT INTO crawl_results(job_id, target, state, attempts, result, reason, updated_at)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT(job_id) DO UPDATE SET
	target = excluded.target,
	state = excluded.state,
	attempts = excluded.attempts,
	result = excluded.result,
	reason = excluded.reason,
	updated_at = excluded.updated_at
WHERE crawl_results.state NOT IN ('succeeded', 'failed')`
	_, err := b.conn.ExecContext(ctx, q,
		record.JobID,
		record.Target,
		string(record.State),
		record.Attempts,
		record.Result,
		record.Reason,
		record.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// GetResult loads the row for jobID.
func (b *Backend) GetResult(ctx context.Context, jobID string) (crawler.Record, error) {
	row := b.conn.QueryRowContext(ctx,
		`SELECT job_id, target, state, attempts, result, reason, updated_at FROM crawl_results WHERE job_id = ?`,
		jobID)
	var (
		rec       crawler.Record
		state     string
		updatedAt int64
	)
	if err := row.Scan(&rec.JobID, &rec.Target, &state, &rec.Attempts, &rec.Result, &rec.Reason, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return crawler.Record{}, crawler.ErrNotFound
		}
		return crawler.Record{}, fmt.Errorf("get result: %w", err)
	}
	rec.State = crawler.State(state)
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}

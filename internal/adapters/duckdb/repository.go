package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// Repository is the DuckDB-backed store. One Repository serves work items,
// agents and their budget ledger, settings and final records.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the database at path and applies the
// schema. An empty path opens an in-memory database.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb %q: %w", path, err)
	}

	r := &Repository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping reports whether the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS work_items (
		id                 VARCHAR PRIMARY KEY,
		item_type          VARCHAR NOT NULL,
		status             VARCHAR NOT NULL,
		sub_task           VARCHAR,
		pipeline_state     VARCHAR NOT NULL DEFAULT '{}',
		parent_item_id     VARCHAR,
		retry_count        INTEGER NOT NULL DEFAULT 0,
		max_retries        INTEGER NOT NULL DEFAULT 3,
		source             VARCHAR NOT NULL,
		url                VARCHAR NOT NULL DEFAULT '',
		company_name       VARCHAR NOT NULL DEFAULT '',
		company_id         VARCHAR NOT NULL DEFAULT '',
		normalized_url     VARCHAR NOT NULL DEFAULT '',
		normalized_company VARCHAR NOT NULL DEFAULT '',
		payload            VARCHAR NOT NULL DEFAULT '{}',
		priority           DOUBLE NOT NULL DEFAULT 0,
		result_message     VARCHAR NOT NULL DEFAULT '',
		error_details      VARCHAR NOT NULL DEFAULT '',
		created_at         TIMESTAMP NOT NULL,
		updated_at         TIMESTAMP NOT NULL,
		processed_at       TIMESTAMP,
		completed_at       TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id                 VARCHAR PRIMARY KEY,
		position           INTEGER NOT NULL,
		provider           VARCHAR NOT NULL,
		interface          VARCHAR NOT NULL,
		model              VARCHAR NOT NULL DEFAULT '',
		endpoint           VARCHAR NOT NULL DEFAULT '',
		command            VARCHAR NOT NULL DEFAULT '[]',
		cost_per_1k_tokens DOUBLE NOT NULL DEFAULT 0,
		daily_budget       DOUBLE NOT NULL DEFAULT 0,
		daily_usage        DOUBLE NOT NULL DEFAULT 0,
		enabled            BOOLEAN NOT NULL DEFAULT true,
		disable_kind       VARCHAR NOT NULL DEFAULT '',
		disable_reason     VARCHAR NOT NULL DEFAULT '',
		updated_at         TIMESTAMP NOT NULL
	)`,
	// No primary keys: SaveDocument deletes and reinserts these rows inside
	// one transaction, which DuckDB's index checks reject.
	`CREATE TABLE IF NOT EXISTS task_fallbacks (
		task_type VARCHAR NOT NULL,
		position  INTEGER NOT NULL,
		agent_id  VARCHAR NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS model_rates (
		model VARCHAR NOT NULL,
		rate  DOUBLE NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key        VARCHAR PRIMARY KEY,
		value      VARCHAR NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_records (
		item_id        VARCHAR PRIMARY KEY,
		url            VARCHAR NOT NULL,
		title          VARCHAR NOT NULL,
		company        VARCHAR NOT NULL,
		strike_score   DOUBLE NOT NULL,
		match_score    INTEGER NOT NULL,
		recommendation VARCHAR NOT NULL,
		agent_id       VARCHAR NOT NULL,
		record         VARCHAR NOT NULL,
		saved_at       TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS company_records (
		item_id         VARCHAR PRIMARY KEY,
		company_id      VARCHAR NOT NULL DEFAULT '',
		normalized_name VARCHAR NOT NULL,
		name            VARCHAR NOT NULL,
		score_total     DOUBLE NOT NULL,
		record          VARCHAR NOT NULL,
		saved_at        TIMESTAMP NOT NULL
	)`,
}

func (r *Repository) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// isConflict reports whether err is DuckDB's optimistic concurrency error,
// raised when two transactions touch the same row.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conflict")
}

const (
	conflictAttempts = 32
	conflictBackoff  = 2 * time.Millisecond
)

// withConflictRetry reruns fn while it fails with a write-write conflict.
// Used for ledger updates, where losing a race must not lose the write.
func withConflictRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		if err = fn(); !isConflict(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.Int64N(int64(conflictBackoff) * int64(attempt+1)))):
		}
	}
	return fmt.Errorf("gave up after %d conflicting attempts: %w", conflictAttempts, err)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

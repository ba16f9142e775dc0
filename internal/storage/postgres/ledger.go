// Package postgres provides the Postgres-backed run ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/genfleet/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and table names of the ledger.
type Config struct {
	DSN             string
	RunsTable       string
	ItemsTable      string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Ledger implements store.LedgerRepository using Postgres.
type Ledger struct {
	pool  pool
	runs  string
	items string
}

var _ store.LedgerRepository = (*Ledger)(nil)

// NewLedger connects to Postgres using the provided config.
func NewLedger(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	ledger, err := NewLedgerWithPool(p, cfg.RunsTable, cfg.ItemsTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return ledger, nil
}

// NewLedgerWithPool constructs a ledger from an existing pool (primarily for testing).
func NewLedgerWithPool(p pool, runsTable, itemsTable string) (*Ledger, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runsTable == "" {
		runsTable = "generation_runs"
	}
	if itemsTable == "" {
		itemsTable = "generation_items"
	}
	for _, table := range []string{runsTable, itemsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Ledger{pool: p, runs: runsTable, items: itemsTable}, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// Migrate creates the ledger tables when they do not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id          uuid PRIMARY KEY,
	started_at  timestamptz NOT NULL,
	finished_at timestamptz,
	status      text NOT NULL,
	completed   integer NOT NULL DEFAULT 0,
	failed      integer NOT NULL DEFAULT 0,
	pending     integer NOT NULL DEFAULT 0,
	end_reason  text
);
CREATE TABLE IF NOT EXISTS %[2]s (
	id         bigserial PRIMARY KEY,
	run_id     uuid NOT NULL REFERENCES %[1]s (id),
	source     text NOT NULL,
	row_number integer NOT NULL,
	session    text NOT NULL,
	outcome    text NOT NULL,
	attempt    integer NOT NULL,
	artifacts  text[] NOT NULL DEFAULT '{}',
	note       text NOT NULL DEFAULT '',
	at         timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]s_run_idx ON %[2]s (run_id, at DESC);`, l.runs, l.items)
	if _, err := l.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

// StartRun inserts the run row.
func (l *Ledger) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING;`, l.runs)
	if _, err := l.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// FinishRun records the final counters of a run.
func (l *Ledger) FinishRun(ctx context.Context, run store.Run) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET finished_at = $1, status = $2, completed = $3, failed = $4, pending = $5, end_reason = $6
		WHERE id = $7;`, l.runs)
	tag, err := l.pool.Exec(ctx, query,
		run.FinishedAt,
		run.Status,
		run.Completed,
		run.Failed,
		run.Pending,
		run.EndReason,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: %w", run.ID, store.ErrNotFound)
	}
	return nil
}

// RecordItems inserts item history rows in one transaction.
func (l *Ledger) RecordItems(ctx context.Context, records []store.ItemRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin item batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, source, row_number, session, outcome, attempt, artifacts, note, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`, l.items)
	for _, rec := range records {
		artifacts := rec.Artifacts
		if artifacts == nil {
			artifacts = []string{}
		}
		if _, err = tx.Exec(ctx, query,
			rec.RunID,
			rec.Source,
			rec.Row,
			rec.Session,
			rec.Outcome,
			rec.Attempt,
			artifacts,
			rec.Note,
			rec.At,
		); err != nil {
			return fmt.Errorf("insert item %s#%d: %w", rec.Source, rec.Row, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit item batch: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (l *Ledger) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := fmt.Sprintf(`
		SELECT id, started_at, finished_at, status, completed, failed, pending, end_reason
		FROM %s
		WHERE id = $1;`, l.runs)
	run, err := scanRun(l.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs, newest first, with optional status filtering.
func (l *Ledger) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := fmt.Sprintf(`
		SELECT id, started_at, finished_at, status, completed, failed, pending, end_reason
		FROM %s
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`, l.runs)
	rows, err := l.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// ListItems retrieves the item history of one run, newest first.
func (l *Ledger) ListItems(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.ItemRecord, error) {
	query := fmt.Sprintf(`
		SELECT run_id, source, row_number, session, outcome, attempt, artifacts, note, at
		FROM %s
		WHERE run_id = $1
		ORDER BY at DESC
		LIMIT $2 OFFSET $3;`, l.items)
	rows, err := l.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var records []store.ItemRecord
	for rows.Next() {
		var rec store.ItemRecord
		if err := rows.Scan(
			&rec.RunID,
			&rec.Source,
			&rec.Row,
			&rec.Session,
			&rec.Outcome,
			&rec.Attempt,
			&rec.Artifacts,
			&rec.Note,
			&rec.At,
		); err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return records, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var run store.Run
	err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Completed,
		&run.Failed,
		&run.Pending,
		&run.EndReason,
	)
	return run, err
}

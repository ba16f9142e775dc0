// Package store declares interfaces for persisting the run ledger.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("ledger record not found")

// RunStatus mirrors the runs table status column.
type RunStatus string

// Run statuses persisted in the runs table.
const (
	RunRunning RunStatus = "running"
	// RunSuccess means the queue drained with every session alive.
	RunSuccess RunStatus = "success"
	// RunPartial means items were left pending or sessions terminated.
	RunPartial RunStatus = "partial"
)

// Run models one orchestrator invocation.
type Run struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	Completed  int
	Failed     int
	Pending    int
	// EndReason is nil until the run finishes.
	EndReason *string
}

// ItemOutcome is the terminal or intermediate result recorded for an item.
type ItemOutcome string

// Item outcomes persisted in the items table.
const (
	ItemDone     ItemOutcome = "done"
	ItemFailed   ItemOutcome = "failed"
	ItemRequeued ItemOutcome = "requeued"
)

// ItemRecord is one row of the item history of a run.
type ItemRecord struct {
	RunID     uuid.UUID
	Source    string
	Row       int
	Session   string
	Outcome   ItemOutcome
	Attempt   int
	Artifacts []string
	Note      string
	At        time.Time
}

// LedgerRepository persists run and item history.
type LedgerRepository interface {
	// StartRun inserts the run row; repeating it is a no-op.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// FinishRun stamps the end time, final counters and end reason.
	FinishRun(ctx context.Context, run Run) error
	// RecordItems appends item history rows atomically.
	RecordItems(ctx context.Context, records []ItemRecord) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListItems returns the item history of one run, newest first.
	ListItems(ctx context.Context, runID uuid.UUID, limit, offset int) ([]ItemRecord, error)
}

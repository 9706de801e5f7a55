package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the crawl_runs.status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunError   RunStatus = "error"
)

// Run models one (source, shard) crawl run.
type Run struct {
	ID     uuid.UUID
	Source string
	// Shard is rendered as "index/total".
	Shard      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	// StopReason is empty until the run finishes.
	StopReason   string
	ErrorMessage *string
	LastUpdate   time.Time
	Counters     RunCounters
}

// RunCounters aggregates page and delivery outcomes of a run.
type RunCounters struct {
	PagesDone      int64
	PagesFailed    int64
	ItemsSeen      int64
	ItemsNew       int64
	ItemsDelivered int64
	ItemsDropped   int64
	BatchesDropped int64
}

// PageDelta is one page outcome applied to a run's counters.
type PageDelta struct {
	Failed   bool
	Items    int64
	NewItems int64
}

// DeliveryDelta is one batch outcome applied to a run's counters.
type DeliveryDelta struct {
	Delivered int64
	Dropped   int64
}

// RunRepository persists incremental run progress.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently updates) a running run.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, source, shard string, startedAt time.Time) error
	// AddPageStats applies one page outcome.
	AddPageStats(ctx context.Context, runID uuid.UUID, delta PageDelta, at time.Time) error
	// AddDeliveryStats applies one batch outcome. A dropped batch counts once
	// in BatchesDropped.
	AddDeliveryStats(ctx context.Context, runID uuid.UUID, delta DeliveryDelta, at time.Time) error
	// CompleteRun marks the run finished with the stop reason and optional error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, reason string, errMsg *string) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status, newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/venue-crawler/internal/store"
)

const runColumns = `id, source, shard, started_at, finished_at, status, stop_reason, error_message, last_update,
	pages_done, pages_failed, items_seen, items_new, items_delivered, items_dropped, batches_dropped`

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool queryPool
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore creates a RunStore from an existing pool.
func NewRunStore(pool queryPool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the crawl_runs table when it does not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS crawl_runs (
			id              UUID PRIMARY KEY,
			source          TEXT NOT NULL,
			shard           TEXT NOT NULL,
			started_at      TIMESTAMPTZ NOT NULL,
			finished_at     TIMESTAMPTZ,
			status          TEXT NOT NULL,
			stop_reason     TEXT NOT NULL DEFAULT '',
			error_message   TEXT,
			last_update     TIMESTAMPTZ NOT NULL,
			pages_done      BIGINT NOT NULL DEFAULT 0,
			pages_failed    BIGINT NOT NULL DEFAULT 0,
			items_seen      BIGINT NOT NULL DEFAULT 0,
			items_new       BIGINT NOT NULL DEFAULT 0,
			items_delivered BIGINT NOT NULL DEFAULT 0,
			items_dropped   BIGINT NOT NULL DEFAULT 0,
			batches_dropped BIGINT NOT NULL DEFAULT 0
		);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create crawl_runs: %w", err)
	}
	return nil
}

// UpsertRunStart inserts a running run or leaves an existing one untouched.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, source, shard string, startedAt time.Time) error {
	query := `
		INSERT INTO crawl_runs (id, source, shard, started_at, status, last_update)
		VALUES ($1, $2, $3, $4, $5, $4)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, query, runID, source, shard, startedAt, string(store.RunRunning))
	if err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// AddPageStats applies one page outcome to the run counters.
func (s *RunStore) AddPageStats(ctx context.Context, runID uuid.UUID, delta store.PageDelta, at time.Time) error {
	var done, failed int64 = 1, 0
	if delta.Failed {
		done, failed = 0, 1
	}
	query := `
		UPDATE crawl_runs
		SET pages_done = pages_done + $1,
			pages_failed = pages_failed + $2,
			items_seen = items_seen + $3,
			items_new = items_new + $4,
			last_update = $5
		WHERE id = $6;
	`
	res, err := s.pool.Exec(ctx, query, done, failed, delta.Items, delta.NewItems, at, runID)
	if err != nil {
		return fmt.Errorf("failed to update page stats: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddDeliveryStats applies one batch outcome to the run counters.
func (s *RunStore) AddDeliveryStats(ctx context.Context, runID uuid.UUID, delta store.DeliveryDelta, at time.Time) error {
	var batchesDropped int64
	if delta.Dropped > 0 {
		batchesDropped = 1
	}
	query := `
		UPDATE crawl_runs
		SET items_delivered = items_delivered + $1,
			items_dropped = items_dropped + $2,
			batches_dropped = batches_dropped + $3,
			last_update = $4
		WHERE id = $5;
	`
	res, err := s.pool.Exec(ctx, query, delta.Delivered, delta.Dropped, batchesDropped, at, runID)
	if err != nil {
		return fmt.Errorf("failed to update delivery stats: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CompleteRun marks a run as finished.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	reason string,
	errMsg *string,
) error {
	query := `
		UPDATE crawl_runs
		SET finished_at = $1, status = $2, stop_reason = $3, error_message = $4, last_update = $1
		WHERE id = $5;
	`
	_, err := s.pool.Exec(ctx, query, finishedAt, string(status), reason, errMsg, runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM crawl_runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs with optional status filtering, newest first.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM crawl_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
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
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.Source,
		&run.Shard,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.StopReason,
		&run.ErrorMessage,
		&run.LastUpdate,
		&run.Counters.PagesDone,
		&run.Counters.PagesFailed,
		&run.Counters.ItemsSeen,
		&run.Counters.ItemsNew,
		&run.Counters.ItemsDelivered,
		&run.Counters.ItemsDropped,
		&run.Counters.BatchesDropped,
	)
	if err != nil {
		return store.Run{}, err //nolint:wrapcheck
	}
	run.Status = store.RunStatus(status)
	return run, nil
}

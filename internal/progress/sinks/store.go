package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/progress"
	"github.com/JakeFAU/venue-crawler/internal/store"
)

// StoreSink persists run progress via a store.RunRepository.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies the batch to the repository in order. Counter updates for a
// run the repository does not know (its RUN_START was dropped) are skipped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		runID := evt.RunUUID()
		var err error
		switch evt.Stage {
		case progress.StageRunStart:
			err = s.repo.UpsertRunStart(ctx, runID, evt.Source, evt.Shard, evt.TS)
		case progress.StagePageDone, progress.StagePageFailed:
			err = s.repo.AddPageStats(ctx, runID, store.PageDelta{
				Failed:   evt.Stage == progress.StagePageFailed,
				Items:    int64(evt.Items),
				NewItems: int64(evt.NewItems),
			}, evt.TS)
		case progress.StageBatchDelivered:
			err = s.repo.AddDeliveryStats(ctx, runID, store.DeliveryDelta{Delivered: int64(evt.Items)}, evt.TS)
		case progress.StageBatchDropped:
			err = s.repo.AddDeliveryStats(ctx, runID, store.DeliveryDelta{Dropped: int64(evt.Items)}, evt.TS)
		case progress.StageRunDone, progress.StageRunError:
			err = s.completeRun(ctx, runID, evt)
		}
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("progress for unknown run skipped",
				zap.Stringer("run_id", runID),
				zap.String("stage", string(evt.Stage)),
			)
			continue
		}
		if err != nil {
			return fmt.Errorf("persist %s: %w", evt.Stage, err)
		}
	}
	return nil
}

// completeRun also records the start so runs that failed before their first
// page still appear.
func (s *StoreSink) completeRun(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	if err := s.repo.UpsertRunStart(ctx, runID, evt.Source, evt.Shard, evt.TS.Add(-evt.Dur)); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	status := store.RunDone
	var note *string
	if evt.Stage == progress.StageRunError {
		status = store.RunError
		if evt.Note != "" {
			n := evt.Note
			note = &n
		}
	}
	if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, evt.Reason, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

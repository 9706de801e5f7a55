package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/venue-crawler/internal/store"
)

// RunStore provides an in-memory store.RunRepository for development and
// for the status server when no database is configured.
type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.Run
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]store.Run)}
}

// UpsertRunStart records a running run; an existing run is left untouched.
func (s *RunStore) UpsertRunStart(_ context.Context, runID uuid.UUID, source, shard string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[runID]; exists {
		return nil
	}
	s.runs[runID] = store.Run{
		ID:         runID,
		Source:     source,
		Shard:      shard,
		StartedAt:  startedAt,
		Status:     store.RunRunning,
		LastUpdate: startedAt,
	}
	return nil
}

// AddPageStats applies one page outcome.
func (s *RunStore) AddPageStats(_ context.Context, runID uuid.UUID, delta store.PageDelta, at time.Time) error {
	return s.update(runID, at, func(c *store.RunCounters) {
		if delta.Failed {
			c.PagesFailed++
		} else {
			c.PagesDone++
		}
		c.ItemsSeen += delta.Items
		c.ItemsNew += delta.NewItems
	})
}

// AddDeliveryStats applies one batch outcome.
func (s *RunStore) AddDeliveryStats(_ context.Context, runID uuid.UUID, delta store.DeliveryDelta, at time.Time) error {
	return s.update(runID, at, func(c *store.RunCounters) {
		c.ItemsDelivered += delta.Delivered
		c.ItemsDropped += delta.Dropped
		if delta.Dropped > 0 {
			c.BatchesDropped++
		}
	})
}

// CompleteRun marks the run finished.
func (s *RunStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	reason string,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = pointerTime(finishedAt)
	run.Status = status
	run.StopReason = reason
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	run.LastUpdate = finishedAt
	s.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []store.Run{}, nil
	}
	out = out[max(0, offset):]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *RunStore) update(runID uuid.UUID, at time.Time, apply func(*store.RunCounters)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	apply(&run.Counters)
	run.LastUpdate = at
	s.runs[runID] = run
	return nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

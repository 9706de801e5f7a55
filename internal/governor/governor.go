// Package governor bounds the number of in-flight render operations per role
// so listing progression and detail fan-out never starve each other.
package governor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/venue-crawler/internal/metrics"
)

// Role names an independent concurrency budget.
type Role string

// Supported roles.
const (
	RoleListing Role = "listing"
	RoleDetail  Role = "detail"
)

// Task is a unit of governed work.
type Task func(ctx context.Context) error

// Scheduler admits tasks under a per-role limit.
type Scheduler interface {
	Schedule(ctx context.Context, role Role, task Task) error
}

// Limits configures the per-role concurrency caps.
type Limits struct {
	Listing int
	Detail  int
}

// Governor holds one weighted semaphore per role. semaphore.Weighted admits
// waiters in FIFO order, which gives queued tasks their arrival ordering.
type Governor struct {
	slots   map[Role]*semaphore.Weighted
	caps    map[Role]int64
	waiting map[Role]*atomic.Int64
}

// New builds a Governor. Limits below one are raised to one.
func New(limits Limits) *Governor {
	caps := map[Role]int64{
		RoleListing: int64(max(1, limits.Listing)),
		RoleDetail:  int64(max(1, limits.Detail)),
	}
	slots := make(map[Role]*semaphore.Weighted, len(caps))
	waiting := make(map[Role]*atomic.Int64, len(caps))
	for role, n := range caps {
		slots[role] = semaphore.NewWeighted(n)
		waiting[role] = new(atomic.Int64)
	}
	return &Governor{slots: slots, caps: caps, waiting: waiting}
}

// Waiting returns how many tasks of role are queued for a slot.
func (g *Governor) Waiting(role Role) int {
	n, ok := g.waiting[role]
	if !ok {
		return 0
	}
	return int(n.Load())
}

// Limit returns the cap for role, or 0 for an unknown role.
func (g *Governor) Limit(role Role) int {
	return int(g.caps[role])
}

// Schedule waits for a slot of the given role, runs task and releases the
// slot. The task's error is returned to this caller only.
func (g *Governor) Schedule(ctx context.Context, role Role, task Task) error {
	sem, ok := g.slots[role]
	if !ok {
		return fmt.Errorf("unknown governor role %q", role)
	}
	start := time.Now()
	queued := g.waiting[role]
	queued.Add(1)
	err := sem.Acquire(ctx, 1)
	queued.Add(-1)
	if err != nil {
		return fmt.Errorf("acquire %s slot: %w", role, err)
	}
	metrics.ObserveGovernorWait(string(role), time.Since(start))
	metrics.IncGovernorInFlight(string(role))
	defer func() {
		metrics.DecGovernorInFlight(string(role))
		sem.Release(1)
	}()
	return task(ctx)
}

// Do schedules fn and returns its value.
func Do[T any](ctx context.Context, s Scheduler, role Role, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := s.Schedule(ctx, role, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Result pairs a fan-out value with its error.
type Result[T any] struct {
	Value T
	Err   error
}

// FanOut runs n tasks under role and waits for all of them. Results keep the
// input order; one task failing never cancels its siblings.
func FanOut[T any](ctx context.Context, s Scheduler, role Role, n int, fn func(ctx context.Context, i int) (T, error)) []Result[T] {
	results := make([]Result[T], n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			v, err := Do(ctx, s, role, func(ctx context.Context) (T, error) {
				return fn(ctx, i)
			})
			results[i] = Result[T]{Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

package crawler

import (
	"sync"
	"time"
)

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// monotonicClock never reports a time earlier than one it already returned,
// so fetchedAt values within a run are non-decreasing.
type monotonicClock struct {
	mu   sync.Mutex
	base Clock
	last time.Time
}

func newMonotonicClock(base Clock) *monotonicClock {
	if base == nil {
		base = wallClock{}
	}
	return &monotonicClock{base: base}
}

func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.base.Now().UTC()
	if now.Before(c.last) {
		now = c.last
	}
	c.last = now
	return now
}

// Package memory contains an in-memory deliverer for dry runs and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

// Publisher stores delivered batches for inspection.
type Publisher struct {
	mu      sync.RWMutex
	batches []crawler.DeliveryBatch
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Deliver records the batch. It fails only when ctx is already done.
func (p *Publisher) Deliver(ctx context.Context, batch crawler.DeliveryBatch) error {
	if err := ctx.Err(); err != nil {
		return &crawler.DeliveryError{Err: err}
	}
	records := make([]crawler.Record, len(batch.Records))
	copy(records, batch.Records)
	batch.Records = records

	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, batch)
	return nil
}

// Batches returns the recorded batches.
func (p *Publisher) Batches() []crawler.DeliveryBatch {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]crawler.DeliveryBatch, len(p.batches))
	copy(out, p.batches)
	return out
}

// Records flattens every recorded batch in delivery order.
func (p *Publisher) Records() []crawler.Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.Record
	for _, b := range p.batches {
		out = append(out, b.Records...)
	}
	return out
}

package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/metrics"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults below.
type Config struct {
	// BufferSize bounds queued page and batch events.
	BufferSize int
	// MaxBatchEvents flushes once this many events are pending.
	MaxBatchEvents int
	// MaxBatchWait flushes a partial batch this long after its first event.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	// BaseContext parents sink calls.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub batches events from concurrent runs and fans each batch out to the
// sinks in order. Emit never blocks. Page and batch events are dropped when
// the buffer is full; run lifecycle events are always kept so run records
// are opened and closed.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	events chan Event
	// lifecycle holds run start and end events that found the buffer full.
	lifeMu    sync.Mutex
	lifecycle []Event
	wake      chan struct{}

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	closeCtx  context.Context
	closed    atomic.Bool

	dropped     atomic.Int64
	dropsToLog  atomic.Int64
	lastDropLog atomic.Int64
}

// NewHub starts the batching goroutine over the given sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		logger: logger,
		events: make(chan Event, cfg.BufferSize),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go h.run()
	return h
}

// Emit queues evt for the sinks. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	if evt.Stage.isLifecycle() {
		h.lifeMu.Lock()
		h.lifecycle = append(h.lifecycle, evt)
		h.lifeMu.Unlock()
		select {
		case h.wake <- struct{}{}:
		default:
		}
		return
	}
	h.drop(evt)
}

// Dropped reports how many events were lost to backpressure.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

func (h *Hub) drop(evt Event) {
	h.dropped.Add(1)
	h.dropsToLog.Add(1)
	metrics.ObserveProgressDropped(string(evt.Stage))

	now := time.Now().UnixNano()
	last := h.lastDropLog.Load()
	if now-last < dropLogInterval.Nanoseconds() || !h.lastDropLog.CompareAndSwap(last, now) {
		return
	}
	h.logger.Warn("progress events dropped due to backpressure",
		zap.Int64("dropped", h.dropsToLog.Swap(0)),
		zap.String("last_stage", string(evt.Stage)),
	)
}

// Close stops intake, flushes what is queued and closes the sinks. It waits
// for the flush until ctx is done. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := newBatcher(h.cfg.MaxBatchEvents, h.cfg.MaxBatchWait)
	defer b.stop()

	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.flush(b.take())
			}
		case <-h.wake:
			h.drainQueued(b)
		case <-b.due():
			h.flush(b.take())
		case <-h.stopCh:
			h.drainQueued(b)
			h.flush(b.take())
			h.closeSinks()
			return
		}
	}
}

// drainQueued moves everything already queued into b. Buffered events go
// first since overflowed lifecycle events were emitted after them.
func (h *Hub) drainQueued(b *batcher) {
	for drained := false; !drained; {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.flush(b.take())
			}
		default:
			drained = true
		}
	}
	for _, evt := range h.takeLifecycle() {
		if b.add(evt) {
			h.flush(b.take())
		}
	}
}

func (h *Hub) takeLifecycle() []Event {
	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()
	out := h.lifecycle
	h.lifecycle = nil
	return out
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, batch)
		cancel()
		if err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Int("events", len(batch)),
				zap.Error(err),
			)
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}

// batcher accumulates events until the batch is full or its first event has
// waited maxWait.
type batcher struct {
	pending []Event
	max     int
	maxWait time.Duration
	timer   *time.Timer
	armed   bool
}

func newBatcher(maxEvents int, maxWait time.Duration) *batcher {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &batcher{
		pending: make([]Event, 0, maxEvents),
		max:     maxEvents,
		maxWait: maxWait,
		timer:   t,
	}
}

// add appends evt and reports whether the batch is full.
func (b *batcher) add(evt Event) bool {
	b.pending = append(b.pending, evt)
	if !b.armed {
		b.timer.Reset(b.maxWait)
		b.armed = true
	}
	return len(b.pending) >= b.max
}

// due fires when the oldest pending event has waited maxWait.
func (b *batcher) due() <-chan time.Time {
	if !b.armed {
		return nil
	}
	return b.timer.C
}

// take returns a copy of the pending events and disarms the timer. Sinks may
// keep the returned slice.
func (b *batcher) take() []Event {
	b.stop()
	if len(b.pending) == 0 {
		return nil
	}
	out := append([]Event(nil), b.pending...)
	b.pending = b.pending[:0]
	return out
}

func (b *batcher) stop() {
	if !b.armed {
		return
	}
	if !b.timer.Stop() {
		select {
		case <-b.timer.C:
		default:
		}
	}
	b.armed = false
}

package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageRunStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageRunStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	evt := sampleEvent(StagePageDone)
	evt.Page = 1
	start := time.Now()
	hub.Emit(evt)
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), hub.Dropped())
}

// TestHubKeepsLifecycleEventsUnderBackpressure verifies that page events are
// dropped when the buffer is full but run start and end events still arrive.
func TestHubKeepsLifecycleEventsUnderBackpressure(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	gate := &gatedSink{inner: sink, entered: make(chan struct{}, 1), release: make(chan struct{})}
	hub := NewHub(Config{
		BufferSize:     1,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Minute,
	}, gate)

	start := sampleEvent(StageRunStart)
	hub.Emit(start)
	<-gate.entered

	page := start
	page.Stage = StagePageDone
	page.Page = 1
	hub.Emit(page)
	hub.Emit(page)

	done := start
	done.Stage = StageRunDone
	done.Reason = "lowStreak"
	hub.Emit(done)

	close(gate.release)
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, int64(1), hub.Dropped())

	var stages []Stage
	for _, batch := range sink.Batches() {
		for _, evt := range batch {
			stages = append(stages, evt.Stage)
		}
	}
	require.Equal(t, []Stage{StageRunStart, StagePageDone, StageRunDone}, stages)
}

func TestBatcherFlushesWhenFullOrDue(t *testing.T) {
	t.Parallel()

	b := newBatcher(2, 10*time.Millisecond)
	require.Nil(t, b.due())
	require.False(t, b.add(sampleEvent(StageRunStart)))
	require.NotNil(t, b.due())
	require.True(t, b.add(sampleEvent(StageRunStart)))
	require.Len(t, b.take(), 2)
	require.Nil(t, b.due())
	require.Nil(t, b.take())

	b.add(sampleEvent(StageRunStart))
	select {
	case <-b.due():
	case <-time.After(time.Second):
		t.Fatal("batch never came due")
	}
	require.Len(t, b.take(), 1)
}

// gatedSink blocks its first Consume until release is closed.
type gatedSink struct {
	inner   Sink
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSink) Consume(ctx context.Context, batch []Event) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.inner.Consume(ctx, batch)
}

func (g *gatedSink) Close(ctx context.Context) error {
	return g.inner.Close(ctx)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	evt := sampleEvent(StageRunStart)
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		RunID:  UUIDToBytes(uuid.New()),
		TS:     time.Now(),
		Stage:  stage,
		Source: "TagVenue",
		Shard:  "0/1",
	}
}

// TestHubDiscardsInvalidEvents verifies events failing validation never reach sinks.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, sink)

	bad := sampleEvent(StagePageDone)
	hub.Emit(bad)
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	page := sampleEvent(StagePageDone)
	page.Page = 3
	require.NoError(t, page.Validate())

	done := sampleEvent(StageRunDone)
	require.Error(t, done.Validate())
	done.Reason = "lowStreak"
	require.NoError(t, done.Validate())

	noSource := sampleEvent(StageRunStart)
	noSource.Source = ""
	require.Error(t, noSource.Validate())

	unknown := sampleEvent(Stage("FETCH_DONE"))
	require.Error(t, unknown.Validate())

	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}

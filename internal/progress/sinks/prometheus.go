package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/venue-crawler/internal/progress"
)

// PrometheusSink exports run progress via Prometheus. It owns the collectors
// for runs started/completed/running and per-source page and batch counters.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	pageEvents   *prometheus.CounterVec
	pageDuration *prometheus.HistogramVec
	lowStreak    *prometheus.GaugeVec
	batchEvents  *prometheus.CounterVec
	batchItems   *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_run_starts_total",
			Help: "Total (source, shard) runs that have started.",
		}, []string{"source"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_run_completions_total",
			Help: "Total runs completed partitioned by stop reason.",
		}, []string{"source", "reason"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_runs_running",
			Help: "Current number of running runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2400, 3600, 7200},
		}, []string{"reason"}),
		pageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_page_events_total",
			Help: "Listing page completions partitioned by source, result and status class.",
		}, []string{"source", "result", "status_class"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_page_duration_seconds",
			Help:    "Listing page render duration partitioned by source.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
		}, []string{"source"}),
		lowStreak: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawler_low_page_streak",
			Help: "Consecutive low pages of the most recent page event per source and shard.",
		}, []string{"source", "shard"}),
		batchEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_batch_events_total",
			Help: "Delivery batches partitioned by source and result.",
		}, []string{"source", "result"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_batch_items_total",
			Help: "Records in delivery batches partitioned by source and result.",
		}, []string{"source", "result"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.pageEvents,
		s.pageDuration,
		s.lowStreak,
		s.batchEvents,
		s.batchItems,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StagePageDone, progress.StagePageFailed:
		s.handlePageEvent(evt)
	case progress.StageBatchDelivered:
		s.batchEvents.WithLabelValues(evt.Source, "delivered").Inc()
		s.batchItems.WithLabelValues(evt.Source, "delivered").Add(float64(evt.Items))
	case progress.StageBatchDropped:
		s.batchEvents.WithLabelValues(evt.Source, "dropped").Inc()
		s.batchItems.WithLabelValues(evt.Source, "dropped").Add(float64(evt.Items))
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	if evt.Stage == progress.StageRunStart {
		s.runsStarted.WithLabelValues(evt.Source).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		return
	}
	s.runsCompleted.WithLabelValues(evt.Source, evt.Reason).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(evt.Reason).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) handlePageEvent(evt progress.Event) {
	result := "done"
	if evt.Stage == progress.StagePageFailed {
		result = "failed"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.pageEvents.WithLabelValues(evt.Source, result, statusClass).Inc()
	s.lowStreak.WithLabelValues(evt.Source, evt.Shard).Set(float64(evt.LowStreak))
	if evt.Dur > 0 {
		s.pageDuration.WithLabelValues(evt.Source).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

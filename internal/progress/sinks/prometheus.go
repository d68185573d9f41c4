package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/article-ingest/internal/progress"
)

// PrometheusSink exports job progress via Prometheus. It owns the collectors
// for jobs started/finished/running, per-item outcomes, listing pages and
// analysis batches.
type PrometheusSink struct {
	jobsStarted  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobsRunning  *prometheus.GaugeVec
	jobRuntime   *prometheus.HistogramVec

	items        *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec
	pages        *prometheus.CounterVec
	pageItems    *prometheus.HistogramVec
	batches      *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_progress_jobs_started_total",
			Help: "Jobs that have started, by kind.",
		}, []string{"kind"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_progress_jobs_finished_total",
			Help: "Jobs that reached a terminal stage, by kind and result.",
		}, []string{"kind", "result"}),
		jobsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingest_progress_jobs_running",
			Help: "Jobs currently running, by kind.",
		}, []string{"kind"}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_progress_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"kind", "result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_progress_items_total",
			Help: "Crawled items partitioned by owner and outcome.",
		}, []string{"owner", "outcome"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_progress_item_duration_seconds",
			Help:    "Per-item fetch+validate+persist latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"owner"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_progress_pages_total",
			Help: "Listing pages processed per owner.",
		}, []string{"owner"}),
		pageItems: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_progress_page_items",
			Help:    "Items found per listing page.",
			Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
		}, []string{"owner"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_progress_batches_total",
			Help: "Analysis batches partitioned by outcome.",
		}, []string{"outcome"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.items,
		s.itemDuration,
		s.pages,
		s.pageItems,
		s.batches,
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
	case progress.StageJobStart:
		s.jobsStarted.WithLabelValues(label(evt.Kind)).Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.WithLabelValues(label(evt.Kind)).Inc()
		}
	case progress.StageJobDone, progress.StageJobError, progress.StageJobCancelled:
		s.handleTerminal(evt)
	case progress.StageItemDone:
		s.items.WithLabelValues(label(evt.Owner), string(evt.Outcome)).Inc()
		if evt.Dur > 0 {
			s.itemDuration.WithLabelValues(label(evt.Owner)).Observe(evt.Dur.Seconds())
		}
	case progress.StagePageDone:
		s.pages.WithLabelValues(label(evt.Owner)).Inc()
		s.pageItems.WithLabelValues(label(evt.Owner)).Observe(float64(evt.Items))
	case progress.StageBatchDone:
		s.batches.WithLabelValues(label(string(evt.Outcome))).Inc()
	}
}

func (s *PrometheusSink) handleTerminal(evt progress.Event) {
	result := "success"
	switch evt.Stage {
	case progress.StageJobError:
		result = "error"
	case progress.StageJobCancelled:
		result = "cancelled"
	}
	kind := label(evt.Kind)
	s.jobsFinished.WithLabelValues(kind, result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(kind, result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.WithLabelValues(kind).Dec()
	}
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

// Package crawlmetrics accumulates per-article and per-operation timings for
// one crawl run and produces immutable snapshots of them.
package crawlmetrics

import (
	"slices"
	"sort"
	"sync"
	"time"
)

// Operation names recorded by the crawl executor.
const (
	OpListingFetch   = "network_listing_fetch"
	OpArticleFetch   = "network_article_fetch"
	OpArticlePersist = "database_article_persist"
	OpArticleArchive = "network_article_archive"
)

// ItemContext marks the start of one article's processing.
type ItemContext struct {
	URL   string
	Start time.Time
}

// OperationStats aggregates one named operation.
type OperationStats struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration_ns"`
}

// Average returns TotalDuration/Count, or 0.
func (o OperationStats) Average() time.Duration {
	if o.Count == 0 {
		return 0
	}
	return o.TotalDuration / time.Duration(o.Count)
}

// Snapshot is a point-in-time copy of the accumulator.
type Snapshot struct {
	TotalArticles      int64                     `json:"total_articles"`
	SuccessfulArticles int64                     `json:"successful_articles"`
	FailedArticles     int64                     `json:"failed_articles"`
	SuccessRate        float64                   `json:"success_rate"`
	TotalNetworkTime   time.Duration             `json:"total_network_time_ns"`
	TotalDatabaseTime  time.Duration             `json:"total_database_time_ns"`
	TotalItemTime      time.Duration             `json:"total_item_time_ns"`
	// ItemDurations holds each completed item's elapsed time in completion
	// order.
	ItemDurations      []time.Duration           `json:"item_durations_ns"`
	Operations         map[string]OperationStats `json:"operations"`
}

// OperationNames returns the snapshot's operation keys in sorted order.
func (s Snapshot) OperationNames() []string {
	names := make([]string, 0, len(s.Operations))
	for name := range s.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Metrics belongs to a single crawl run. The mutex serializes the bounded item
// fan-out inside that run; it is not meant to be shared between runs.
type Metrics struct {
	mu         sync.Mutex
	now        func() time.Time
	total      int64
	successful int64
	failed     int64
	network    time.Duration
	database   time.Duration
	itemTime   time.Duration
	items      []time.Duration
	ops        map[string]*OperationStats
}

// New returns an empty accumulator.
func New() *Metrics {
	return &Metrics{now: time.Now, ops: make(map[string]*OperationStats)}
}

// StartItem opens a context for url.
func (m *Metrics) StartItem(url string) ItemContext {
	return ItemContext{URL: url, Start: m.now()}
}

// RecordNetworkOp adds d to the named bucket and the network total.
func (m *Metrics) RecordNetworkOp(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.network += d
	m.recordLocked(name, d)
}

// RecordDatabaseOp adds d to the named bucket and the database total.
func (m *Metrics) RecordDatabaseOp(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.database += d
	m.recordLocked(name, d)
}

func (m *Metrics) recordLocked(name string, d time.Duration) {
	op, ok := m.ops[name]
	if !ok {
		op = &OperationStats{}
		m.ops[name] = op
	}
	op.Count++
	op.TotalDuration += d
}

// CompleteItem closes ctx as a success or failure.
func (m *Metrics) CompleteItem(ctx ItemContext, success bool) {
	elapsed := m.now().Sub(ctx.Start)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	if success {
		m.successful++
	} else {
		m.failed++
	}
	if elapsed < 0 {
		elapsed = 0
	}
	m.itemTime += elapsed
	m.items = append(m.items, elapsed)
}

// Summary builds a fresh Snapshot.
func (m *Metrics) Summary() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make(map[string]OperationStats, len(m.ops))
	for name, op := range m.ops {
		ops[name] = *op
	}
	var rate float64
	if m.total > 0 {
		rate = float64(m.successful) / float64(m.total) * 100
	}
	return Snapshot{
		TotalArticles:      m.total,
		SuccessfulArticles: m.successful,
		FailedArticles:     m.failed,
		SuccessRate:        rate,
		TotalNetworkTime:   m.network,
		TotalDatabaseTime:  m.database,
		TotalItemTime:      m.itemTime,
		ItemDurations:      slices.Clone(m.items),
		Operations:         ops,
	}
}

// Reset clears all counters.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total, m.successful, m.failed = 0, 0, 0
	m.network, m.database, m.itemTime = 0, 0, 0
	m.items = nil
	m.ops = make(map[string]*OperationStats)
}

package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-ingest/internal/apperr"
	"github.com/JakeFAU/article-ingest/internal/crawlmetrics"
	"github.com/JakeFAU/article-ingest/internal/job"
	"github.com/JakeFAU/article-ingest/internal/metrics"
)

const defaultFinishedMetrics = 256

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Executor *Executor
	Repo     job.Repository
	Clock    job.Clock
	IDs      job.IDGenerator
	Sources  SourceRegistry
	Defaults Options
	// FinishedMetrics bounds how many completed runs keep their metrics
	// snapshot available for lookup.
	FinishedMetrics int
	Logger          *zap.Logger
}

type activeRun struct {
	tracker *job.Tracker
	cancel  context.CancelFunc
	metrics *crawlmetrics.Metrics
	done    chan struct{}
}

// Runner starts crawl jobs in the background and keeps the handles needed to
// cancel them or read their metrics.
type Runner struct {
	cfg    RunnerConfig
	logger *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	active   map[string]*activeRun
	finished *lru.Cache[string, crawlmetrics.Snapshot]
	wg       sync.WaitGroup
}

// NewRunner validates cfg and returns a Runner. Runs are detached from the
// request context that started them and live until they finish, are
// cancelled, or Shutdown is called.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Executor == nil || cfg.Repo == nil || cfg.Sources == nil {
		return nil, errors.New("crawler: executor, repository and sources are required")
	}
	if cfg.Clock == nil || cfg.IDs == nil {
		return nil, errors.New("crawler: clock and id generator are required")
	}
	if err := cfg.Defaults.Validate(); err != nil {
		return nil, err
	}
	if cfg.FinishedMetrics <= 0 {
		cfg.FinishedMetrics = defaultFinishedMetrics
	}
	finished, err := lru.New[string, crawlmetrics.Snapshot](cfg.FinishedMetrics)
	if err != nil {
		return nil, fmt.Errorf("crawler: metrics cache: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:        cfg,
		logger:     logger.Named("crawl_runner"),
		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[string]*activeRun),
		finished:   finished,
	}, nil
}

// Start creates the RUNNING record and launches the crawl. The returned record
// is the initial snapshot.
func (r *Runner) Start(ctx context.Context, crawlerID string, overrides Overrides, requestID string) (job.Record, error) {
	if crawlerID == "" {
		return job.Record{}, apperr.InvalidArgument("start crawl", "crawler id is required")
	}
	opts := overrides.Apply(r.cfg.Defaults)
	if err := opts.Validate(); err != nil {
		return job.Record{}, err
	}
	src, err := r.cfg.Sources.Lookup(crawlerID)
	if err != nil {
		return job.Record{}, err
	}
	if r.baseCtx.Err() != nil {
		return job.Record{}, apperr.ResourceExhausted("start crawl", "runner is shutting down")
	}
	jobID, err := r.cfg.IDs.NewID()
	if err != nil {
		return job.Record{}, fmt.Errorf("generate job id: %w", err)
	}
	tr, err := job.Start(ctx, r.cfg.Repo, r.cfg.Clock, job.Record{
		JobID:     jobID,
		Kind:      job.KindCrawl,
		OwnerID:   crawlerID,
		RequestID: requestID,
	}, r.logger)
	if err != nil {
		return job.Record{}, err
	}
	tr.OnTerminal(func(rec job.Record) {
		metrics.ObserveJob(string(rec.Kind), string(rec.Status))
	})

	runCtx, cancel := context.WithCancel(r.baseCtx)
	ar := &activeRun{
		tracker: tr,
		cancel:  cancel,
		metrics: crawlmetrics.New(),
		done:    make(chan struct{}),
	}
	r.mu.Lock()
	r.active[jobID] = ar
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(runCtx, ar, Run{CrawlerID: crawlerID, Source: src, Options: opts, Metrics: ar.metrics})
	return tr.Snapshot(), nil
}

func (r *Runner) run(ctx context.Context, ar *activeRun, run Run) {
	defer r.wg.Done()
	defer close(ar.done)
	defer ar.cancel()
	defer func() {
		jobID := ar.tracker.JobID()
		if rec := recover(); rec != nil {
			r.logger.Error("crawl panicked", zap.String("job_id", jobID), zap.Any("panic", rec))
			_, _ = ar.tracker.MarkFailed(context.Background(), ar.tracker.Snapshot().Counters, fmt.Sprintf("panic: %v", rec))
		}
		r.mu.Lock()
		delete(r.active, jobID)
		r.finished.Add(jobID, ar.metrics.Summary())
		r.mu.Unlock()
	}()
	r.cfg.Executor.Execute(ctx, ar.tracker, run)
}

// Cancel marks jobID CANCELLED and signals it to stop. It returns
// job.ErrNotFound when the run is not live in this process and job.ErrTerminal
// when it already finished.
func (r *Runner) Cancel(ctx context.Context, jobID string) (job.Record, error) {
	r.mu.Lock()
	ar, ok := r.active[jobID]
	r.mu.Unlock()
	if !ok {
		return job.Record{}, job.ErrNotFound
	}
	changed, err := ar.tracker.MarkCancelled(ctx)
	if err != nil {
		r.logger.Warn("persist cancellation failed", zap.String("job_id", jobID), zap.Error(err))
	}
	ar.cancel()
	if !changed {
		return ar.tracker.Snapshot(), job.ErrTerminal
	}
	return ar.tracker.Snapshot(), nil
}

// Snapshot returns the live record of an active run.
func (r *Runner) Snapshot(jobID string) (job.Record, bool) {
	r.mu.Lock()
	ar, ok := r.active[jobID]
	r.mu.Unlock()
	if !ok {
		return job.Record{}, false
	}
	return ar.tracker.Snapshot(), true
}

// Metrics returns the metrics snapshot of an active or recently finished run.
func (r *Runner) Metrics(jobID string) (crawlmetrics.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ar, ok := r.active[jobID]; ok {
		return ar.metrics.Summary(), true
	}
	return r.finished.Get(jobID)
}

// Wait blocks until jobID finishes or ctx is done. Unknown jobs return
// immediately.
func (r *Runner) Wait(ctx context.Context, jobID string) error {
	r.mu.Lock()
	ar, ok := r.active[jobID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveCount returns the number of runs in flight.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ActiveIDs returns the job ids of runs in flight.
func (r *Runner) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels every run and waits for them to record a terminal state.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.baseCancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("crawl runner shutdown: %w", ctx.Err())
	}
}

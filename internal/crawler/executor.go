package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/article-ingest/internal/apperr"
	"github.com/JakeFAU/article-ingest/internal/crawlmetrics"
	"github.com/JakeFAU/article-ingest/internal/job"
	"github.com/JakeFAU/article-ingest/internal/progress"
	"github.com/JakeFAU/article-ingest/internal/retry"
	"github.com/JakeFAU/article-ingest/internal/validator"
)

const archiveContentType = "text/html; charset=utf-8"

// ExecutorConfig wires the collaborators shared by every crawl run.
type ExecutorConfig struct {
	Fetcher Fetcher
	Store   ArticleStore
	// Blobs is optional; archiving is skipped when nil.
	Blobs      BlobStore
	BlobPrefix string
	Validator  validator.Config
	Clock      job.Clock
	IDs        job.IDGenerator
	Emitter    progress.Emitter
	Logger     *zap.Logger
}

// Executor runs the paginated crawl algorithm for one job at a time per call.
// It holds no per-run state; each Execute call builds its own.
type Executor struct {
	cfg    ExecutorConfig
	logger *zap.Logger
}

// NewExecutor validates the wiring and returns an Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("crawler: fetcher is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("crawler: article store is required")
	}
	if cfg.Clock == nil || cfg.IDs == nil {
		return nil, errors.New("crawler: clock and id generator are required")
	}
	if _, err := validator.New(cfg.Validator); err != nil {
		return nil, fmt.Errorf("crawler: %w", err)
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.NopEmitter{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{cfg: cfg, logger: logger.Named("crawler")}, nil
}

// Run is one crawl invocation.
type Run struct {
	CrawlerID string
	Source    Source
	Options   Options
	// Metrics receives item and operation timings; the caller may read
	// snapshots while the run is in flight.
	Metrics *crawlmetrics.Metrics
}

// runState is owned by one Execute call. mu serializes counter updates and
// the progress writes that follow them so progress reaches the tracker in
// completion order.
type runState struct {
	run       Run
	opts      Options
	tracker   *job.Tracker
	validator *validator.Validator
	metrics   *crawlmetrics.Metrics
	visited   visitTracker
	blocker   domainBlocker
	retry     *retry.Policy
	logger    *zap.Logger

	mu              sync.Mutex
	counters        job.Counters
	persistAttempts int64
	persistFailures int64
	abortMsg        string
	terminal        bool
}

// Execute drives tr from RUNNING to a terminal state and returns the final
// record. Cancelling ctx stops the run at the next suspension point; in-flight
// network calls finish under their own timeout.
func (e *Executor) Execute(ctx context.Context, tr *job.Tracker, run Run) job.Record {
	opts := run.Options
	if run.Metrics == nil {
		run.Metrics = crawlmetrics.New()
	}
	v, err := validator.New(e.cfg.Validator)
	if err != nil {
		e.finishFailed(ctx, tr, run, job.Counters{}, err.Error())
		return tr.Snapshot()
	}
	st := &runState{
		run:       run,
		opts:      opts,
		tracker:   tr,
		validator: v,
		metrics:   run.Metrics,
		visited:   newConcurrentVisitTracker(),
		blocker:   newThresholdDomainBlocker(opts.ForbiddenThreshold),
		retry: retry.New(retry.Config{
			MaxRetries: opts.ListingRetries,
			BaseDelay:  opts.RetryBaseDelay,
			MaxDelay:   opts.RetryMaxDelay,
		}),
		logger: e.logger.With(zap.String("job_id", tr.JobID()), zap.String("crawler_id", run.CrawlerID)),
	}
	start := e.cfg.Clock.Now()
	e.emit(st, progress.Event{Stage: progress.StageJobStart})
	st.logger.Info("crawl started", zap.Int("max_pages", opts.MaxPages),
		zap.Bool("early_termination", opts.EnableEarlyTermination), zap.Int("empty_page_threshold", opts.EmptyPageThreshold))

	emptyPages := 0
	for page := 1; ; page++ {
		if ctx.Err() != nil || st.isTerminal() {
			e.finishCancelled(ctx, st, start)
			return tr.Snapshot()
		}
		refs, err := e.fetchListing(ctx, st, page)
		if err != nil {
			if ctx.Err() != nil {
				e.finishCancelled(ctx, st, start)
				return tr.Snapshot()
			}
			msg := fmt.Sprintf("listing page %d unreachable: %v", page, err)
			st.logger.Error("listing fetch failed", zap.Int("page", page), zap.Error(err))
			e.finishFailed(ctx, tr, run, st.snapshotCounters(), msg)
			return tr.Snapshot()
		}
		if len(refs) == 0 {
			emptyPages++
		} else {
			emptyPages = 0
			e.processItems(ctx, st, page, refs)
		}

		counters, abortMsg, terminal := st.status()
		if abortMsg != "" {
			st.logger.Error("crawl aborted", zap.String("reason", abortMsg))
			e.finishFailed(ctx, tr, run, counters, abortMsg)
			return tr.Snapshot()
		}
		if terminal || ctx.Err() != nil {
			e.finishCancelled(ctx, st, start)
			return tr.Snapshot()
		}
		activity := fmt.Sprintf("Page %d done: %d items listed, %d consecutive empty pages", page, len(refs), emptyPages)
		if err := tr.UpdateProgress(ctx, job.Progress{Counters: counters, Activity: activity}); err != nil {
			if errors.Is(err, job.ErrTerminal) {
				e.finishCancelled(ctx, st, start)
				return tr.Snapshot()
			}
			st.logger.Warn("progress update failed", zap.Error(err))
		}
		e.emit(st, progress.Event{Stage: progress.StagePageDone, Page: page, Items: len(refs)})
		st.logger.Debug("page done", zap.Int("page", page), zap.Int("items", len(refs)), zap.Int("empty_pages", emptyPages))

		if page >= opts.MaxPages {
			break
		}
		if opts.EnableEarlyTermination && emptyPages >= opts.EmptyPageThreshold {
			st.logger.Info("early termination", zap.Int("page", page), zap.Int("empty_pages", emptyPages))
			break
		}
		if err := retry.Sleep(ctx, opts.PageDelay); err != nil {
			e.finishCancelled(ctx, st, start)
			return tr.Snapshot()
		}
	}

	counters := st.snapshotCounters()
	if applied, err := tr.MarkCompleted(ctx, counters); err != nil {
		st.logger.Error("mark completed failed", zap.Error(err))
	} else if applied {
		e.emit(st, progress.Event{Stage: progress.StageJobDone, Dur: e.cfg.Clock.Now().Sub(start)})
		st.logger.Info("crawl completed", zap.Int64("processed", counters.Processed),
			zap.Int64("skipped", counters.Skipped), zap.Int64("failed", counters.Failed))
	}
	return tr.Snapshot()
}

func (e *Executor) fetchListing(ctx context.Context, st *runState, page int) ([]ItemRef, error) {
	listingURL := st.run.Source.ListingURL(page)
	var resp FetchResponse
	err := st.retry.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		began := time.Now()
		resp, fetchErr = e.fetch(ctx, st.opts, listingURL)
		st.metrics.RecordNetworkOp(crawlmetrics.OpListingFetch, time.Since(began))
		return fetchErr
	}, func(attempt int, err error, wait time.Duration) {
		st.logger.Warn("listing fetch retry", zap.Int("page", page), zap.Int("attempt", attempt),
			zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	refs, err := st.run.Source.ExtractItems(resp.Body, resp.URL)
	if err != nil {
		st.logger.Warn("listing extraction failed, treating page as empty", zap.Int("page", page), zap.Error(err))
		return nil, nil
	}
	return refs, nil
}

// fetch runs a single network call detached from cancellation and bounded by
// the per-call timeout.
func (e *Executor) fetch(ctx context.Context, opts Options, url string) (FetchResponse, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.FetchTimeout)
	defer cancel()
	resp, err := e.cfg.Fetcher.Fetch(callCtx, FetchRequest{URL: url})
	if err != nil {
		return FetchResponse{}, err
	}
	if resp.StatusCode >= 400 {
		return FetchResponse{}, apperr.InvalidResponse("fetch", url, resp.StatusCode)
	}
	if resp.URL == "" {
		resp.URL = url
	}
	return resp, nil
}

func (e *Executor) processItems(ctx context.Context, st *runState, page int, refs []ItemRef) {
	var g errgroup.Group
	limit := st.opts.ItemConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, ref := range refs {
		if ctx.Err() != nil || st.stopped() {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil || st.stopped() {
				return nil
			}
			outcome, note := e.processItem(ctx, st, ref)
			e.record(ctx, st, page, ref, outcome, note)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Executor) processItem(ctx context.Context, st *runState, ref ItemRef) (progress.Outcome, string) {
	key, err := NormalizeURL(ref.URL)
	if err != nil {
		return progress.OutcomeSkipped, "unparseable item url"
	}
	if !st.visited.MarkIfNew(key) {
		return progress.OutcomeSkipped, "already visited in this run"
	}
	host := hostOf(key)
	if st.blocker.IsBlocked(host) {
		return progress.OutcomeSkipped, "host blocked after repeated 403"
	}

	item := st.metrics.StartItem(ref.URL)
	outcome, note := e.fetchAndStore(ctx, st, ref, host)
	st.metrics.CompleteItem(item, outcome == progress.OutcomeProcessed)
	return outcome, note
}

func (e *Executor) fetchAndStore(ctx context.Context, st *runState, ref ItemRef, host string) (progress.Outcome, string) {
	log := st.logger.With(zap.String("url", ref.URL))

	began := time.Now()
	resp, err := e.fetch(ctx, st.opts, ref.URL)
	st.metrics.RecordNetworkOp(crawlmetrics.OpArticleFetch, time.Since(began))
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.StatusCode == 403 && st.blocker.MarkForbidden(host) {
			log.Warn("host blocked for remainder of run", zap.String("host", host))
		}
		log.Warn("item fetch failed", zap.Error(err))
		return progress.OutcomeSkipped, err.Error()
	}

	content, err := st.run.Source.ParseItem(ref, resp.Body)
	if err != nil {
		log.Warn("item parse failed", zap.Error(err))
		return progress.OutcomeSkipped, err.Error()
	}
	if content.URL == "" {
		content.URL = resp.URL
	}
	if content.Title == "" {
		content.Title = ref.Title
	}
	valid, err := st.validator.Validate(content)
	if err != nil {
		log.Debug("item rejected by validator", zap.Error(err))
		return progress.OutcomeSkipped, err.Error()
	}
	if st.validator.IsDuplicate(valid.Fingerprint) {
		return progress.OutcomeSkipped, "duplicate fingerprint"
	}

	articleID, err := e.cfg.IDs.NewID()
	if err != nil {
		log.Error("article id generation failed", zap.Error(err))
		return progress.OutcomeFailed, err.Error()
	}
	article := Article{
		ID:          articleID,
		JobID:       st.tracker.JobID(),
		CrawlerID:   st.run.CrawlerID,
		URL:         valid.URL,
		Title:       valid.Title,
		Body:        valid.Body,
		Author:      valid.Author,
		PublishedAt: valid.PublishedAt,
		Fingerprint: valid.Fingerprint,
		FetchedAt:   e.cfg.Clock.Now(),
	}
	if st.opts.ArchiveRaw && e.cfg.Blobs != nil {
		article.BlobURI = e.archive(ctx, st, article.Fingerprint, resp.Body, log)
	}

	began = time.Now()
	err = e.save(ctx, st, article)
	st.metrics.RecordDatabaseOp(crawlmetrics.OpArticlePersist, time.Since(began))
	switch {
	case err == nil:
		st.validator.RecordSeen(valid.Fingerprint)
		return progress.OutcomeProcessed, ""
	case apperr.ReasonOf(err) == apperr.ReasonDuplicateKey:
		st.validator.RecordSeen(valid.Fingerprint)
		st.notePersist(false)
		return progress.OutcomeSkipped, "duplicate at persistence"
	default:
		log.Warn("article persist failed", zap.Error(err))
		st.notePersist(true)
		return progress.OutcomeFailed, err.Error()
	}
}

func (e *Executor) save(ctx context.Context, st *runState, article Article) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), st.opts.FetchTimeout)
	defer cancel()
	_, err := e.cfg.Store.Save(callCtx, article)
	if err == nil {
		st.notePersist(false)
	}
	return err
}

func (e *Executor) archive(ctx context.Context, st *runState, fingerprint string, body []byte, log *zap.Logger) string {
	objectPath := path.Join(e.cfg.BlobPrefix, st.run.CrawlerID, st.tracker.JobID(), fingerprint+".html")
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), st.opts.FetchTimeout)
	defer cancel()
	began := time.Now()
	uri, err := e.cfg.Blobs.PutObject(callCtx, objectPath, archiveContentType, bytes.NewReader(body))
	st.metrics.RecordNetworkOp(crawlmetrics.OpArticleArchive, time.Since(began))
	if err != nil {
		log.Warn("raw archive failed", zap.String("path", objectPath), zap.Error(err))
		return ""
	}
	return uri
}

// record folds one item outcome into the counters and reports progress.
func (e *Executor) record(ctx context.Context, st *runState, page int, ref ItemRef, outcome progress.Outcome, note string) {
	st.mu.Lock()
	switch outcome {
	case progress.OutcomeProcessed:
		st.counters.Processed++
	case progress.OutcomeSkipped:
		st.counters.Skipped++
	case progress.OutcomeFailed:
		st.counters.Failed++
	}
	counters := st.counters
	if st.abortMsg == "" && st.opts.FailureRateThreshold > 0 &&
		st.persistAttempts >= int64(st.opts.FailureRateMinItems) && st.persistAttempts > 0 {
		rate := float64(st.persistFailures) / float64(st.persistAttempts)
		if rate > st.opts.FailureRateThreshold {
			st.abortMsg = fmt.Sprintf("persistence failure rate %.0f%% exceeds %.0f%% after %d attempts",
				rate*100, st.opts.FailureRateThreshold*100, st.persistAttempts)
		}
	}
	if !st.terminal {
		activity := fmt.Sprintf("Page %d: %d processed, %d skipped, %d failed", page,
			counters.Processed, counters.Skipped, counters.Failed)
		if err := st.tracker.UpdateProgress(ctx, job.Progress{Counters: counters, Activity: activity}); err != nil {
			if errors.Is(err, job.ErrTerminal) {
				st.terminal = true
			} else {
				st.logger.Warn("progress update failed", zap.Error(err))
			}
		}
	}
	st.mu.Unlock()

	e.emit(st, progress.Event{
		Stage:     progress.StageItemDone,
		Page:      page,
		URL:       ref.URL,
		Site:      hostOf(ref.URL),
		Outcome:   outcome,
		Processed: counters.Processed,
		Skipped:   counters.Skipped,
		Failed:    counters.Failed,
		Note:      note,
	})
}

func (e *Executor) finishFailed(ctx context.Context, tr *job.Tracker, run Run, counters job.Counters, msg string) {
	applied, err := tr.MarkFailed(ctx, counters, msg)
	if err != nil {
		e.logger.Error("mark failed failed", zap.String("job_id", tr.JobID()), zap.Error(err))
	}
	if applied {
		rec := tr.Snapshot()
		e.cfg.Emitter.Emit(progress.Event{
			JobID: rec.JobID, Kind: string(job.KindCrawl), Owner: run.CrawlerID, TS: e.cfg.Clock.Now(),
			Stage: progress.StageJobError, Note: msg, Dur: rec.Elapsed(e.cfg.Clock.Now()),
			Processed: counters.Processed, Skipped: counters.Skipped, Failed: counters.Failed,
		})
	}
}

func (e *Executor) finishCancelled(ctx context.Context, st *runState, start time.Time) {
	applied, err := st.tracker.MarkCancelled(ctx)
	if err != nil {
		st.logger.Error("mark cancelled failed", zap.Error(err))
	}
	if applied {
		e.emit(st, progress.Event{Stage: progress.StageJobCancelled, Dur: e.cfg.Clock.Now().Sub(start)})
	}
	st.logger.Info("crawl cancelled")
}

func (e *Executor) emit(st *runState, evt progress.Event) {
	evt.JobID = st.tracker.JobID()
	evt.Kind = string(job.KindCrawl)
	evt.Owner = st.run.CrawlerID
	evt.TS = e.cfg.Clock.Now()
	if evt.Stage != progress.StageItemDone && evt.Stage != progress.StageJobStart {
		c := st.snapshotCounters()
		evt.Processed, evt.Skipped, evt.Failed = c.Processed, c.Skipped, c.Failed
	}
	e.cfg.Emitter.Emit(evt)
}

func (st *runState) notePersist(failed bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.persistAttempts++
	if failed {
		st.persistFailures++
	}
}

func (st *runState) snapshotCounters() job.Counters {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.counters
}

func (st *runState) status() (job.Counters, string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.counters, st.abortMsg, st.terminal
}

func (st *runState) stopped() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.abortMsg != "" || st.terminal
}

func (st *runState) isTerminal() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.terminal
}

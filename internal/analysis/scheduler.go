package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/article-ingest/internal/apperr"
	"github.com/JakeFAU/article-ingest/internal/job"
	"github.com/JakeFAU/article-ingest/internal/metrics"
	"github.com/JakeFAU/article-ingest/internal/progress"
	"github.com/JakeFAU/article-ingest/internal/retry"
)

// errBatchFailed marks a batch the remote side reported as failed. It is not
// transient and is never retried.
var errBatchFailed = errors.New("prediction batch failed")

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Config      Config
	Predictor   Predictor
	Items       ItemLoader
	Predictions PredictionStore
	Repo        job.Repository
	Clock       job.Clock
	IDs         job.IDGenerator
	Emitter     progress.Emitter
	Logger      *zap.Logger
}

type activeJob struct {
	tracker *job.Tracker
	cancel  context.CancelFunc
	done    chan struct{}
}

// Scheduler admits analysis jobs against a counting semaphore and runs each
// admitted job in its own goroutine. It never queues: a full ceiling is an
// immediate ResourceExhausted error.
type Scheduler struct {
	cfg    SchedulerConfig
	sem    *semaphore.Weighted
	retry  *retry.Policy
	logger *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	running int
	active  map[string]*activeJob
	wg      sync.WaitGroup
}

// NewScheduler validates cfg and returns a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	if cfg.Predictor == nil || cfg.Items == nil || cfg.Repo == nil {
		return nil, errors.New("analysis: predictor, item loader and repository are required")
	}
	if cfg.Clock == nil || cfg.IDs == nil {
		return nil, errors.New("analysis: clock and id generator are required")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.NopEmitter{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.Config.MaxConcurrentJobs)),
		retry: retry.New(retry.Config{
			MaxRetries: cfg.Config.MaxRetries,
			BaseDelay:  cfg.Config.BaseDelay,
			MaxDelay:   cfg.Config.MaxDelay,
		}),
		logger:     logger.Named("analysis"),
		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[string]*activeJob),
	}, nil
}

// Submit admits req and starts it asynchronously. It fails with
// ResourceExhausted when every slot is taken.
func (s *Scheduler) Submit(ctx context.Context, req Request) (job.Record, error) {
	if len(req.ItemIDs) == 0 {
		return job.Record{}, apperr.InvalidArgument("submit analysis", "at least one item id is required")
	}
	if s.baseCtx.Err() != nil {
		return job.Record{}, apperr.ResourceExhausted("submit analysis", "scheduler is shutting down")
	}
	if !s.sem.TryAcquire(1) {
		metrics.ObserveAdmission("rejected")
		return job.Record{}, apperr.ResourceExhausted("submit analysis",
			fmt.Sprintf("all %d analysis slots are in use", s.cfg.Config.MaxConcurrentJobs))
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			s.running--
			s.mu.Unlock()
			metrics.DecAnalysisRunning()
			s.sem.Release(1)
		})
	}
	s.mu.Lock()
	s.running++
	s.mu.Unlock()
	metrics.IncAnalysisRunning()

	jobID, err := s.cfg.IDs.NewID()
	if err != nil {
		release()
		return job.Record{}, fmt.Errorf("generate job id: %w", err)
	}
	owner := req.OwnerID
	if owner == "" {
		owner = jobID
	}
	tr, err := job.Start(ctx, s.cfg.Repo, s.cfg.Clock, job.Record{
		JobID:     jobID,
		Kind:      job.KindAnalysis,
		OwnerID:   owner,
		RequestID: req.RequestID,
	}, s.logger)
	if err != nil {
		release()
		return job.Record{}, err
	}
	metrics.ObserveAdmission("admitted")
	tr.OnTerminal(func(rec job.Record) {
		release()
		metrics.ObserveJob(string(rec.Kind), string(rec.Status))
	})

	runCtx, cancel := context.WithCancel(s.baseCtx)
	aj := &activeJob{tracker: tr, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.active[jobID] = aj
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx, aj, req)
	return tr.Snapshot(), nil
}

func (s *Scheduler) run(ctx context.Context, aj *activeJob, req Request) {
	defer s.wg.Done()
	defer close(aj.done)
	defer aj.cancel()
	tr := aj.tracker
	log := s.logger.With(zap.String("job_id", tr.JobID()))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("analysis panicked", zap.Any("panic", rec))
			_, _ = tr.MarkFailed(context.Background(), tr.Snapshot().Counters, fmt.Sprintf("panic: %v", rec))
		}
		s.mu.Lock()
		delete(s.active, tr.JobID())
		s.mu.Unlock()
	}()

	start := s.cfg.Clock.Now()
	s.emit(tr, req, progress.Event{Stage: progress.StageJobStart, Items: len(req.ItemIDs)})
	model := req.Model
	if model == "" {
		model = s.cfg.Config.Model
	}

	var (
		counters  job.Counters
		succeeded int
		attempted int
		lastErr   error
	)
	batches := partition(req.ItemIDs, s.cfg.Config.MaxBatchSize)
	for i, ids := range batches {
		if ctx.Err() != nil {
			s.finishCancelled(ctx, tr, req, start)
			return
		}
		items, err := s.loadItems(ctx, ids)
		if err != nil {
			log.Warn("item load failed", zap.Int("batch", i), zap.Error(err))
			counters.Failed += int64(len(ids))
			lastErr = err
			attempted++
			s.progress(ctx, tr, counters, i, len(batches))
			continue
		}
		counters.Skipped += int64(len(ids) - len(items))
		if len(items) == 0 {
			s.progress(ctx, tr, counters, i, len(batches))
			continue
		}

		attempted++
		batch := Batch{JobID: tr.JobID(), Index: i, Model: model, Items: items}
		batchStart := s.cfg.Clock.Now()
		preds, err := s.runBatch(ctx, batch, log)
		switch {
		case err == nil:
			succeeded++
			counters.Processed += int64(len(items))
			metrics.ObserveBatch("succeeded")
			s.savePredictions(ctx, preds, log)
		case ctx.Err() != nil:
			s.finishCancelled(ctx, tr, req, start)
			return
		default:
			lastErr = err
			counters.Failed += int64(len(items))
			metrics.ObserveBatch("failed")
			log.Warn("batch exhausted", zap.Int("batch", i), zap.Int("items", len(items)), zap.Error(err))
		}
		s.emit(tr, req, progress.Event{
			Stage: progress.StageBatchDone, Page: i + 1, Items: len(items),
			Dur: s.cfg.Clock.Now().Sub(batchStart), Note: errNote(err),
			Processed: counters.Processed, Skipped: counters.Skipped, Failed: counters.Failed,
		})
		if errors.Is(s.progress(ctx, tr, counters, i, len(batches)), job.ErrTerminal) {
			s.finishCancelled(ctx, tr, req, start)
			return
		}
	}

	dur := s.cfg.Clock.Now().Sub(start)
	if succeeded > 0 || attempted == 0 {
		if applied, _ := tr.MarkCompleted(ctx, counters); applied {
			log.Info("analysis completed", zap.Int("batches", len(batches)), zap.Int("succeeded", succeeded),
				zap.Int64("processed", counters.Processed), zap.Int64("failed", counters.Failed))
			s.emit(tr, req, progress.Event{Stage: progress.StageJobDone, Dur: dur,
				Processed: counters.Processed, Skipped: counters.Skipped, Failed: counters.Failed})
		}
		return
	}
	msg := fmt.Sprintf("all %d batches failed", attempted)
	if lastErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, lastErr)
	}
	if applied, _ := tr.MarkFailed(ctx, counters, msg); applied {
		log.Error("analysis failed", zap.String("reason", msg))
		s.emit(tr, req, progress.Event{Stage: progress.StageJobError, Dur: dur, Note: msg,
			Processed: counters.Processed, Skipped: counters.Skipped, Failed: counters.Failed})
	}
}

func (s *Scheduler) loadItems(ctx context.Context, ids []string) ([]Item, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Config.CallTimeout)
	defer cancel()
	return s.cfg.Items.LoadItems(callCtx, ids)
}

// runBatch submits the batch and polls it to completion, retrying the whole
// submit+poll cycle on transient failures.
func (s *Scheduler) runBatch(ctx context.Context, batch Batch, log *zap.Logger) ([]Prediction, error) {
	var preds []Prediction
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		preds, err = s.attempt(ctx, batch)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		metrics.ObserveBatchRetry()
		log.Warn("batch retry", zap.Int("batch", batch.Index), zap.Int("attempt", attempt),
			zap.Duration("wait", wait), zap.Error(err))
	})
	return preds, err
}

func (s *Scheduler) attempt(ctx context.Context, batch Batch) ([]Prediction, error) {
	batchID, err := s.call(ctx, func(callCtx context.Context) (string, error) {
		return s.cfg.Predictor.SubmitBatch(callCtx, batch)
	})
	if err != nil {
		return nil, err
	}
	for polls := 0; ; polls++ {
		res, err := s.callResult(ctx, batchID)
		if err != nil {
			return nil, err
		}
		switch res.Status {
		case BatchSucceeded:
			now := s.cfg.Clock.Now()
			for i := range res.Predictions {
				res.Predictions[i].JobID = batch.JobID
				if res.Predictions[i].Model == "" {
					res.Predictions[i].Model = batch.Model
				}
				if res.Predictions[i].CreatedAt.IsZero() {
					res.Predictions[i].CreatedAt = now
				}
			}
			return res.Predictions, nil
		case BatchFailed:
			return nil, fmt.Errorf("%w: %s", errBatchFailed, res.Error)
		}
		if limit := s.cfg.Config.MaxPolls; limit > 0 && polls+1 >= limit {
			return nil, apperr.Network(apperr.ReasonTimeout, "poll prediction batch", batchID,
				fmt.Errorf("batch not finished after %d polls", limit))
		}
		if err := retry.Sleep(ctx, s.cfg.Config.PollInterval); err != nil {
			return nil, err
		}
	}
}

// call runs one predictor call detached from cancellation and bounded by the
// per-call timeout; an in-flight call always finishes.
func (s *Scheduler) call(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Config.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

func (s *Scheduler) callResult(ctx context.Context, batchID string) (BatchResult, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Config.CallTimeout)
	defer cancel()
	return s.cfg.Predictor.BatchResult(callCtx, batchID)
}

func (s *Scheduler) savePredictions(ctx context.Context, preds []Prediction, log *zap.Logger) {
	if s.cfg.Predictions == nil || len(preds) == 0 {
		return
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Config.CallTimeout)
	defer cancel()
	if err := s.cfg.Predictions.SavePredictions(callCtx, preds); err != nil {
		log.Warn("prediction persist failed", zap.Int("predictions", len(preds)), zap.Error(err))
	}
}

func (s *Scheduler) progress(ctx context.Context, tr *job.Tracker, counters job.Counters, batch, total int) error {
	activity := fmt.Sprintf("Batch %d/%d done: %d processed, %d skipped, %d failed",
		batch+1, total, counters.Processed, counters.Skipped, counters.Failed)
	err := tr.UpdateProgress(ctx, job.Progress{Counters: counters, Activity: activity})
	if err != nil && !errors.Is(err, job.ErrTerminal) {
		s.logger.Warn("progress update failed", zap.String("job_id", tr.JobID()), zap.Error(err))
	}
	return err
}

func (s *Scheduler) finishCancelled(ctx context.Context, tr *job.Tracker, req Request, start time.Time) {
	if applied, _ := tr.MarkCancelled(ctx); applied {
		s.emit(tr, req, progress.Event{Stage: progress.StageJobCancelled, Dur: s.cfg.Clock.Now().Sub(start)})
	}
	s.logger.Info("analysis cancelled", zap.String("job_id", tr.JobID()))
}

func (s *Scheduler) emit(tr *job.Tracker, req Request, evt progress.Event) {
	evt.JobID = tr.JobID()
	evt.Kind = string(job.KindAnalysis)
	evt.Owner = req.OwnerID
	evt.TS = s.cfg.Clock.Now()
	s.cfg.Emitter.Emit(evt)
}

func errNote(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Cancel marks jobID CANCELLED and signals it to stop. It returns
// job.ErrNotFound when the job is not live in this process and job.ErrTerminal
// when it already finished.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (job.Record, error) {
	s.mu.Lock()
	aj, ok := s.active[jobID]
	s.mu.Unlock()
	if !ok {
		return job.Record{}, job.ErrNotFound
	}
	changed, err := aj.tracker.MarkCancelled(ctx)
	if err != nil {
		s.logger.Warn("persist cancellation failed", zap.String("job_id", jobID), zap.Error(err))
	}
	aj.cancel()
	if !changed {
		return aj.tracker.Snapshot(), job.ErrTerminal
	}
	return aj.tracker.Snapshot(), nil
}

// Snapshot returns the live record of an active job.
func (s *Scheduler) Snapshot(jobID string) (job.Record, bool) {
	s.mu.Lock()
	aj, ok := s.active[jobID]
	s.mu.Unlock()
	if !ok {
		return job.Record{}, false
	}
	return aj.tracker.Snapshot(), true
}

// Wait blocks until jobID finishes or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, jobID string) error {
	s.mu.Lock()
	aj, ok := s.active[jobID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-aj.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports slot usage.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	ceiling := s.cfg.Config.MaxConcurrentJobs
	return Status{Running: s.running, Ceiling: ceiling, Available: ceiling - s.running}
}

// Shutdown cancels every job and waits for them to reach a terminal state.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.baseCancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("analysis scheduler shutdown: %w", ctx.Err())
	}
}

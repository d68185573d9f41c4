// Package orchestrator is the coordination surface over the crawl runner, the
// analysis scheduler and the job repository.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-ingest/internal/analysis"
	"github.com/JakeFAU/article-ingest/internal/crawler"
	"github.com/JakeFAU/article-ingest/internal/crawlmetrics"
	"github.com/JakeFAU/article-ingest/internal/job"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// CancelOutcome reports what a cancel request did.
type CancelOutcome string

// Cancel outcomes. A job that is unknown is reported as job.ErrNotFound.
const (
	Cancelled       CancelOutcome = "cancelled"
	AlreadyTerminal CancelOutcome = "already_terminal"
)

// CrawlRunner is the part of crawler.Runner the service uses.
type CrawlRunner interface {
	Start(ctx context.Context, crawlerID string, overrides crawler.Overrides, requestID string) (job.Record, error)
	Cancel(ctx context.Context, jobID string) (job.Record, error)
	Snapshot(jobID string) (job.Record, bool)
	Metrics(jobID string) (crawlmetrics.Snapshot, bool)
	ActiveCount() int
	Shutdown(ctx context.Context) error
}

// AnalysisScheduler is the part of analysis.Scheduler the service uses.
type AnalysisScheduler interface {
	Submit(ctx context.Context, req analysis.Request) (job.Record, error)
	Cancel(ctx context.Context, jobID string) (job.Record, error)
	Snapshot(jobID string) (job.Record, bool)
	Status() analysis.Status
	Shutdown(ctx context.Context) error
}

var (
	_ CrawlRunner       = (*crawler.Runner)(nil)
	_ AnalysisScheduler = (*analysis.Scheduler)(nil)
)

// SystemStatus is the process-wide load report.
type SystemStatus struct {
	RunningCrawls int             `json:"running_crawls"`
	Analysis      analysis.Status `json:"analysis"`
}

// Service delegates to the runner, the scheduler and the repository. It holds
// no job state of its own.
type Service struct {
	crawls   CrawlRunner
	analysis AnalysisScheduler
	repo     job.Repository
	clock    job.Clock
	logger   *zap.Logger
}

// New wires a Service.
func New(crawls CrawlRunner, sched AnalysisScheduler, repo job.Repository, clock job.Clock, logger *zap.Logger) (*Service, error) {
	if crawls == nil || sched == nil || repo == nil || clock == nil {
		return nil, errors.New("orchestrator: runner, scheduler, repository and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		crawls:   crawls,
		analysis: sched,
		repo:     repo,
		clock:    clock,
		logger:   logger.Named("orchestrator"),
	}, nil
}

// StartCrawl launches a crawl and returns its initial record.
func (s *Service) StartCrawl(ctx context.Context, crawlerID string, overrides crawler.Overrides, requestID string) (job.Record, error) {
	rec, err := s.crawls.Start(ctx, crawlerID, overrides, requestID)
	if err != nil {
		return job.Record{}, err
	}
	s.logger.Info("crawl started", zap.String("job_id", rec.JobID), zap.String("crawler_id", crawlerID))
	return rec, nil
}

// StartAnalysis admits an analysis job. A full ceiling surfaces as an apperr
// ResourceExhausted error.
func (s *Service) StartAnalysis(ctx context.Context, req analysis.Request) (job.Record, error) {
	rec, err := s.analysis.Submit(ctx, req)
	if err != nil {
		return job.Record{}, err
	}
	s.logger.Info("analysis started", zap.String("job_id", rec.JobID), zap.Int("items", len(req.ItemIDs)))
	return rec, nil
}

// GetJob returns the live record when the job runs in this process, otherwise
// the stored one.
func (s *Service) GetJob(ctx context.Context, jobID string) (job.Record, error) {
	if rec, ok := s.crawls.Snapshot(jobID); ok {
		return rec, nil
	}
	if rec, ok := s.analysis.Snapshot(jobID); ok {
		return rec, nil
	}
	return s.repo.FindByJobID(ctx, jobID)
}

// Cancel stops jobID. Cancelling a terminal job reports AlreadyTerminal with
// a nil error. A RUNNING record with no live run, left by a previous process,
// is marked CANCELLED in the repository.
func (s *Service) Cancel(ctx context.Context, jobID string) (CancelOutcome, job.Record, error) {
	rec, err := s.crawls.Cancel(ctx, jobID)
	if errors.Is(err, job.ErrNotFound) {
		rec, err = s.analysis.Cancel(ctx, jobID)
	}
	switch {
	case err == nil:
		s.logger.Info("job cancelled", zap.String("job_id", jobID), zap.String("kind", string(rec.Kind)))
		return Cancelled, rec, nil
	case errors.Is(err, job.ErrTerminal):
		return AlreadyTerminal, rec, nil
	case !errors.Is(err, job.ErrNotFound):
		return "", job.Record{}, err
	}
	return s.cancelStored(ctx, jobID)
}

func (s *Service) cancelStored(ctx context.Context, jobID string) (CancelOutcome, job.Record, error) {
	rec, err := s.repo.FindByJobID(ctx, jobID)
	if err != nil {
		return "", job.Record{}, err
	}
	if rec.IsTerminal() {
		return AlreadyTerminal, rec, nil
	}
	now := s.clock.Now()
	rec.Status = job.StatusCancelled
	rec.EndTime = &now
	rec.LastUpdated = now
	rec.CurrentActivity = job.ActivityCancelled
	saved, err := s.repo.Save(ctx, rec)
	if errors.Is(err, job.ErrTerminal) {
		// The run finished elsewhere between the read and the write.
		current, findErr := s.repo.FindByJobID(ctx, jobID)
		if findErr != nil {
			return "", job.Record{}, findErr
		}
		return AlreadyTerminal, current, nil
	}
	if err != nil {
		return "", job.Record{}, fmt.Errorf("cancel orphaned job %s: %w", jobID, err)
	}
	s.logger.Warn("orphaned job cancelled", zap.String("job_id", jobID), zap.String("kind", string(rec.Kind)))
	return Cancelled, saved, nil
}

// ListJobs pages through stored records, most recent first.
func (s *Service) ListJobs(ctx context.Context, filter job.Filter, page job.PageRequest) (job.Page, error) {
	if page.Number < 1 {
		page.Number = 1
	}
	if page.Size <= 0 {
		page.Size = defaultPageSize
	}
	if page.Size > maxPageSize {
		page.Size = maxPageSize
	}
	return s.repo.List(ctx, filter, page)
}

// CrawlMetrics returns the metrics of a live or recently finished crawl.
func (s *Service) CrawlMetrics(jobID string) (crawlmetrics.Snapshot, error) {
	snap, ok := s.crawls.Metrics(jobID)
	if !ok {
		return crawlmetrics.Snapshot{}, job.ErrNotFound
	}
	return snap, nil
}

// Status reports running crawls and analysis slot usage.
func (s *Service) Status() SystemStatus {
	return SystemStatus{
		RunningCrawls: s.crawls.ActiveCount(),
		Analysis:      s.analysis.Status(),
	}
}

// Shutdown stops both executors and waits for their jobs to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	return errors.Join(s.crawls.Shutdown(ctx), s.analysis.Shutdown(ctx))
}

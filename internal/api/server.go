package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-ingest/internal/analysis"
	"github.com/JakeFAU/article-ingest/internal/clock/system"
	"github.com/JakeFAU/article-ingest/internal/crawler"
	"github.com/JakeFAU/article-ingest/internal/crawlmetrics"
	"github.com/JakeFAU/article-ingest/internal/job"
	"github.com/JakeFAU/article-ingest/internal/metrics"
	"github.com/JakeFAU/article-ingest/internal/orchestrator"
)

const defaultRequestTimeout = 60 * time.Second

// Service is the orchestration surface the handlers call.
type Service interface {
	StartCrawl(ctx context.Context, crawlerID string, overrides crawler.Overrides, requestID string) (job.Record, error)
	StartAnalysis(ctx context.Context, req analysis.Request) (job.Record, error)
	GetJob(ctx context.Context, jobID string) (job.Record, error)
	Cancel(ctx context.Context, jobID string) (orchestrator.CancelOutcome, job.Record, error)
	ListJobs(ctx context.Context, filter job.Filter, page job.PageRequest) (job.Page, error)
	CrawlMetrics(jobID string) (crawlmetrics.Snapshot, error)
	Status() orchestrator.SystemStatus
}

var _ Service = (*orchestrator.Service)(nil)

// Options configures a Server.
type Options struct {
	// APIKey enables X-API-Key authentication on /v1 routes when non-empty.
	APIKey         string
	RequestTimeout time.Duration
	// Ready reports downstream readiness for /readyz; nil is always ready.
	Ready func(ctx context.Context) error
	// Metrics serves /metrics; defaults to the Prometheus default registry.
	Metrics http.Handler
	Clock   job.Clock
}

// Server wires HTTP handlers to the orchestration service.
type Server struct {
	router chi.Router
	svc    Service
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Handler()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	s := &Server{
		svc:    svc,
		opts:   opts,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(tracingMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", opts.Metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/crawls", s.startCrawl)
		r.Post("/analyses", s.startAnalysis)
		r.Get("/system/status", s.systemStatus)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/metrics", s.jobMetrics)
				r.Post("/cancel", s.cancelJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

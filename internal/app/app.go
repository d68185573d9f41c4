// Package app builds the long-lived services from configuration and owns
// their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-ingest/internal/analysis"
	"github.com/JakeFAU/article-ingest/internal/api"
	"github.com/JakeFAU/article-ingest/internal/apperr"
	"github.com/JakeFAU/article-ingest/internal/clock/system"
	"github.com/JakeFAU/article-ingest/internal/config"
	"github.com/JakeFAU/article-ingest/internal/crawler"
	"github.com/JakeFAU/article-ingest/internal/fetcher/auto"
	collyfetcher "github.com/JakeFAU/article-ingest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/article-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/article-ingest/internal/id/uuid"
	"github.com/JakeFAU/article-ingest/internal/job"
	"github.com/JakeFAU/article-ingest/internal/metrics"
	"github.com/JakeFAU/article-ingest/internal/orchestrator"
	"github.com/JakeFAU/article-ingest/internal/predictor/httpapi"
	"github.com/JakeFAU/article-ingest/internal/progress"
	progresssinks "github.com/JakeFAU/article-ingest/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/article-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/article-ingest/internal/source/selector"
	gcsstorage "github.com/JakeFAU/article-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/article-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/article-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/article-ingest/internal/storage/postgres"
	"github.com/JakeFAU/article-ingest/internal/telemetry"
)

// ArticleStore is what both the crawl and analysis paths need from the
// article store.
type ArticleStore interface {
	crawler.ArticleStore
	analysis.ItemLoader
}

// Options carries collaborators that tests replace.
type Options struct {
	Logger *zap.Logger
	// Registerer receives the progress collectors; defaults to the
	// Prometheus default registerer.
	Registerer prometheus.Registerer
	// Publisher overrides the Pub/Sub notification publisher.
	Publisher progresssinks.Publisher
	// HTTPClient is used by the prediction client.
	HTTPClient *http.Client
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// App holds the application's wired services.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	service  *orchestrator.Service
	runner   *crawler.Runner
	jobs     job.Repository
	articles ArticleStore
	server   *api.Server
	pool     *pgxpool.Pool

	// closers run in reverse registration order.
	closers []closer
}

// New builds every dependency named by cfg. On error, whatever was already
// opened is closed.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx, opts); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			logger.Warn("cleanup after failed build", zap.Error(cerr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	a.logger.Info("building application dependencies",
		zap.Int("port", a.cfg.Server.Port),
		zap.String("storage", a.cfg.Storage.Backend),
		zap.String("blob", a.cfg.Storage.Blob),
		zap.String("fetch_mode", a.cfg.Fetch.Mode),
	)
	metrics.Init()

	if err := a.setupTracing(ctx); err != nil {
		return err
	}
	preds, err := a.setupDatabase(ctx)
	if err != nil {
		return err
	}
	blobs, err := a.setupBlobs(ctx)
	if err != nil {
		return err
	}
	fetcher, err := a.setupFetcher()
	if err != nil {
		return err
	}
	hub, err := a.setupProgress(ctx, opts)
	if err != nil {
		return err
	}
	sources, err := selector.NewRegistry(a.cfg.Sources)
	if err != nil {
		return fmt.Errorf("sources init failed: %w", err)
	}

	clock := system.New()
	ids := uuid.New()

	executor, err := crawler.NewExecutor(crawler.ExecutorConfig{
		Fetcher:    fetcher,
		Store:      a.articles,
		Blobs:      blobs,
		BlobPrefix: a.cfg.Storage.BlobPrefix,
		Validator:  a.cfg.Validator,
		Clock:      clock,
		IDs:        ids,
		Emitter:    hub,
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("crawl executor init failed: %w", err)
	}
	a.runner, err = crawler.NewRunner(crawler.RunnerConfig{
		Executor: executor,
		Repo:     a.jobs,
		Clock:    clock,
		IDs:      ids,
		Sources:  sources,
		Defaults: a.cfg.Crawler,
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("crawl runner init failed: %w", err)
	}

	predictor, err := a.setupPredictor(opts.HTTPClient)
	if err != nil {
		return err
	}
	analysisCfg := a.cfg.Analysis
	if analysisCfg.Model == "" {
		analysisCfg.Model = a.cfg.Predictor.Model
	}
	scheduler, err := analysis.NewScheduler(analysis.SchedulerConfig{
		Config:      analysisCfg,
		Predictor:   predictor,
		Items:       a.articles,
		Predictions: preds,
		Repo:        a.jobs,
		Clock:       clock,
		IDs:         ids,
		Emitter:     hub,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("analysis scheduler init failed: %w", err)
	}

	a.service, err = orchestrator.New(a.runner, scheduler, a.jobs, clock, a.logger)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	a.addCloser("executors", a.service.Shutdown)

	apiKey := ""
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	a.server = api.NewServer(a.service, api.Options{
		APIKey:         apiKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Ready:          a.ready,
		Clock:          clock,
	}, a.logger)

	a.logger.Info("application dependencies ready", zap.Strings("crawlers", sources.IDs()))
	return nil
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.addCloser("tracer", tp.Shutdown)
	return nil
}

func (a *App) setupDatabase(ctx context.Context) (analysis.PredictionStore, error) {
	if a.cfg.Storage.Backend != config.BackendPostgres {
		a.logger.Info("using in-memory record stores")
		a.jobs = memorystorage.NewJobStore()
		a.articles = memorystorage.NewArticleStore()
		return memorystorage.NewPredictionStore(), nil
	}
	pool, err := pgstore.Open(ctx, a.postgresConfig())
	if err != nil {
		return nil, fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	a.addCloser("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	if err := pgstore.EnsureSchema(ctx, pool); err != nil {
		return nil, err
	}
	jobs, err := pgstore.NewJobStore(pool)
	if err != nil {
		return nil, err
	}
	articles, err := pgstore.NewArticleStore(pool)
	if err != nil {
		return nil, err
	}
	preds, err := pgstore.NewPredictionStore(pool)
	if err != nil {
		return nil, err
	}
	a.jobs = jobs
	a.articles = articles
	a.logger.Info("using postgres record stores", zap.Int32("max_conns", a.cfg.Storage.MaxConns))
	return preds, nil
}

func (a *App) postgresConfig() pgstore.Config {
	return pgstore.Config{
		DSN:             a.cfg.Storage.DSN,
		MaxConns:        a.cfg.Storage.MaxConns,
		MinConns:        a.cfg.Storage.MinConns,
		MaxConnLifetime: a.cfg.Storage.MaxConnLifetime,
	}
}

func (a *App) setupBlobs(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Blob {
	case config.BlobGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.addCloser("gcs", func(context.Context) error { return client.Close() })
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS blob store", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case config.BlobLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BlobDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local blob store", zap.String("path", a.cfg.Storage.BlobDir))
		return store, nil
	case config.BlobMemory:
		a.logger.Info("using in-memory blob store")
		return memorystorage.NewBlobStore(), nil
	default:
		if a.cfg.Crawler.ArchiveRaw {
			a.logger.Warn("crawler.archive_raw is set but no blob store is configured")
		}
		return nil, nil
	}
}

func (a *App) setupFetcher() (crawler.Fetcher, error) {
	primary := collyfetcher.New(collyfetcher.Config{
		UserAgent:         a.cfg.Fetch.UserAgent,
		RespectRobots:     a.cfg.Fetch.RespectRobots,
		Timeout:           a.cfg.Fetch.Timeout,
		RequestsPerSecond: a.cfg.Fetch.RequestsPerSecond,
		Burst:             a.cfg.Fetch.Burst,
	}, a.logger)
	if a.cfg.Fetch.Mode == config.FetchHTTP {
		a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.Fetch.UserAgent))
		return primary, nil
	}

	hcfg := a.cfg.Fetch.Headless
	if hcfg.UserAgent == "" {
		hcfg.UserAgent = a.cfg.Fetch.UserAgent
	}
	var headless crawler.Fetcher
	chrome, err := headlessfetcher.NewChromedp(hcfg)
	if err != nil {
		if a.cfg.Fetch.Mode == config.FetchHeadless {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.logger.Warn("headless fetcher init failed; auto mode falls back to http only", zap.Error(err))
		headless = headlessfetcher.NewNoop()
	} else {
		a.addCloser("headless", func(context.Context) error {
			chrome.Close()
			return nil
		})
		headless = chrome
	}
	if a.cfg.Fetch.Mode == config.FetchHeadless {
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", hcfg.MaxParallel))
		return headless, nil
	}
	fetcher, err := auto.New(primary, headless, auto.NewHeuristic(a.cfg.Fetch.PromoteMinText), a.logger)
	if err != nil {
		return nil, fmt.Errorf("auto fetcher init failed: %w", err)
	}
	a.logger.Info("using auto fetcher", zap.Int("promote_min_text", a.cfg.Fetch.PromoteMinText))
	return fetcher, nil
}

func (a *App) setupProgress(ctx context.Context, opts Options) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinks := []progress.Sink{
		progresssinks.NewLogSink(a.logger),
		promSink,
	}

	publisher := opts.Publisher
	if publisher == nil && a.cfg.NotificationsEnabled() {
		gcp, err := gcppublisher.Connect(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.addCloser("pubsub", func(context.Context) error { return gcp.Close() })
		publisher = gcp
		a.logger.Info("Pub/Sub notifications enabled",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
	}
	if publisher != nil && a.cfg.PubSub.Topic != "" {
		notify, err := progresssinks.NewNotifySink(publisher, a.cfg.PubSub.Topic, a.logger)
		if err != nil {
			return nil, fmt.Errorf("notify sink init failed: %w", err)
		}
		sinks = append(sinks, notify)
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		Logger:         a.logger,
	}
	hub := progress.NewHub(hubCfg, sinks...)
	a.addCloser("progress hub", hub.Close)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinks)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return hub, nil
}

func (a *App) setupPredictor(client *http.Client) (analysis.Predictor, error) {
	if a.cfg.Predictor.BaseURL == "" {
		a.logger.Warn("predictor.base_url is empty; analysis jobs will fail")
		return unconfiguredPredictor{}, nil
	}
	p, err := httpapi.New(a.cfg.Predictor, client, a.logger)
	if err != nil {
		return nil, fmt.Errorf("predictor init failed: %w", err)
	}
	return p, nil
}

// unconfiguredPredictor rejects every batch without retry.
type unconfiguredPredictor struct{}

func (unconfiguredPredictor) SubmitBatch(context.Context, analysis.Batch) (string, error) {
	return "", errPredictorUnconfigured
}

func (unconfiguredPredictor) BatchResult(context.Context, string) (analysis.BatchResult, error) {
	return analysis.BatchResult{}, errPredictorUnconfigured
}

var errPredictorUnconfigured = &apperr.Error{
	Kind:   apperr.KindNetwork,
	Reason: apperr.ReasonInvalidResponse,
	Op:     "submit batch",
	Detail: "prediction service not configured",
}

func (a *App) ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Service returns the orchestration service.
func (a *App) Service() *orchestrator.Service { return a.service }

// Runner returns the crawl runner, for callers that wait on a single crawl.
func (a *App) Runner() *crawler.Runner { return a.runner }

// Articles returns the configured article store.
func (a *App) Articles() ArticleStore { return a.articles }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Serve runs the HTTP server until ctx is cancelled, then shuts it down.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return nil
}

// Close stops the executors, flushes progress sinks and releases clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// Migrate opens the configured Postgres database and applies the schema.
func Migrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.Storage.Backend != config.BackendPostgres {
		return fmt.Errorf("migrate requires storage.backend=postgres, got %q", cfg.Storage.Backend)
	}
	a := &App{cfg: cfg}
	pool, err := pgstore.Open(ctx, a.postgresConfig())
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	defer pool.Close()
	if err := pgstore.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	if logger != nil {
		logger.Info("schema applied")
	}
	return nil
}

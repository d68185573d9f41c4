// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/article-ingest/internal/analysis"
	"github.com/JakeFAU/article-ingest/internal/crawler"
	"github.com/JakeFAU/article-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/article-ingest/internal/logging"
	"github.com/JakeFAU/article-ingest/internal/predictor/httpapi"
	"github.com/JakeFAU/article-ingest/internal/source/selector"
	"github.com/JakeFAU/article-ingest/internal/telemetry"
	"github.com/JakeFAU/article-ingest/internal/validator"
)

// Fetch modes.
const (
	FetchHTTP     = "http"
	FetchHeadless = "headless"
	FetchAuto     = "auto"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Blob backends.
const (
	BlobNone   = "none"
	BlobMemory = "memory"
	BlobLocal  = "local"
	BlobGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig               `mapstructure:"server"`
	Auth      AuthConfig                 `mapstructure:"auth"`
	Logging   logging.Config             `mapstructure:"logging"`
	Crawler   crawler.Options            `mapstructure:"crawler"`
	Validator validator.Config           `mapstructure:"validator"`
	Analysis  analysis.Config            `mapstructure:"analysis"`
	Predictor httpapi.Config             `mapstructure:"predictor"`
	Fetch     FetchConfig                `mapstructure:"fetch"`
	Storage   StorageConfig              `mapstructure:"storage"`
	PubSub    PubSubConfig               `mapstructure:"pubsub"`
	Progress  ProgressConfig             `mapstructure:"progress"`
	Tracing   telemetry.Config           `mapstructure:"tracing"`
	Sources   map[string]selector.Config `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetchConfig selects and tunes the page fetcher.
type FetchConfig struct {
	Mode              string        `mapstructure:"mode"`
	UserAgent         string        `mapstructure:"user_agent"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	// PromoteMinText is the visible-text floor below which auto mode renders
	// a page headlessly.
	PromoteMinText int             `mapstructure:"promote_min_text"`
	Headless       headless.Config `mapstructure:"headless"`
}

// StorageConfig selects the record store and the raw archive.
type StorageConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Blob            string        `mapstructure:"blob"`
	BlobDir         string        `mapstructure:"blob_dir"`
	GCSBucket       string        `mapstructure:"gcs_bucket"`
	BlobPrefix      string        `mapstructure:"blob_prefix"`
}

// PubSubConfig holds the job-notification topic. An empty topic disables
// notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("logging.development", true)

	opts := crawler.DefaultOptions()
	v.SetDefault("crawler.max_pages", opts.MaxPages)
	v.SetDefault("crawler.page_delay", opts.PageDelay)
	v.SetDefault("crawler.enable_early_termination", opts.EnableEarlyTermination)
	v.SetDefault("crawler.empty_page_threshold", opts.EmptyPageThreshold)
	v.SetDefault("crawler.item_concurrency", opts.ItemConcurrency)
	v.SetDefault("crawler.failure_rate_threshold", opts.FailureRateThreshold)
	v.SetDefault("crawler.failure_rate_min_items", opts.FailureRateMinItems)
	v.SetDefault("crawler.listing_retries", opts.ListingRetries)
	v.SetDefault("crawler.retry_base_delay", opts.RetryBaseDelay)
	v.SetDefault("crawler.retry_max_delay", opts.RetryMaxDelay)
	v.SetDefault("crawler.fetch_timeout", opts.FetchTimeout)
	v.SetDefault("crawler.forbidden_threshold", opts.ForbiddenThreshold)
	v.SetDefault("crawler.archive_raw", opts.ArchiveRaw)

	v.SetDefault("validator.min_content_length", validator.DefaultMinContentLength)
	v.SetDefault("validator.max_content_length", validator.DefaultMaxContentLength)
	v.SetDefault("validator.cache_capacity", validator.DefaultCacheCapacity)
	v.SetDefault("validator.cache_ttl", 24*time.Hour)

	an := analysis.DefaultConfig()
	v.SetDefault("analysis.max_concurrent_jobs", an.MaxConcurrentJobs)
	v.SetDefault("analysis.max_batch_size", an.MaxBatchSize)
	v.SetDefault("analysis.max_retries", an.MaxRetries)
	v.SetDefault("analysis.base_delay", an.BaseDelay)
	v.SetDefault("analysis.max_delay", an.MaxDelay)
	v.SetDefault("analysis.call_timeout", an.CallTimeout)
	v.SetDefault("analysis.poll_interval", an.PollInterval)
	v.SetDefault("analysis.max_polls", an.MaxPolls)
	v.SetDefault("analysis.model", "")

	v.SetDefault("predictor.base_url", "")
	v.SetDefault("predictor.api_key", "")
	v.SetDefault("predictor.model", "")
	v.SetDefault("predictor.requests_per_second", 5)
	v.SetDefault("predictor.burst", 5)
	v.SetDefault("predictor.timeout", 60*time.Second)

	v.SetDefault("fetch.mode", FetchHTTP)
	v.SetDefault("fetch.user_agent", "article-ingest-bot/0.1")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.requests_per_second", 2)
	v.SetDefault("fetch.burst", 2)
	v.SetDefault("fetch.promote_min_text", 200)
	v.SetDefault("fetch.headless.max_parallel", 1)
	v.SetDefault("fetch.headless.navigation_timeout", 25*time.Second)
	v.SetDefault("fetch.headless.settle_delay", 500*time.Millisecond)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_conns", 10)
	v.SetDefault("storage.min_conns", 0)
	v.SetDefault("storage.max_conn_lifetime", time.Hour)
	v.SetDefault("storage.blob", BlobNone)
	v.SetDefault("storage.blob_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.blob_prefix", "raw")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "ingestd")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.Crawler.Validate(); err != nil {
		return fmt.Errorf("crawler: %w", err)
	}
	if err := c.validateValidator(); err != nil {
		return err
	}
	if err := c.Analysis.Validate(); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	if err := c.validateFetch(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return c.validateSources()
}

func (c Config) validateValidator() error {
	v := c.Validator
	if v.MinContentLength < 0 || v.MaxContentLength < 0 {
		return fmt.Errorf("validator content lengths must be >= 0")
	}
	if v.MinContentLength > 0 && v.MaxContentLength > 0 && v.MinContentLength > v.MaxContentLength {
		return fmt.Errorf("validator.min_content_length %d exceeds validator.max_content_length %d",
			v.MinContentLength, v.MaxContentLength)
	}
	if v.CacheTTL < 0 {
		return fmt.Errorf("validator.cache_ttl must be >= 0")
	}
	return nil
}

func (c Config) validateFetch() error {
	switch c.Fetch.Mode {
	case FetchHTTP, FetchHeadless, FetchAuto:
	default:
		return fmt.Errorf("fetch.mode must be one of http, headless, auto; got %q", c.Fetch.Mode)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.Mode != FetchHTTP && c.Fetch.Headless.MaxParallel <= 0 {
		return fmt.Errorf("fetch.headless.max_parallel must be > 0 when headless fetching is enabled")
	}
	return nil
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres; got %q", c.Storage.Backend)
	}
	switch c.Storage.Blob {
	case BlobNone, BlobMemory:
	case BlobLocal:
		if c.Storage.BlobDir == "" {
			return fmt.Errorf("storage.blob_dir must be set for the local blob store")
		}
	case BlobGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs blob store")
		}
	default:
		return fmt.Errorf("storage.blob must be one of none, memory, local, gcs; got %q", c.Storage.Blob)
	}
	return nil
}

func (c Config) validateSources() error {
	ids := make([]string, 0, len(c.Sources))
	for id := range c.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var errs []error
	for _, id := range ids {
		if err := c.Sources[id].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sources.%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// NotificationsEnabled reports whether terminal jobs are published.
func (c Config) NotificationsEnabled() bool {
	return c.PubSub.Topic != ""
}

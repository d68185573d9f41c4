// Package analysis schedules batch prediction jobs against an external
// prediction service under a fixed concurrency ceiling.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/article-ingest/internal/apperr"
)

// Item is one unit of content submitted for prediction.
type Item struct {
	ID   string `json:"item_id"`
	Text string `json:"text"`
}

// Batch is a bounded subset of a job's items.
type Batch struct {
	JobID string
	Index int
	Model string
	Items []Item
}

// BatchStatus is the remote state of a submitted batch.
type BatchStatus string

// Remote batch states.
const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchSucceeded BatchStatus = "succeeded"
	BatchFailed    BatchStatus = "failed"
)

// Done reports whether the remote side has finished the batch.
func (s BatchStatus) Done() bool {
	return s == BatchSucceeded || s == BatchFailed
}

// Prediction is the model output for one item.
type Prediction struct {
	JobID     string    `json:"job_id"`
	ItemID    string    `json:"item_id"`
	Label     string    `json:"label"`
	Score     float64   `json:"score"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BatchResult is the polled state of a batch.
type BatchResult struct {
	Status      BatchStatus
	Predictions []Prediction
	Error       string
}

// Predictor is the external prediction service. Implementations report
// failures with apperr Network errors so transient ones can be retried.
type Predictor interface {
	SubmitBatch(ctx context.Context, batch Batch) (string, error)
	BatchResult(ctx context.Context, batchID string) (BatchResult, error)
}

// ItemLoader resolves item ids to content. Ids that do not resolve are simply
// absent from the result.
type ItemLoader interface {
	LoadItems(ctx context.Context, ids []string) ([]Item, error)
}

// PredictionStore persists successful predictions keyed by job and item.
type PredictionStore interface {
	SavePredictions(ctx context.Context, preds []Prediction) error
}

// Request is one analysis submission.
type Request struct {
	ItemIDs   []string `json:"item_ids"`
	OwnerID   string   `json:"owner_id,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
	// Model overrides the configured prediction model.
	Model string `json:"model,omitempty"`
}

// Config tunes the scheduler.
type Config struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	MaxBatchSize      int           `mapstructure:"max_batch_size"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	// CallTimeout bounds each single call to the prediction service.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// PollInterval is the wait between result polls of a submitted batch.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxPolls bounds how long one attempt waits for a batch; zero means no
	// limit beyond cancellation.
	MaxPolls int    `mapstructure:"max_polls"`
	Model    string `mapstructure:"model"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs: 2,
		MaxBatchSize:      50,
		MaxRetries:        3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		CallTimeout:       30 * time.Second,
		PollInterval:      2 * time.Second,
		MaxPolls:          150,
	}
}

// Validate rejects settings the scheduler cannot honor.
func (c Config) Validate() error {
	const op = "validate analysis config"
	switch {
	case c.MaxConcurrentJobs < 1:
		return apperr.InvalidArgument(op, fmt.Sprintf("max_concurrent_jobs must be >= 1, got %d", c.MaxConcurrentJobs))
	case c.MaxBatchSize < 1:
		return apperr.InvalidArgument(op, fmt.Sprintf("max_batch_size must be >= 1, got %d", c.MaxBatchSize))
	case c.MaxRetries < 0:
		return apperr.InvalidArgument(op, "max_retries must be >= 0")
	case c.CallTimeout <= 0:
		return apperr.InvalidArgument(op, "call_timeout must be > 0")
	case c.PollInterval <= 0:
		return apperr.InvalidArgument(op, "poll_interval must be > 0")
	case c.MaxDelay < c.BaseDelay:
		return apperr.InvalidArgument(op, "max_delay must be >= base_delay")
	}
	return nil
}

// Status is the scheduler's admission state.
type Status struct {
	Running   int `json:"running_jobs"`
	Ceiling   int `json:"max_concurrent_jobs"`
	Available int `json:"available_slots"`
}

// partition splits ids into chunks of at most size.
func partition[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// Package retry implements jittered exponential backoff shared by listing
// fetches and prediction batches.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/article-ingest/internal/apperr"
)

// Config controls the policy. MaxRetries counts retries after the first
// attempt, so MaxRetries=3 allows four calls in total.
type Config struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// Policy decides whether and how long to wait before another attempt.
type Policy struct {
	cfg    Config
	jitter func(limit time.Duration) time.Duration
}

// New builds a Policy, filling zero delays with 250ms base / 5s cap.
func New(cfg Config) *Policy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Policy{cfg: cfg, jitter: randomJitter}
}

// MaxRetries returns the configured retry budget.
func (p *Policy) MaxRetries() int {
	return p.cfg.MaxRetries
}

// ShouldRetry reports whether err is transient and retry number attempt (1-based)
// is still within budget.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt > p.cfg.MaxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return apperr.IsTransient(err)
}

// Backoff returns the wait before retry number attempt (1-based): half of
// base*2^(attempt-1) plus up to the same again in jitter, never above MaxDelay.
// A rate-limit hint on err raises the wait to the hint, still capped.
func (p *Policy) Backoff(attempt int, err error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	half := time.Duration(delay / 2)
	wait := half + p.jitter(half)
	if hint := apperr.RetryAfterOf(err); hint > wait {
		wait = hint
	}
	if wait > p.cfg.MaxDelay {
		wait = p.cfg.MaxDelay
	}
	return wait
}

// Do calls fn until it succeeds, returns a non-retryable error, or exhausts the
// budget. Waits between attempts are cut short by ctx cancellation; onRetry,
// when set, is called before each wait.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		next := attempt + 1
		if !p.ShouldRetry(err, next) {
			return err
		}
		wait := p.Backoff(next, err)
		if onRetry != nil {
			onRetry(next, err, wait)
		}
		if sleepErr := Sleep(ctx, wait); sleepErr != nil {
			return fmt.Errorf("retry interrupted after %d attempts: %w", next, errors.Join(err, sleepErr))
		}
	}
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in that case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

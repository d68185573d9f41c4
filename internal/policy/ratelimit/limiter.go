// Package ratelimit implements per-host token buckets shared by the outbound
// HTTP clients (site fetchers and the prediction API client).
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/article-ingest/internal/metrics"
	"github.com/JakeFAU/article-ingest/internal/retry"
)

// Config holds rate limiter configuration. A non-positive RPS disables
// limiting.
type Config struct {
	RPS   float64 `mapstructure:"requests_per_second"`
	Burst int     `mapstructure:"burst"`
}

type hostState struct {
	limiter   *rate.Limiter
	notBefore time.Time
}

// Limiter manages per-host rate limits plus server-requested pauses.
type Limiter struct {
	mu    sync.Mutex
	hosts map[string]*hostState
	limit rate.Limit
	burst int
	now   func() time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		hosts: make(map[string]*hostState),
		limit: limit,
		burst: burst,
		now:   time.Now,
	}
}

// Wait blocks until rawURL's host may be called again, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	l.mu.Lock()
	st := l.stateLocked(host)
	pause := st.notBefore.Sub(l.now())
	l.mu.Unlock()

	start := time.Now()
	if pause > 0 {
		if err := retry.Sleep(ctx, pause); err != nil {
			return fmt.Errorf("rate limit pause: %w", err)
		}
	}
	if err := st.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Pause holds every call to rawURL's host for d, typically from a 429
// Retry-After header. A shorter pause never shortens an existing one.
func (l *Limiter) Pause(rawURL string, d time.Duration) {
	if d <= 0 {
		return
	}
	host := hostOf(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(host)
	if until := l.now().Add(d); until.After(st.notBefore) {
		st.notBefore = until
	}
}

func (l *Limiter) stateLocked(host string) *hostState {
	st, ok := l.hosts[host]
	if !ok {
		st = &hostState{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.hosts[host] = st
	}
	return st
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ParseRetryAfter reads a Retry-After value given as delta-seconds or an HTTP
// date. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

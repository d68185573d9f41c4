package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/article-ingest/internal/apperr"
)

func noJitter(p *Policy) *Policy {
	p.jitter = func(time.Duration) time.Duration { return 0 }
	return p
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := noJitter(New(Config{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}))
	require.Equal(t, 50*time.Millisecond, p.Backoff(1, nil))
	require.Equal(t, 100*time.Millisecond, p.Backoff(2, nil))
	require.Equal(t, 150*time.Millisecond, p.Backoff(3, nil))
	require.Equal(t, 150*time.Millisecond, p.Backoff(10, nil))

	full := New(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond})
	for attempt := 1; attempt < 8; attempt++ {
		require.LessOrEqual(t, full.Backoff(attempt, nil), 300*time.Millisecond)
	}
}

func TestBackoffHonorsRetryAfterUpToCap(t *testing.T) {
	t.Parallel()

	p := noJitter(New(Config{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}))
	limited := apperr.InvalidResponse("submit", "u", 429)
	limited.RetryAfter = 400 * time.Millisecond
	require.Equal(t, 400*time.Millisecond, p.Backoff(1, limited))

	limited.RetryAfter = time.Minute
	require.Equal(t, time.Second, p.Backoff(1, limited))
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxRetries: 2})
	transient := apperr.Network(apperr.ReasonTimeout, "fetch", "u", nil)
	require.True(t, p.ShouldRetry(transient, 1))
	require.True(t, p.ShouldRetry(transient, 2))
	require.False(t, p.ShouldRetry(transient, 3))
	require.False(t, p.ShouldRetry(apperr.InvalidResponse("fetch", "u", 404), 1))
	require.False(t, p.ShouldRetry(errors.New("plain"), 1))
	require.False(t, p.ShouldRetry(nil, 1))
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	p := noJitter(New(Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}))
	calls := 0
	var retried []int
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return apperr.InvalidResponse("submit", "u", 503)
		}
		return nil
	}, func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) })

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, retried)
}

func TestDoStopsAfterBudget(t *testing.T) {
	t.Parallel()

	p := noJitter(New(Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return apperr.Network(apperr.ReasonConnectionFailed, "fetch", "u", nil)
	}, nil)

	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, apperr.ReasonConnectionFailed, apperr.ReasonOf(err))
}

func TestDoSleepInterruptedByCancel(t *testing.T) {
	t.Parallel()

	p := noJitter(New(Config{MaxRetries: 5, BaseDelay: 10 * time.Second, MaxDelay: 10 * time.Second}))
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return apperr.Network(apperr.ReasonTimeout, "fetch", "u", nil)
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestSleep(t *testing.T) {
	t.Parallel()

	require.NoError(t, Sleep(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
}

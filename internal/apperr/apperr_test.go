package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesKindAndReason(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("save article: %w", Persistence(ReasonDuplicateKey, "insert", errors.New("23505")))

	require.ErrorIs(t, err, &Error{Kind: KindPersistence})
	require.ErrorIs(t, err, &Error{Kind: KindPersistence, Reason: ReasonDuplicateKey})
	require.NotErrorIs(t, err, &Error{Kind: KindPersistence, Reason: ReasonSaveFailed})
	require.NotErrorIs(t, err, &Error{Kind: KindNetwork})
	require.Equal(t, KindPersistence, KindOf(err))
	require.Equal(t, ReasonDuplicateKey, ReasonOf(err))
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "connection", err: Network(ReasonConnectionFailed, "fetch", "u", nil), want: true},
		{name: "timeout", err: Network(ReasonTimeout, "fetch", "u", nil), want: true},
		{name: "rate limited", err: InvalidResponse("submit", "u", 429), want: true},
		{name: "server error", err: InvalidResponse("submit", "u", 503), want: true},
		{name: "client error", err: InvalidResponse("submit", "u", 400), want: false},
		{name: "validation", err: Validation(ReasonContentTooShort, "body", ""), want: false},
		{name: "plain", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestErrorStringCarriesContext(t *testing.T) {
	t.Parallel()

	err := InvalidResponse("fetch listing", "https://example.com/news?page=2", 502)
	require.Equal(t, "fetch listing: network/invalid_response (status 502) url=https://example.com/news?page=2", err.Error())

	v := Validation(ReasonMissingField, "title", "title is empty")
	require.Equal(t, "validate content: content_validation/missing_field field=title: title is empty", v.Error())
}

func TestRetryAfterOf(t *testing.T) {
	t.Parallel()

	err := InvalidResponse("submit batch", "u", 429)
	err.RetryAfter = 2 * time.Second
	require.Equal(t, 2*time.Second, RetryAfterOf(fmt.Errorf("wrap: %w", err)))
	require.Zero(t, RetryAfterOf(errors.New("x")))
}

package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConcurrentVisitTracker(t *testing.T) {
	t.Parallel()

	tracker := newConcurrentVisitTracker()
	require.True(t, tracker.MarkIfNew("https://example.org/first"))
	require.False(t, tracker.MarkIfNew("https://example.org/first"))
	require.True(t, tracker.MarkIfNew("https://example.org/second"))
	require.False(t, tracker.MarkIfNew(""))
}

func TestThresholdDomainBlocker(t *testing.T) {
	t.Parallel()

	blocker := newThresholdDomainBlocker(2)
	require.False(t, blocker.IsBlocked("example.org"))
	require.False(t, blocker.MarkForbidden("example.org"))
	require.True(t, blocker.MarkForbidden("example.org"))
	require.True(t, blocker.IsBlocked("EXAMPLE.ORG"), "host comparison should be case-insensitive")
	require.False(t, blocker.IsBlocked(""))
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"HTTPS://Example.COM:443/news/a?b=2&a=1#top", "https://example.com/news/a?a=1&b=2"},
		{"http://example.com:80/x", "http://example.com/x"},
		{"  https://example.com/y  ", "https://example.com/y"},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	got, err := ResolveURL("https://example.com/news?page=2", "/articles/1")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/articles/1", got)

	got, err = ResolveURL("https://example.com/news/", "item")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/news/item", got)
}

package crawlmetrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsSummary(t *testing.T) {
	t.Parallel()

	m := New()
	base := time.Unix(0, 0)
	m.now = func() time.Time { return base }

	a := m.StartItem("https://example.com/a")
	require.Equal(t, "https://example.com/a", a.URL)
	m.RecordNetworkOp(OpArticleFetch, 300*time.Millisecond)
	m.RecordDatabaseOp(OpArticlePersist, 20*time.Millisecond)
	m.now = func() time.Time { return base.Add(time.Second) }
	m.CompleteItem(a, true)

	b := m.StartItem("https://example.com/b")
	m.RecordNetworkOp(OpArticleFetch, 100*time.Millisecond)
	m.CompleteItem(b, false)

	s := m.Summary()
	require.EqualValues(t, 2, s.TotalArticles)
	require.EqualValues(t, 1, s.SuccessfulArticles)
	require.EqualValues(t, 1, s.FailedArticles)
	require.InDelta(t, 50.0, s.SuccessRate, 1e-9)
	require.Equal(t, 400*time.Millisecond, s.TotalNetworkTime)
	require.Equal(t, 20*time.Millisecond, s.TotalDatabaseTime)
	require.Equal(t, time.Second, s.TotalItemTime)
	require.Equal(t, []time.Duration{time.Second, 0}, s.ItemDurations)
	require.Equal(t, OperationStats{Count: 2, TotalDuration: 400 * time.Millisecond}, s.Operations[OpArticleFetch])
	require.Equal(t, 200*time.Millisecond, s.Operations[OpArticleFetch].Average())
	require.Equal(t, []string{OpArticlePersist, OpArticleFetch}, s.OperationNames())
}

func TestSnapshotIsDetached(t *testing.T) {
	t.Parallel()

	m := New()
	m.RecordNetworkOp(OpListingFetch, time.Millisecond)
	s := m.Summary()
	m.RecordNetworkOp(OpListingFetch, time.Millisecond)
	s.Operations["other"] = OperationStats{Count: 9}

	m.CompleteItem(m.StartItem("u"), true)
	require.Empty(t, s.ItemDurations)
	require.EqualValues(t, 1, s.Operations[OpListingFetch].Count)
	require.EqualValues(t, 2, m.Summary().Operations[OpListingFetch].Count)
	require.NotContains(t, m.Summary().Operations, "other")
}

func TestMetricsEmptyAndReset(t *testing.T) {
	t.Parallel()

	m := New()
	require.Zero(t, m.Summary().SuccessRate)
	require.Zero(t, OperationStats{}.Average())

	m.CompleteItem(m.StartItem("u"), true)
	m.RecordDatabaseOp(OpArticlePersist, time.Second)
	m.Reset()

	s := m.Summary()
	require.Zero(t, s.TotalArticles)
	require.Zero(t, s.TotalDatabaseTime)
	require.Empty(t, s.ItemDurations)
	require.Empty(t, s.Operations)
}

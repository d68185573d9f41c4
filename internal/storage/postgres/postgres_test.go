package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/article-ingest/internal/analysis"
	"github.com/JakeFAU/article-ingest/internal/apperr"
	"github.com/JakeFAU/article-ingest/internal/crawler"
	"github.com/JakeFAU/article-ingest/internal/job"
)

var jobColumnNames = []string{
	"id", "job_id", "kind", "owner_id", "request_id", "status", "start_time", "last_updated", "end_time",
	"items_processed", "items_skipped", "items_failed", "current_activity", "error_message",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, EnsureSchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreSaveReturnsID(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	start := time.Unix(1700000000, 0).UTC()
	rec := job.Record{
		JobID:           "job-1",
		Kind:            job.KindCrawl,
		OwnerID:         "daily",
		RequestID:       "req-1",
		Status:          job.StatusRunning,
		StartTime:       start,
		LastUpdated:     start,
		Counters:        job.Counters{Processed: 2, Skipped: 1},
		CurrentActivity: "page 1",
	}
	mock.ExpectQuery("INSERT INTO ingest_jobs").
		WithArgs("job-1", "crawl", "daily", "req-1", "RUNNING", start, start, rec.EndTime,
			int64(2), int64(1), int64(0), "page 1", "").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	saved, err := store.Save(context.Background(), rec)
	require.NoError(t, err)
	require.EqualValues(t, 7, saved.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreSaveRefusesTerminalRow(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	start := time.Unix(1700000000, 0).UTC()
	rec := job.Record{JobID: "job-1", Kind: job.KindCrawl, Status: job.StatusRunning, StartTime: start, LastUpdated: start}
	mock.ExpectQuery(`(?s)ON CONFLICT \(job_id\) DO UPDATE SET .* WHERE ingest_jobs\.end_time IS NULL`).
		WithArgs("job-1", "crawl", "", "", "RUNNING", start, start, rec.EndTime,
			int64(0), int64(0), int64(0), "", "").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err = store.Save(context.Background(), rec)
	require.ErrorIs(t, err, job.ErrTerminal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreFind(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	start := time.Unix(1700000000, 0).UTC()
	end := start.Add(time.Minute)
	mock.ExpectQuery("FROM ingest_jobs WHERE job_id = ").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobColumnNames).AddRow(
			int64(3), "job-1", "analysis", "req", "", "COMPLETED", start, end, &end,
			int64(5), int64(0), int64(1), job.ActivityCompleted, "",
		))
	mock.ExpectQuery("FROM ingest_jobs WHERE id = ").
		WithArgs(int64(42)).
		WillReturnError(pgx.ErrNoRows)

	rec, err := store.FindByJobID(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, job.KindAnalysis, rec.Kind)
	require.Equal(t, job.StatusCompleted, rec.Status)
	require.NotNil(t, rec.EndTime)
	require.True(t, rec.EndTime.Equal(end))
	require.EqualValues(t, 6, rec.TotalAttempted())

	_, err = store.FindByID(context.Background(), 42)
	require.ErrorIs(t, err, job.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreListAppliesFilter(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	start := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(`SELECT count\(\*\) FROM ingest_jobs WHERE kind = \$1 AND status = \$2`).
		WithArgs("crawl", "RUNNING").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`ORDER BY start_time DESC, id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("crawl", "RUNNING", 2, 2).
		WillReturnRows(pgxmock.NewRows(jobColumnNames).AddRow(
			int64(1), "job-a", "crawl", "daily", "", "RUNNING", start, start, (*time.Time)(nil),
			int64(0), int64(0), int64(0), job.ActivityStarting, "",
		))

	page, err := store.List(context.Background(),
		job.Filter{Kind: job.KindCrawl, Status: job.StatusRunning},
		job.PageRequest{Number: 2, Size: 2})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Records, 1)
	require.Nil(t, page.Records[0].EndTime)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFilterClause(t *testing.T) {
	t.Parallel()

	where, args := filterClause(job.Filter{})
	require.Empty(t, where)
	require.Empty(t, args)

	where, args = filterClause(job.Filter{OwnerID: "daily"})
	require.Equal(t, " WHERE owner_id = $1", where)
	require.Equal(t, []any{"daily"}, args)
}

func TestArticleStoreMapsUniqueViolation(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewArticleStore(mock)
	require.NoError(t, err)

	fetched := time.Unix(1700000000, 0).UTC()
	article := crawler.Article{
		ID: "a1", JobID: "j", CrawlerID: "daily", URL: "https://news.test/1",
		Title: "T", Body: "B", Fingerprint: "fp", FetchedAt: fetched,
	}
	mock.ExpectExec("INSERT INTO articles").
		WithArgs("a1", "j", "daily", "https://news.test/1", "T", "B", "", article.PublishedAt, "fp", "", fetched).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO articles").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "articles_url_key"})
	mock.ExpectExec("INSERT INTO articles").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err = store.Save(context.Background(), article)
	require.NoError(t, err)

	_, err = store.Save(context.Background(), article)
	require.Equal(t, apperr.ReasonDuplicateKey, apperr.ReasonOf(err))

	_, err = store.Save(context.Background(), article)
	require.Equal(t, apperr.ReasonSaveFailed, apperr.ReasonOf(err))
	require.True(t, apperr.IsKind(err, apperr.KindPersistence))

	_, err = store.Save(context.Background(), crawler.Article{})
	require.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArticleStoreLoadItemsKeepsRequestOrder(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewArticleStore(mock)
	require.NoError(t, err)

	ids := []string{"b", "missing", "a"}
	mock.ExpectQuery("SELECT id, title, body FROM articles").
		WithArgs(ids).
		WillReturnRows(pgxmock.NewRows([]string{"id", "title", "body"}).
			AddRow("a", "Title A", "Body A").
			AddRow("b", "", "Body B"))

	items, err := store.LoadItems(context.Background(), ids)
	require.NoError(t, err)
	require.Equal(t, []analysis.Item{
		{ID: "b", Text: "Body B"},
		{ID: "a", Text: "Title A\n\nBody A"},
	}, items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPredictionStoreTransaction(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewPredictionStore(mock)
	require.NoError(t, err)

	at := time.Unix(1700000000, 0).UTC()
	preds := []analysis.Prediction{
		{JobID: "j", ItemID: "a", Label: "pos", Score: 0.9, Model: "m", CreatedAt: at},
		{JobID: "j", ItemID: "b", Label: "neg", Score: 0.2, Model: "m", CreatedAt: at},
	}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO predictions").WithArgs("j", "a", "pos", 0.9, "m", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO predictions").WithArgs("j", "b", "neg", 0.2, "m", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO predictions").WithArgs("j", "a", "pos", 0.9, "m", at).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	require.NoError(t, store.SavePredictions(context.Background(), preds))
	err = store.SavePredictions(context.Background(), preds[:1])
	require.Equal(t, apperr.ReasonSaveFailed, apperr.ReasonOf(err))
	require.NoError(t, store.SavePredictions(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConstructorsRequirePool(t *testing.T) {
	t.Parallel()

	_, err := NewJobStore(nil)
	require.Error(t, err)
	_, err = NewArticleStore(nil)
	require.Error(t, err)
	_, err = NewPredictionStore(nil)
	require.Error(t, err)
	_, err = Open(context.Background(), Config{})
	require.Error(t, err)
}

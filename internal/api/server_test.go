package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-ingest/internal/analysis"
	"github.com/JakeFAU/article-ingest/internal/apperr"
	"github.com/JakeFAU/article-ingest/internal/crawler"
	"github.com/JakeFAU/article-ingest/internal/crawlmetrics"
	"github.com/JakeFAU/article-ingest/internal/job"
	"github.com/JakeFAU/article-ingest/internal/orchestrator"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestServer_StartCrawl(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	srv := newTestServer(svc, Options{})

	body := `{"crawler_id":"news","options":{"max_pages":3,"page_delay":"250ms","enable_early_termination":false}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/crawls", bytes.NewBufferString(body))
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"job_id":"crawl-1"}`, rec.Body.String())
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Equal(t, "news", svc.lastCrawler)
	require.Equal(t, "req-42", svc.lastRequestID)
	require.Equal(t, 3, *svc.lastOverrides.MaxPages)
	require.Equal(t, 250*time.Millisecond, *svc.lastOverrides.PageDelay)
	require.False(t, *svc.lastOverrides.EnableEarlyTermination)
	require.Nil(t, svc.lastOverrides.EmptyPageThreshold)
}

func TestServer_StartCrawl_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		code int
		want string
	}{
		{name: "invalid json", body: "{invalid", code: http.StatusBadRequest, want: "invalid JSON"},
		{name: "unknown field", body: `{"crawler":"news"}`, code: http.StatusBadRequest, want: "invalid JSON"},
		{name: "missing crawler", body: `{}`, code: http.StatusBadRequest, want: "crawler_id required"},
		{name: "bad delay", body: `{"crawler_id":"news","options":{"page_delay":"soon"}}`, code: http.StatusBadRequest, want: "page_delay"},
		{name: "unknown crawler", body: `{"crawler_id":"unknown"}`, code: http.StatusNotFound, want: "not found"},
		{name: "invalid option", body: `{"crawler_id":"news","options":{"empty_page_threshold":0}}`, code: http.StatusBadRequest, want: "empty_page_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(newFakeService(), Options{})
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/crawls", bytes.NewBufferString(tt.body)))
			require.Equal(t, tt.code, rec.Code)
			require.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestServer_StartAnalysis(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	srv := newTestServer(svc, Options{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/analyses",
		bytes.NewBufferString(`{"item_ids":["a","b"],"owner_id":"team"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"job_id":"analysis-1"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/analyses", bytes.NewBufferString(`{"item_ids":[]}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	svc.full = true
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/analyses", bytes.NewBufferString(`{"item_ids":["a"]}`)))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestServer_GetJob(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	end := testNow.Add(-time.Minute)
	svc.jobs["done"] = job.Record{
		ID:        7,
		JobID:     "done",
		Kind:      job.KindCrawl,
		Status:    job.StatusCompleted,
		StartTime: testNow.Add(-3 * time.Minute),
		EndTime:   &end,
		Counters:  job.Counters{Processed: 3, Skipped: 1},
	}
	srv := newTestServer(svc, Options{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/done", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "done", got.JobID)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.EqualValues(t, 4, got.TotalAttempted)
	require.InDelta(t, 75.0, got.SuccessRate, 0.001)
	require.EqualValues(t, (2 * time.Minute).Milliseconds(), got.ElapsedMS)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_JobMetrics(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.metrics["crawl-9"] = crawlmetrics.Snapshot{TotalArticles: 5, SuccessfulArticles: 4}
	srv := newTestServer(svc, Options{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/crawl-9/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total_articles":5`)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/other/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CancelJob(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.jobs["live"] = job.Record{JobID: "live", Status: job.StatusRunning}
	svc.jobs["done"] = job.Record{JobID: "done", Status: job.StatusFailed}
	srv := newTestServer(svc, Options{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/live/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"job_id":"live","outcome":"cancelled","status":"CANCELLED"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/done/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"job_id":"done","outcome":"already_terminal","status":"FAILED"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/ghost/cancel", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListJobs(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.jobs["a"] = job.Record{JobID: "a", Kind: job.KindAnalysis, Status: job.StatusRunning, StartTime: testNow}
	srv := newTestServer(svc, Options{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/jobs?kind=analysis&status=running&owner_id=team&page=2&size=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total":1`)

	svc.mu.Lock()
	require.Equal(t, job.Filter{Kind: job.KindAnalysis, Status: job.StatusRunning, OwnerID: "team"}, svc.lastFilter)
	require.Equal(t, job.PageRequest{Number: 2, Size: 5}, svc.lastPage)
	svc.mu.Unlock()

	for _, q := range []string{"kind=batch", "status=paused", "page=0", "size=abc"} {
		rec = httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs?"+q, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestServer_SystemStatus(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newFakeService(), Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/system/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t,
		`{"running_crawls":1,"analysis":{"running_jobs":1,"max_concurrent_jobs":3,"available_slots":2}}`,
		rec.Body.String())
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newFakeService(), Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	failing := newTestServer(newFakeService(), Options{Ready: func(context.Context) error { return errors.New("db down") }})
	rec = httptest.NewRecorder()
	failing.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ingest_up 1\n"))
	})
	srv := newTestServer(newFakeService(), Options{Metrics: handler})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ingest_up 1\n", rec.Body.String())
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newFakeService(), Options{APIKey: "secret"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/system/status", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/system/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/system/status?api_key=secret", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.panicOnStatus = true
	srv := newTestServer(svc, Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/system/status", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer(newFakeService(), Options{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{err: apperr.InvalidArgument("op", "bad"), want: http.StatusBadRequest},
		{err: job.ErrNotFound, want: http.StatusNotFound},
		{err: job.ErrTerminal, want: http.StatusConflict},
		{err: apperr.ResourceExhausted("op", "full"), want: http.StatusTooManyRequests},
		{err: apperr.Network(apperr.ReasonTimeout, "op", "", nil), want: http.StatusBadGateway},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeService struct {
	mu            sync.Mutex
	jobs          map[string]job.Record
	metrics       map[string]crawlmetrics.Snapshot
	full          bool
	panicOnStatus bool

	lastCrawler   string
	lastRequestID string
	lastOverrides crawler.Overrides
	lastFilter    job.Filter
	lastPage      job.PageRequest
}

func newFakeService() *fakeService {
	return &fakeService{
		jobs:    map[string]job.Record{},
		metrics: map[string]crawlmetrics.Snapshot{},
	}
}

func (f *fakeService) StartCrawl(_ context.Context, crawlerID string, overrides crawler.Overrides, requestID string) (job.Record, error) {
	if crawlerID == "unknown" {
		return job.Record{}, &apperr.Error{Kind: apperr.KindNotFound, Op: "lookup source", Detail: "crawler not found"}
	}
	if err := overrides.Apply(crawler.DefaultOptions()).Validate(); err != nil {
		return job.Record{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCrawler = crawlerID
	f.lastRequestID = requestID
	f.lastOverrides = overrides
	return job.Record{JobID: "crawl-1", Kind: job.KindCrawl, Status: job.StatusRunning}, nil
}

func (f *fakeService) StartAnalysis(_ context.Context, _ analysis.Request) (job.Record, error) {
	if f.full {
		return job.Record{}, apperr.ResourceExhausted("submit analysis", "no slot available")
	}
	return job.Record{JobID: "analysis-1", Kind: job.KindAnalysis, Status: job.StatusRunning}, nil
}

func (f *fakeService) GetJob(_ context.Context, jobID string) (job.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.jobs[jobID]
	if !ok {
		return job.Record{}, job.ErrNotFound
	}
	return rec, nil
}

func (f *fakeService) Cancel(_ context.Context, jobID string) (orchestrator.CancelOutcome, job.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.jobs[jobID]
	if !ok {
		return "", job.Record{}, job.ErrNotFound
	}
	if rec.IsTerminal() {
		return orchestrator.AlreadyTerminal, rec, nil
	}
	rec.Status = job.StatusCancelled
	f.jobs[jobID] = rec
	return orchestrator.Cancelled, rec, nil
}

func (f *fakeService) ListJobs(_ context.Context, filter job.Filter, page job.PageRequest) (job.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	f.lastPage = page
	out := job.Page{Number: page.Number, Size: page.Size}
	for _, rec := range f.jobs {
		out.Records = append(out.Records, rec)
	}
	out.Total = len(out.Records)
	return out, nil
}

func (f *fakeService) CrawlMetrics(jobID string) (crawlmetrics.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.metrics[jobID]
	if !ok {
		return crawlmetrics.Snapshot{}, job.ErrNotFound
	}
	return snap, nil
}

func (f *fakeService) Status() orchestrator.SystemStatus {
	if f.panicOnStatus {
		panic("status exploded")
	}
	return orchestrator.SystemStatus{
		RunningCrawls: 1,
		Analysis:      analysis.Status{Running: 1, Ceiling: 3, Available: 2},
	}
}

func newTestServer(svc Service, opts Options) *Server {
	opts.Clock = fixedClock{now: testNow}
	return NewServer(svc, opts, zap.NewNop())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}

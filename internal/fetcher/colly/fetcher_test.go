package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/article-ingest/internal/apperr"
	"github.com/JakeFAU/article-ingest/internal/crawler"
)

func newSiteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, "<html><body>page %s ua=%s trace=%s</body></html>",
			r.URL.Query().Get("page"), r.UserAgent(), r.Header.Get("X-Trace"))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprint(w, "missing")
	})
	mux.HandleFunc("/private/a", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, "secret")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchReturnsBodyAndAllowsRevisit(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t)
	f := New(Config{UserAgent: "ingest-test", Timeout: 5 * time.Second}, nil)

	req := crawler.FetchRequest{URL: srv.URL + "/list?page=1", Headers: http.Header{"X-Trace": {"yes"}}}
	for range 2 {
		resp, err := f.Fetch(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, string(resp.Body), "page 1 ua=ingest-test trace=yes")
		require.Equal(t, "text/html", resp.Headers.Get("Content-Type"))
		require.Positive(t, resp.Duration)
	}
}

func TestFetchReturnsErrorStatusInResponse(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t)
	f := New(Config{}, nil)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/gone"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "missing", string(resp.Body))
}

func TestFetchRespectsRobots(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t)
	f := New(Config{RespectRobots: true}, nil)

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/private/a"})
	require.Error(t, err)
	require.Equal(t, apperr.ReasonInvalidResponse, apperr.ReasonOf(err))
	require.False(t, apperr.IsTransient(err))

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/list?page=2"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFetchConnectionFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second}, nil)
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: addr + "/x"})
	require.True(t, apperr.IsKind(err, apperr.KindNetwork))
	require.True(t, apperr.IsTransient(err))
}

func TestFetchCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{}, nil).Fetch(ctx, crawler.FetchRequest{URL: "http://127.0.0.1:1/x"})
	require.Error(t, err)
	require.True(t, apperr.IsKind(err, apperr.KindNetwork))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	req := crawler.FetchRequest{URL: "https://example.com", Headers: http.Header{"X-Trace": {"yes"}}}
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	for code, want := range map[int]string{200: "2xx", 301: "3xx", 404: "4xx", 503: "5xx", 0: "other"} {
		require.Equal(t, want, statusClass(code), code)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

package auto

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-ingest/internal/crawler"
)

// Fetcher fetches through Primary and refetches through Headless when the
// heuristic flags the response. A failed headless attempt falls back to the
// primary response.
type Fetcher struct {
	primary   crawler.Fetcher
	headless  crawler.Fetcher
	heuristic *Heuristic
	logger    *zap.Logger
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// New builds a promoting Fetcher.
func New(primary, headless crawler.Fetcher, heuristic *Heuristic, logger *zap.Logger) (*Fetcher, error) {
	if primary == nil || headless == nil {
		return nil, errors.New("auto fetcher: primary and headless fetchers are required")
	}
	if heuristic == nil {
		heuristic = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{primary: primary, headless: headless, heuristic: heuristic, logger: logger.Named("auto_fetcher")}, nil
}

// Fetch implements crawler.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	resp, err := f.primary.Fetch(ctx, request)
	if err != nil || !f.heuristic.ShouldPromote(resp) {
		return resp, err
	}
	rendered, err := f.headless.Fetch(ctx, request)
	if err != nil {
		f.logger.Warn("headless promotion failed, keeping http response",
			zap.String("url", request.URL), zap.Error(err))
		return resp, nil
	}
	rendered.UsedHeadless = true
	return rendered, nil
}

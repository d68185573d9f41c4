package headless

import (
	"context"

	"github.com/JakeFAU/article-ingest/internal/apperr"
	"github.com/JakeFAU/article-ingest/internal/crawler"
)

// Noop implements Fetcher but always fails, for deployments where no browser
// is available.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch returns a non-transient network error.
func (Noop) Fetch(_ context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	e := apperr.Network(apperr.ReasonInvalidResponse, "headless fetch", request.URL, nil)
	e.Detail = "headless fetcher not configured"
	return crawler.FetchResponse{}, e
}

package crawler

import (
	"context"
	"io"

	"github.com/JakeFAU/article-ingest/internal/validator"
)

// Fetcher fetches a URL and returns the body plus metadata. Implementations
// report failures as apperr Network errors (ConnectionFailed, Timeout,
// InvalidResponse with the status code).
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Source knows one site's listing layout. No site logic lives in the
// executor; it only asks the Source where page n is and what is on it.
type Source interface {
	ListingURL(page int) string
	ExtractItems(body []byte, pageURL string) ([]ItemRef, error)
	ParseItem(ref ItemRef, body []byte) (validator.Content, error)
}

// SourceRegistry resolves a crawler id to its Source.
type SourceRegistry interface {
	Lookup(crawlerID string) (Source, error)
}

// ArticleStore persists articles. Save reports uniqueness violations as
// apperr Persistence/DuplicateKey and other faults as SaveFailed or Network.
type ArticleStore interface {
	Save(ctx context.Context, article Article) (Article, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

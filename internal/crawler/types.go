// Package crawler drives paginated listing crawls: page-by-page listing fetch,
// per-item fetch, validation, deduplication and persistence, with early
// termination on consecutive empty pages.
package crawler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/JakeFAU/article-ingest/internal/apperr"
)

// Options tunes one crawl run.
type Options struct {
	// MaxPages is the hard page ceiling.
	MaxPages int `mapstructure:"max_pages" json:"max_pages"`
	// PageDelay is the interruptible pause between listing pages.
	PageDelay              time.Duration `mapstructure:"page_delay" json:"page_delay"`
	EnableEarlyTermination bool          `mapstructure:"enable_early_termination" json:"enable_early_termination"`
	// EmptyPageThreshold is the number of consecutive empty listing pages
	// after which the run stops when early termination is enabled.
	EmptyPageThreshold int `mapstructure:"empty_page_threshold" json:"empty_page_threshold"`
	// ItemConcurrency bounds parallel item fetches within one page.
	ItemConcurrency int `mapstructure:"item_concurrency" json:"item_concurrency"`
	// FailureRateThreshold is the fraction of persistence attempts that may
	// fail before the run is aborted. Zero disables the check.
	FailureRateThreshold float64 `mapstructure:"failure_rate_threshold" json:"failure_rate_threshold"`
	// FailureRateMinItems is the number of persistence attempts required
	// before the threshold is evaluated.
	FailureRateMinItems int `mapstructure:"failure_rate_min_items" json:"failure_rate_min_items"`
	// ListingRetries is the retry budget for transient listing failures.
	ListingRetries int           `mapstructure:"listing_retries" json:"listing_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" json:"retry_max_delay"`
	// FetchTimeout bounds each single network call.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout"`
	// ForbiddenThreshold blocks a host for the rest of the run after this many
	// 403 responses on item pages.
	ForbiddenThreshold int  `mapstructure:"forbidden_threshold" json:"forbidden_threshold"`
	ArchiveRaw         bool `mapstructure:"archive_raw" json:"archive_raw"`
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxPages:               10,
		PageDelay:              time.Second,
		EnableEarlyTermination: true,
		EmptyPageThreshold:     2,
		ItemConcurrency:        4,
		FailureRateThreshold:   0.5,
		FailureRateMinItems:    10,
		ListingRetries:         2,
		RetryBaseDelay:         250 * time.Millisecond,
		RetryMaxDelay:          5 * time.Second,
		FetchTimeout:           15 * time.Second,
		ForbiddenThreshold:     3,
	}
}

// Validate rejects settings the executor cannot honor.
func (o Options) Validate() error {
	switch {
	case o.MaxPages < 1:
		return apperr.InvalidArgument("validate crawl options", fmt.Sprintf("max_pages must be >= 1, got %d", o.MaxPages))
	case o.EmptyPageThreshold < 1:
		return apperr.InvalidArgument("validate crawl options",
			fmt.Sprintf("empty_page_threshold must be >= 1, got %d", o.EmptyPageThreshold))
	case o.PageDelay < 0:
		return apperr.InvalidArgument("validate crawl options", "page_delay must be >= 0")
	case o.FetchTimeout <= 0:
		return apperr.InvalidArgument("validate crawl options", "fetch_timeout must be > 0")
	case o.FailureRateThreshold < 0 || o.FailureRateThreshold > 1:
		return apperr.InvalidArgument("validate crawl options", "failure_rate_threshold must be within [0,1]")
	}
	return nil
}

// Overrides carries per-request changes to the configured Options.
type Overrides struct {
	MaxPages               *int           `json:"max_pages,omitempty"`
	PageDelay              *time.Duration `json:"page_delay,omitempty"`
	EnableEarlyTermination *bool          `json:"enable_early_termination,omitempty"`
	EmptyPageThreshold     *int           `json:"empty_page_threshold,omitempty"`
	ArchiveRaw             *bool          `json:"archive_raw,omitempty"`
}

// Apply returns base with every non-nil override set.
func (o Overrides) Apply(base Options) Options {
	if o.MaxPages != nil {
		base.MaxPages = *o.MaxPages
	}
	if o.PageDelay != nil {
		base.PageDelay = *o.PageDelay
	}
	if o.EnableEarlyTermination != nil {
		base.EnableEarlyTermination = *o.EnableEarlyTermination
	}
	if o.EmptyPageThreshold != nil {
		base.EmptyPageThreshold = *o.EmptyPageThreshold
	}
	if o.ArchiveRaw != nil {
		base.ArchiveRaw = *o.ArchiveRaw
	}
	return base
}

// ItemRef is one article link found on a listing page.
type ItemRef struct {
	URL string
	// Title is the listing's anchor text, used when the item page has none.
	Title string
}

// Article is the normalized record handed to the ArticleStore.
type Article struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	CrawlerID   string     `json:"crawler_id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Author      string     `json:"author,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Fingerprint string     `json:"fingerprint"`
	BlobURI     string     `json:"blob_uri,omitempty"`
	FetchedAt   time.Time  `json:"fetched_at"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

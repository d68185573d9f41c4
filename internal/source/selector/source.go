// Package selector implements crawler.Source with CSS selectors configured per
// crawler id. No site layout is hard-coded; every site is a Config.
package selector

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/article-ingest/internal/apperr"
	"github.com/JakeFAU/article-ingest/internal/crawler"
	"github.com/JakeFAU/article-ingest/internal/validator"
)

// nonContentSelectors lists elements stripped before reading body text.
const nonContentSelectors = "script, style, nav, header, footer, aside"

// Config describes one site's listing and article layout.
type Config struct {
	// ListingURL is a fmt template with one %d verb for the 1-based page.
	ListingURL   string `mapstructure:"listing_url"`
	ItemSelector string `mapstructure:"item_selector"`
	// LinkAttr is read from each item element; defaults to href.
	LinkAttr      string `mapstructure:"link_attr"`
	TitleSelector string `mapstructure:"title_selector"`
	BodySelector  string `mapstructure:"body_selector"`
	// AuthorSelector and PublishedSelector are optional.
	AuthorSelector    string `mapstructure:"author_selector"`
	PublishedSelector string `mapstructure:"published_selector"`
	// PublishedLayout is the time layout for PublishedSelector; RFC 3339 when
	// empty. A datetime attribute is preferred over element text.
	PublishedLayout string `mapstructure:"published_layout"`
}

// Validate checks the fields every site needs.
func (c Config) Validate() error {
	if strings.Count(c.ListingURL, "%d") != 1 {
		return fmt.Errorf("listing_url must contain exactly one %%d verb, got %q", c.ListingURL)
	}
	if c.ItemSelector == "" {
		return fmt.Errorf("item_selector is required")
	}
	return nil
}

// Source is a crawler.Source driven by a Config.
type Source struct {
	cfg Config
}

var _ crawler.Source = (*Source)(nil)

// New validates cfg and returns a Source.
func New(cfg Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LinkAttr == "" {
		cfg.LinkAttr = "href"
	}
	if cfg.PublishedLayout == "" {
		cfg.PublishedLayout = time.RFC3339
	}
	return &Source{cfg: cfg}, nil
}

// ListingURL implements crawler.Source.
func (s *Source) ListingURL(page int) string {
	return fmt.Sprintf(s.cfg.ListingURL, page)
}

// ExtractItems returns the resolved item links on a listing page, in document
// order, without duplicates.
func (s *Source) ExtractItems(body []byte, pageURL string) ([]crawler.ItemRef, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Validation(apperr.ReasonParsingFailed, "listing", err.Error())
	}
	seen := make(map[string]struct{})
	var refs []crawler.ItemRef
	doc.Find(s.cfg.ItemSelector).Each(func(_ int, sel *goquery.Selection) {
		link := sel
		if _, ok := sel.Attr(s.cfg.LinkAttr); !ok {
			link = sel.Find("[" + s.cfg.LinkAttr + "]").First()
		}
		href, ok := link.Attr(s.cfg.LinkAttr)
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		abs, err := crawler.ResolveURL(pageURL, strings.TrimSpace(href))
		if err != nil {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		refs = append(refs, crawler.ItemRef{URL: abs, Title: collapse(link.Text())})
	})
	return refs, nil
}

// ParseItem extracts article fields from an item page.
func (s *Source) ParseItem(ref crawler.ItemRef, body []byte) (validator.Content, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return validator.Content{}, apperr.Validation(apperr.ReasonParsingFailed, "body", err.Error())
	}
	content := validator.Content{
		URL:    ref.URL,
		Title:  s.title(doc),
		Body:   s.body(doc),
		Author: s.text(doc, s.cfg.AuthorSelector),
	}
	if content.Author == "" {
		if author, ok := doc.Find("meta[name='author']").Attr("content"); ok {
			content.Author = strings.TrimSpace(author)
		}
	}
	if canonical, ok := doc.Find("link[rel='canonical']").Attr("href"); ok && canonical != "" {
		if abs, err := crawler.ResolveURL(ref.URL, canonical); err == nil {
			content.URL = abs
		}
	}
	content.PublishedAt = s.published(doc)
	return content, nil
}

func (s *Source) title(doc *goquery.Document) string {
	if t := s.text(doc, s.cfg.TitleSelector); t != "" {
		return t
	}
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok && strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}
	return collapse(doc.Find("title").First().Text())
}

func (s *Source) body(doc *goquery.Document) string {
	selectors := []string{s.cfg.BodySelector, "article", "body"}
	for _, sel := range selectors {
		if sel == "" {
			continue
		}
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		node.Find(nonContentSelectors).Remove()
		var parts []string
		if p := node.Find("p"); p.Length() > 0 {
			p.Each(func(_ int, para *goquery.Selection) {
				if text := collapse(para.Text()); text != "" {
					parts = append(parts, text)
				}
			})
			return strings.Join(parts, "\n\n")
		}
		return collapse(node.Text())
	}
	return ""
}

func (s *Source) published(doc *goquery.Document) *time.Time {
	if s.cfg.PublishedSelector == "" {
		return nil
	}
	node := doc.Find(s.cfg.PublishedSelector).First()
	if node.Length() == 0 {
		return nil
	}
	raw, ok := node.Attr("datetime")
	if !ok {
		if raw, ok = node.Attr("content"); !ok {
			raw = node.Text()
		}
	}
	ts, err := time.Parse(s.cfg.PublishedLayout, strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	ts = ts.UTC()
	return &ts
}

func (s *Source) text(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	return collapse(doc.Find(selector).First().Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Registry maps crawler ids to Sources.
type Registry struct {
	sources map[string]crawler.Source
}

var _ crawler.SourceRegistry = (*Registry)(nil)

// NewRegistry builds a Source for every configured crawler id.
func NewRegistry(cfgs map[string]Config) (*Registry, error) {
	r := &Registry{sources: make(map[string]crawler.Source, len(cfgs))}
	for id, cfg := range cfgs {
		src, err := New(cfg)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", id, err)
		}
		r.sources[id] = src
	}
	return r, nil
}

// Register adds or replaces the Source for id.
func (r *Registry) Register(id string, src crawler.Source) {
	r.sources[id] = src
}

// Lookup implements crawler.SourceRegistry.
func (r *Registry) Lookup(crawlerID string) (crawler.Source, error) {
	src, ok := r.sources[crawlerID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, apperr.ReasonNone, "lookup source",
			fmt.Sprintf("no source configured for crawler %q", crawlerID))
	}
	return src, nil
}

// IDs returns the configured crawler ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	return ids
}

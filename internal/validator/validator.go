// Package validator checks fetched article content before persistence and
// tracks the fingerprints already seen during one crawl run.
package validator

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/JakeFAU/article-ingest/internal/apperr"
	"github.com/JakeFAU/article-ingest/internal/hash/sha256"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultMinContentLength = 200
	DefaultMaxContentLength = 200_000
	DefaultCacheCapacity    = 10_000
)

// Config bounds accepted content and sizes the fingerprint cache. A zero
// CacheTTL keeps entries until they are evicted by capacity.
type Config struct {
	MinContentLength int           `mapstructure:"min_content_length"`
	MaxContentLength int           `mapstructure:"max_content_length"`
	CacheCapacity    int           `mapstructure:"cache_capacity"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
}

func (c Config) withDefaults() Config {
	if c.MinContentLength <= 0 {
		c.MinContentLength = DefaultMinContentLength
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = DefaultMaxContentLength
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	return c
}

// Content is an article as parsed from a fetched item page.
type Content struct {
	URL         string
	Title       string
	Body        string
	Author      string
	PublishedAt *time.Time
}

// Validated is content that passed every check, plus its fingerprint.
type Validated struct {
	Content
	Fingerprint string
}

// Validator enforces length and required-field rules and keeps an advisory
// LRU of fingerprints. A cache miss never implies the content is new at the
// persistence layer.
type Validator struct {
	cfg    Config
	hasher *sha256.Hasher
	seen   *expirable.LRU[string, time.Time]
}

// New builds a Validator. Each crawl run should own its own instance.
func New(cfg Config) (*Validator, error) {
	cfg = cfg.withDefaults()
	if cfg.MinContentLength > cfg.MaxContentLength {
		return nil, fmt.Errorf("min content length %d exceeds max %d", cfg.MinContentLength, cfg.MaxContentLength)
	}
	return &Validator{
		cfg:    cfg,
		hasher: sha256.New(),
		seen:   expirable.NewLRU[string, time.Time](cfg.CacheCapacity, nil, cfg.CacheTTL),
	}, nil
}

// Validate checks required fields first, then body length in runes.
func (v *Validator) Validate(c Content) (Validated, error) {
	c.URL = strings.TrimSpace(c.URL)
	c.Title = strings.TrimSpace(c.Title)
	c.Body = strings.TrimSpace(c.Body)
	switch {
	case c.URL == "":
		return Validated{}, apperr.Validation(apperr.ReasonMissingField, "url", "url is empty")
	case c.Title == "":
		return Validated{}, apperr.Validation(apperr.ReasonMissingField, "title", "title is empty")
	case c.Body == "":
		return Validated{}, apperr.Validation(apperr.ReasonMissingField, "body", "body is empty")
	}
	n := utf8.RuneCountInString(c.Body)
	if n < v.cfg.MinContentLength {
		return Validated{}, apperr.Validation(apperr.ReasonContentTooShort, "body",
			fmt.Sprintf("%d characters, minimum %d", n, v.cfg.MinContentLength))
	}
	if n > v.cfg.MaxContentLength {
		return Validated{}, apperr.Validation(apperr.ReasonContentTooLong, "body",
			fmt.Sprintf("%d characters, maximum %d", n, v.cfg.MaxContentLength))
	}
	return Validated{Content: c, Fingerprint: v.Fingerprint(c)}, nil
}

// Fingerprint digests the normalized title and body. Normalization lowercases
// and collapses whitespace so cosmetic markup changes hash identically.
func (v *Validator) Fingerprint(c Content) string {
	return v.hasher.Sum(normalize(c.Title), normalize(c.Body))
}

// IsDuplicate reports whether fp was recorded in this run.
func (v *Validator) IsDuplicate(fp string) bool {
	return v.seen.Contains(fp)
}

// RecordSeen inserts fp with its insertion time.
func (v *Validator) RecordSeen(fp string) {
	v.seen.Add(fp, time.Now())
}

// CacheSize returns the number of live fingerprints.
func (v *Validator) CacheSize() int {
	return v.seen.Len()
}

// ClearCache drops every fingerprint.
func (v *Validator) ClearCache() {
	v.seen.Purge()
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

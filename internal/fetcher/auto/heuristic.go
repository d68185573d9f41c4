// Package auto provides a Fetcher that tries plain HTTP first and promotes a
// request to a headless browser when the response looks client-rendered.
package auto

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/article-ingest/internal/crawler"
)

const defaultMinTextLength = 200

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	// MinTextLength is the visible text size below which a page with SPA
	// markers or dense scripts is considered unrendered.
	MinTextLength int
}

// NewHeuristic creates a new detector.
func NewHeuristic(minText int) *Heuristic {
	if minText <= 0 {
		minText = defaultMinTextLength
	}
	return &Heuristic{MinTextLength: minText}
}

const spaMarkers = `#__next, #root, #app, [data-reactroot], [ng-app], [data-server-rendered]`

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != 200 {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	hasMarker := doc.Find(spaMarkers).Length() > 0
	doc.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if len(text) >= h.MinTextLength {
		return false
	}
	return hasMarker || scriptDensityHigh(body)
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}

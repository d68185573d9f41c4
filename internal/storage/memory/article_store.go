package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/article-ingest/internal/analysis"
	"github.com/JakeFAU/article-ingest/internal/apperr"
	"github.com/JakeFAU/article-ingest/internal/crawler"
)

// ArticleStore keeps articles in memory. URL and fingerprint are both unique,
// mirroring the constraints of the postgres schema.
type ArticleStore struct {
	mu            sync.RWMutex
	byID          map[string]crawler.Article
	byURL         map[string]string
	byFingerprint map[string]string
}

var (
	_ crawler.ArticleStore = (*ArticleStore)(nil)
	_ analysis.ItemLoader  = (*ArticleStore)(nil)
)

// NewArticleStore constructs an ArticleStore.
func NewArticleStore() *ArticleStore {
	return &ArticleStore{
		byID:          make(map[string]crawler.Article),
		byURL:         make(map[string]string),
		byFingerprint: make(map[string]string),
	}
}

// Save inserts article or reports a DuplicateKey persistence error.
func (s *ArticleStore) Save(_ context.Context, article crawler.Article) (crawler.Article, error) {
	if article.ID == "" {
		return crawler.Article{}, apperr.InvalidArgument("save article", "article id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byURL[article.URL]; ok {
		return crawler.Article{}, duplicate("url " + article.URL)
	}
	if article.Fingerprint != "" {
		if _, ok := s.byFingerprint[article.Fingerprint]; ok {
			return crawler.Article{}, duplicate("fingerprint " + article.Fingerprint)
		}
		s.byFingerprint[article.Fingerprint] = article.ID
	}
	s.byID[article.ID] = article
	s.byURL[article.URL] = article.ID
	return article, nil
}

func duplicate(detail string) error {
	e := apperr.Persistence(apperr.ReasonDuplicateKey, "save article", nil)
	e.Detail = detail
	return e
}

// Get returns the article with id.
func (s *ArticleStore) Get(id string) (crawler.Article, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	return a, ok
}

// ByJob returns the articles saved by jobID ordered by URL.
func (s *ArticleStore) ByJob(jobID string) []crawler.Article {
	s.mu.RLock()
	out := make([]crawler.Article, 0)
	for _, a := range s.byID {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Len returns the number of stored articles.
func (s *ArticleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// LoadItems implements analysis.ItemLoader. Unknown ids are left out.
func (s *ArticleStore) LoadItems(_ context.Context, ids []string) ([]analysis.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]analysis.Item, 0, len(ids))
	for _, id := range ids {
		a, ok := s.byID[id]
		if !ok {
			continue
		}
		items = append(items, analysis.Item{ID: a.ID, Text: ArticleText(a)})
	}
	return items, nil
}

// ArticleText is the text submitted for analysis.
func ArticleText(a crawler.Article) string {
	if a.Title == "" {
		return a.Body
	}
	return a.Title + "\n\n" + a.Body
}

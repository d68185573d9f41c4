package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/article-ingest/internal/analysis"
	"github.com/JakeFAU/article-ingest/internal/apperr"
	"github.com/JakeFAU/article-ingest/internal/crawler"
)

// ArticleStore writes articles into the articles table and serves them back
// as analysis items.
type ArticleStore struct {
	pool Pool
}

var (
	_ crawler.ArticleStore = (*ArticleStore)(nil)
	_ analysis.ItemLoader  = (*ArticleStore)(nil)
)

// NewArticleStore constructs an ArticleStore over pool.
func NewArticleStore(pool Pool) (*ArticleStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ArticleStore{pool: pool}, nil
}

// Save inserts article. Unique url or fingerprint violations surface as
// DuplicateKey.
func (s *ArticleStore) Save(ctx context.Context, a crawler.Article) (crawler.Article, error) {
	if a.ID == "" {
		return crawler.Article{}, apperr.InvalidArgument("save article", "article id is required")
	}
	const query = `
INSERT INTO articles (
	id, job_id, crawler_id, url, title, body, author, published_at, fingerprint, blob_uri, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := s.pool.Exec(ctx, query,
		a.ID,
		a.JobID,
		a.CrawlerID,
		a.URL,
		a.Title,
		a.Body,
		a.Author,
		a.PublishedAt,
		a.Fingerprint,
		a.BlobURI,
		a.FetchedAt,
	)
	if err != nil {
		return crawler.Article{}, persistenceError("save article", err)
	}
	return a, nil
}

// LoadItems implements analysis.ItemLoader. Results follow the order of ids;
// unknown ids are left out.
func (s *ArticleStore) LoadItems(ctx context.Context, ids []string) ([]analysis.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id, title, body FROM articles WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, persistenceError("load items", err)
	}
	defer rows.Close()

	found := make(map[string]string, len(ids))
	for rows.Next() {
		var id, title, body string
		if err := rows.Scan(&id, &title, &body); err != nil {
			return nil, persistenceError("scan item", err)
		}
		if title != "" {
			body = title + "\n\n" + body
		}
		found[id] = body
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("load items", err)
	}

	items := make([]analysis.Item, 0, len(found))
	for _, id := range ids {
		if text, ok := found[id]; ok {
			items = append(items, analysis.Item{ID: id, Text: text})
			delete(found, id)
		}
	}
	return items, nil
}

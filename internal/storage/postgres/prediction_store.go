package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/article-ingest/internal/analysis"
)

// PredictionStore upserts predictions keyed by (job_id, item_id).
type PredictionStore struct {
	pool Pool
}

var _ analysis.PredictionStore = (*PredictionStore)(nil)

// NewPredictionStore constructs a PredictionStore over pool.
func NewPredictionStore(pool Pool) (*PredictionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PredictionStore{pool: pool}, nil
}

// SavePredictions writes preds in one transaction.
func (s *PredictionStore) SavePredictions(ctx context.Context, preds []analysis.Prediction) error {
	if len(preds) == 0 {
		return nil
	}
	const query = `
INSERT INTO predictions (job_id, item_id, label, score, model, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (job_id, item_id) DO UPDATE SET
	label = EXCLUDED.label,
	score = EXCLUDED.score,
	model = EXCLUDED.model,
	created_at = EXCLUDED.created_at`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persistenceError("save predictions", err)
	}
	for _, p := range preds {
		if _, err := tx.Exec(ctx, query, p.JobID, p.ItemID, p.Label, p.Score, p.Model, p.CreatedAt); err != nil {
			_ = tx.Rollback(ctx)
			return persistenceError("save predictions", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return persistenceError("save predictions", err)
	}
	return nil
}

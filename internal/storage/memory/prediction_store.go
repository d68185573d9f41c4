package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/article-ingest/internal/analysis"
)

type predictionKey struct {
	jobID  string
	itemID string
}

// PredictionStore keeps predictions keyed by (job, item). A second save for the
// same key replaces the first.
type PredictionStore struct {
	mu   sync.RWMutex
	rows map[predictionKey]analysis.Prediction
}

var _ analysis.PredictionStore = (*PredictionStore)(nil)

// NewPredictionStore constructs a PredictionStore.
func NewPredictionStore() *PredictionStore {
	return &PredictionStore{rows: make(map[predictionKey]analysis.Prediction)}
}

// SavePredictions implements analysis.PredictionStore.
func (s *PredictionStore) SavePredictions(_ context.Context, preds []analysis.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range preds {
		s.rows[predictionKey{jobID: p.JobID, itemID: p.ItemID}] = p
	}
	return nil
}

// ByJob returns the predictions stored for jobID ordered by item id.
func (s *PredictionStore) ByJob(jobID string) []analysis.Prediction {
	s.mu.RLock()
	out := make([]analysis.Prediction, 0)
	for k, p := range s.rows {
		if k.jobID == jobID {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

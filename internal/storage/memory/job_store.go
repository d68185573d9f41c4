// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/article-ingest/internal/job"
)

// JobStore is an in-memory job.Repository. Reads take the read lock so status
// queries never block behind each other while a run saves its own record.
type JobStore struct {
	mu     sync.RWMutex
	nextID int64
	byJob  map[string]job.Record
	byID   map[int64]string
}

var _ job.Repository = (*JobStore)(nil)

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		byJob: make(map[string]job.Record),
		byID:  make(map[int64]string),
	}
}

// Save upserts rec keyed on JobID, assigning ID on first insert. A stored
// terminal record is never replaced; Save returns job.ErrTerminal instead.
func (s *JobStore) Save(_ context.Context, rec job.Record) (job.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byJob[rec.JobID]; ok {
		if existing.IsTerminal() {
			return job.Record{}, job.ErrTerminal
		}
		rec.ID = existing.ID
	} else {
		s.nextID++
		rec.ID = s.nextID
		s.byID[rec.ID] = rec.JobID
	}
	s.byJob[rec.JobID] = cloneRecord(rec)
	return cloneRecord(rec), nil
}

// FindByID returns the record with the storage id.
func (s *JobStore) FindByID(_ context.Context, id int64) (job.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobID, ok := s.byID[id]
	if !ok {
		return job.Record{}, job.ErrNotFound
	}
	return cloneRecord(s.byJob[jobID]), nil
}

// FindByJobID returns the record with jobID.
func (s *JobStore) FindByJobID(_ context.Context, jobID string) (job.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byJob[jobID]
	if !ok {
		return job.Record{}, job.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// List returns records matching filter, most recent first.
func (s *JobStore) List(_ context.Context, filter job.Filter, page job.PageRequest) (job.Page, error) {
	s.mu.RLock()
	matched := make([]job.Record, 0, len(s.byJob))
	for _, rec := range s.byJob {
		if filter.Kind != "" && rec.Kind != filter.Kind {
			continue
		}
		if filter.OwnerID != "" && rec.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneRecord(rec))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].StartTime.After(matched[j].StartTime)
		}
		return matched[i].ID > matched[j].ID
	})
	out := job.Page{Number: page.Number, Size: page.Size, Total: len(matched)}
	start := page.Offset()
	if start >= len(matched) {
		out.Records = []job.Record{}
		return out, nil
	}
	end := min(start+page.Size, len(matched))
	out.Records = matched[start:end]
	return out, nil
}

func cloneRecord(rec job.Record) job.Record {
	if rec.EndTime != nil {
		end := *rec.EndTime
		rec.EndTime = &end
	}
	return rec
}

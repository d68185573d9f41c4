// Package job defines the job record shared by crawl and analysis runs and the
// state machine that drives it from RUNNING to a terminal state.
package job

import (
	"context"
	"time"

	"github.com/JakeFAU/article-ingest/internal/apperr"
)

// Status represents the lifecycle state of a job.
type Status string

// Job status values persisted in the job repository.
const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Kind distinguishes the pipeline that owns a job.
type Kind string

// Job kinds.
const (
	KindCrawl    Kind = "crawl"
	KindAnalysis Kind = "analysis"
)

// Terminal activity labels.
const (
	ActivityStarting  = "Starting"
	ActivityCompleted = "Completed successfully"
	ActivityFailed    = "Failed"
	ActivityCancelled = "Cancelled"
)

var (
	// ErrNotFound signals that no record exists for the requested key.
	ErrNotFound = &apperr.Error{Kind: apperr.KindNotFound, Op: "find job", Detail: "job not found"}
	// ErrTerminal signals a mutation attempt on a finished record.
	ErrTerminal = &apperr.Error{Kind: apperr.KindAlreadyTerminal, Op: "update job", Detail: "job already terminal"}
)

// Counters are the per-run item tallies.
type Counters struct {
	Processed int64 `json:"items_processed"`
	Skipped   int64 `json:"items_skipped"`
	Failed    int64 `json:"items_failed"`
}

// Total returns processed+skipped+failed.
func (c Counters) Total() int64 {
	return c.Processed + c.Skipped + c.Failed
}

// Record is the persisted state of one crawl or analysis run.
type Record struct {
	// ID is the storage surrogate key assigned on first save.
	ID              int64      `json:"id"`
	JobID           string     `json:"job_id"`
	Kind            Kind       `json:"kind"`
	OwnerID         string     `json:"owner_id"`
	RequestID       string     `json:"request_id,omitempty"`
	Status          Status     `json:"status"`
	StartTime       time.Time  `json:"start_time"`
	LastUpdated     time.Time  `json:"last_updated"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Counters        Counters   `json:"counters"`
	CurrentActivity string     `json:"current_activity"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// IsTerminal reports whether the record reached a terminal state.
func (r Record) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Elapsed is now-start while running, else end-start.
func (r Record) Elapsed(now time.Time) time.Duration {
	if r.EndTime != nil {
		return r.EndTime.Sub(r.StartTime)
	}
	if r.StartTime.IsZero() {
		return 0
	}
	return now.Sub(r.StartTime)
}

// TotalAttempted returns processed+skipped+failed.
func (r Record) TotalAttempted() int64 {
	return r.Counters.Total()
}

// SuccessRate is processed/attempted*100, or 0 when nothing was attempted.
func (r Record) SuccessRate() float64 {
	total := r.TotalAttempted()
	if total <= 0 {
		return 0
	}
	return float64(r.Counters.Processed) / float64(total) * 100
}

// Filter narrows a List query; zero values match everything.
type Filter struct {
	Kind    Kind
	OwnerID string
	Status  Status
}

// PageRequest is a 1-based page number and page size.
type PageRequest struct {
	Number int
	Size   int
}

// Offset returns the zero-based row offset of the page.
func (p PageRequest) Offset() int {
	if p.Number <= 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// Page is one page of records, most recent first.
type Page struct {
	Records []Record `json:"records"`
	Number  int      `json:"page"`
	Size    int      `json:"size"`
	Total   int      `json:"total"`
}

// Repository persists job records. Save upserts keyed on JobID and assigns
// ID on first insert.
type Repository interface {
	Save(ctx context.Context, rec Record) (Record, error)
	FindByID(ctx context.Context, id int64) (Record, error)
	FindByJobID(ctx context.Context, jobID string) (Record, error)
	List(ctx context.Context, filter Filter, page PageRequest) (Page, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

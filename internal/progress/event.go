package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StagePageDone     Stage = "PAGE_DONE"
	StageItemDone     Stage = "ITEM_DONE"
	StageBatchDone    Stage = "BATCH_DONE"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageJobCancelled Stage = "JOB_CANCELLED"
)

// IsTerminal reports whether the stage closes a job.
func (s Stage) IsTerminal() bool {
	return s == StageJobDone || s == StageJobError || s == StageJobCancelled
}

// Outcome classifies one item or batch.
type Outcome string

// Item and batch outcomes, mirroring the job counters.
const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Event captures a single milestone of a crawl or analysis job.
type Event struct {
	// JobID identifies the job run.
	JobID string
	// Kind is "crawl" or "analysis".
	Kind string
	// Owner is the crawler id or analysis owner.
	Owner string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Site optionally scopes item events to a host label.
	Site string
	// URL is the optional item URL; it should not contain credentials.
	URL string
	// Page is the listing page number for PAGE_DONE, or the batch index for
	// BATCH_DONE.
	Page int
	// Items is the number of items found on a page or sent in a batch.
	Items   int
	Outcome Outcome
	// Dur captures item, batch or whole-job latency.
	Dur time.Duration
	// Processed, Skipped and Failed carry the job counters at emit time.
	Processed int64
	Skipped   int64
	Failed    int64
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StagePageDone, StageBatchDone, StageJobDone, StageJobError, StageJobCancelled:
	case StageItemDone:
		if e.Outcome == "" {
			return errors.New("item done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

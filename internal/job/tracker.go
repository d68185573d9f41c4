package job

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Progress is a counters snapshot plus a free-text activity description.
type Progress struct {
	Counters Counters
	Activity string
}

// TerminalHook runs exactly once, after the terminal record is saved.
type TerminalHook func(rec Record)

// Tracker owns one live Record and is the only writer to it. Every mutation is
// saved to the repository while the lock is held so writes reach storage in
// the order they were applied and the terminal write is always the last one.
type Tracker struct {
	mu     sync.Mutex
	rec    Record
	repo   Repository
	clock  Clock
	hooks  []TerminalHook
	logger *zap.Logger
}

// Start creates a RUNNING record and saves it.
func Start(ctx context.Context, repo Repository, clock Clock, rec Record, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := clock.Now()
	rec.Status = StatusRunning
	rec.StartTime = now
	rec.LastUpdated = now
	rec.EndTime = nil
	rec.ErrorMessage = ""
	rec.Counters = Counters{}
	if rec.CurrentActivity == "" {
		rec.CurrentActivity = ActivityStarting
	}
	saved, err := repo.Save(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("save new job %s: %w", rec.JobID, err)
	}
	return &Tracker{
		rec:    saved,
		repo:   repo,
		clock:  clock,
		logger: logger.With(zap.String("job_id", rec.JobID), zap.String("kind", string(rec.Kind))),
	}, nil
}

// OnTerminal registers a hook. If the record is already terminal the hook
// runs immediately.
func (t *Tracker) OnTerminal(hook TerminalHook) {
	t.mu.Lock()
	if !t.rec.IsTerminal() {
		t.hooks = append(t.hooks, hook)
		t.mu.Unlock()
		return
	}
	rec := t.rec
	t.mu.Unlock()
	hook(rec)
}

// JobID returns the identifier of the tracked record.
func (t *Tracker) JobID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec.JobID
}

// Snapshot returns a copy of the current record.
func (t *Tracker) Snapshot() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec
}

// UpdateProgress replaces counters and activity. It returns ErrTerminal
// without touching the record once a terminal state is reached.
func (t *Tracker) UpdateProgress(ctx context.Context, p Progress) error {
	t.mu.Lock()
	if t.rec.IsTerminal() {
		t.mu.Unlock()
		return ErrTerminal
	}
	t.rec.Counters = p.Counters
	if p.Activity != "" {
		t.rec.CurrentActivity = p.Activity
	}
	t.rec.LastUpdated = t.clock.Now()
	err := t.saveLocked(ctx)
	if !errors.Is(err, ErrTerminal) {
		t.mu.Unlock()
		return err
	}
	hooks := t.hooks
	t.hooks = nil
	rec := t.rec
	t.mu.Unlock()
	for _, hook := range hooks {
		hook(rec)
	}
	return ErrTerminal
}

// MarkCompleted transitions to COMPLETED with the final counters.
func (t *Tracker) MarkCompleted(ctx context.Context, counters Counters) (bool, error) {
	return t.finish(ctx, StatusCompleted, &counters, "")
}

// MarkFailed transitions to FAILED with the final counters and message.
func (t *Tracker) MarkFailed(ctx context.Context, counters Counters, message string) (bool, error) {
	return t.finish(ctx, StatusFailed, &counters, message)
}

// MarkCancelled transitions to CANCELLED keeping the last reported counters.
func (t *Tracker) MarkCancelled(ctx context.Context) (bool, error) {
	return t.finish(ctx, StatusCancelled, nil, "")
}

// finish applies a terminal transition. The first caller wins; later callers
// get (false, nil) and the record is left untouched.
func (t *Tracker) finish(ctx context.Context, status Status, counters *Counters, message string) (bool, error) {
	t.mu.Lock()
	if t.rec.IsTerminal() {
		t.mu.Unlock()
		return false, nil
	}
	now := t.clock.Now()
	t.rec.Status = status
	t.rec.EndTime = &now
	t.rec.LastUpdated = now
	if counters != nil {
		t.rec.Counters = *counters
	}
	switch status {
	case StatusCompleted:
		t.rec.CurrentActivity = ActivityCompleted
	case StatusFailed:
		t.rec.CurrentActivity = ActivityFailed
		t.rec.ErrorMessage = message
	case StatusCancelled:
		t.rec.CurrentActivity = ActivityCancelled
	}
	err := t.saveLocked(ctx)
	applied := true
	if errors.Is(err, ErrTerminal) {
		// Another writer finished the stored record first; t.rec now holds it.
		applied, err = false, nil
	}
	hooks := t.hooks
	t.hooks = nil
	rec := t.rec
	t.mu.Unlock()

	if err != nil {
		t.logger.Error("persist terminal job state failed", zap.String("status", string(status)), zap.Error(err))
	}
	for _, hook := range hooks {
		hook(rec)
	}
	return applied, err
}

// saveLocked persists t.rec. When the store refuses because the stored record
// is already terminal, t.rec is replaced by the stored copy so the run stops
// at its next checkpoint.
func (t *Tracker) saveLocked(ctx context.Context) error {
	saveCtx := context.WithoutCancel(ctx)
	saved, err := t.repo.Save(saveCtx, t.rec)
	if errors.Is(err, ErrTerminal) {
		stored, findErr := t.repo.FindByJobID(saveCtx, t.rec.JobID)
		if findErr == nil && stored.IsTerminal() {
			t.rec = stored
		} else {
			now := t.clock.Now()
			t.rec.Status = StatusCancelled
			t.rec.CurrentActivity = ActivityCancelled
			t.rec.EndTime = &now
		}
		t.logger.Warn("stored job already terminal", zap.String("job_id", t.rec.JobID), zap.String("status", string(t.rec.Status)))
		return ErrTerminal
	}
	if err != nil {
		return fmt.Errorf("save job %s: %w", t.rec.JobID, err)
	}
	t.rec.ID = saved.ID
	return nil
}

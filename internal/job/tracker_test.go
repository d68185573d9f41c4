package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTrackerLifecycleCompleted(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	tr, err := Start(context.Background(), repo, clock, Record{JobID: "job-1", Kind: KindCrawl, OwnerID: "daily"}, zap.NewNop())
	require.NoError(t, err)

	rec := tr.Snapshot()
	require.Equal(t, StatusRunning, rec.Status)
	require.Equal(t, ActivityStarting, rec.CurrentActivity)
	require.Nil(t, rec.EndTime)
	require.EqualValues(t, 1, rec.ID)

	clock.advance(2 * time.Second)
	require.NoError(t, tr.UpdateProgress(context.Background(), Progress{
		Counters: Counters{Processed: 3, Skipped: 1},
		Activity: "page 1",
	}))
	require.Equal(t, "page 1", repo.last("job-1").CurrentActivity)

	clock.advance(3 * time.Second)
	applied, err := tr.MarkCompleted(context.Background(), Counters{Processed: 4, Skipped: 1})
	require.NoError(t, err)
	require.True(t, applied)

	final := repo.last("job-1")
	require.Equal(t, StatusCompleted, final.Status)
	require.Equal(t, ActivityCompleted, final.CurrentActivity)
	require.NotNil(t, final.EndTime)
	require.Equal(t, 5*time.Second, final.Elapsed(clock.Now().Add(time.Hour)))
	require.EqualValues(t, 5, final.TotalAttempted())
	require.InDelta(t, 80.0, final.SuccessRate(), 1e-9)
}

func TestTrackerTerminalStateIsFrozen(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		finish func(*Tracker) (bool, error)
		status Status
		label  string
	}{
		{
			name:   "completed",
			finish: func(tr *Tracker) (bool, error) { return tr.MarkCompleted(context.Background(), Counters{Processed: 2}) },
			status: StatusCompleted,
			label:  ActivityCompleted,
		},
		{
			name:   "failed",
			finish: func(tr *Tracker) (bool, error) { return tr.MarkFailed(context.Background(), Counters{Processed: 2}, "listing down") },
			status: StatusFailed,
			label:  ActivityFailed,
		},
		{
			name:   "cancelled",
			finish: func(tr *Tracker) (bool, error) { return tr.MarkCancelled(context.Background()) },
			status: StatusCancelled,
			label:  ActivityCancelled,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			repo := newFakeRepo()
			clock := &fakeClock{now: time.Unix(0, 0).UTC()}
			tr, err := Start(context.Background(), repo, clock, Record{JobID: "job", Kind: KindAnalysis}, nil)
			require.NoError(t, err)
			require.NoError(t, tr.UpdateProgress(context.Background(), Progress{Counters: Counters{Processed: 2}}))

			applied, err := tc.finish(tr)
			require.NoError(t, err)
			require.True(t, applied)
			before := tr.Snapshot()
			require.NotNil(t, before.EndTime)
			saves := repo.saveCount()

			err = tr.UpdateProgress(context.Background(), Progress{Counters: Counters{Processed: 99, Failed: 7}, Activity: "late"})
			require.ErrorIs(t, err, ErrTerminal)

			again, err := tr.MarkFailed(context.Background(), Counters{Failed: 100}, "second")
			require.NoError(t, err)
			require.False(t, again)

			after := tr.Snapshot()
			require.Equal(t, before, after)
			require.Equal(t, tc.status, after.Status)
			require.Equal(t, tc.label, after.CurrentActivity)
			require.Equal(t, saves, repo.saveCount())
			if tc.status == StatusFailed {
				require.Equal(t, "listing down", after.ErrorMessage)
			} else {
				require.Empty(t, after.ErrorMessage)
			}
		})
	}
}

func TestTrackerTerminalHookRunsOnceUnderRace(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	tr, err := Start(context.Background(), repo, &fakeClock{now: time.Now()}, Record{JobID: "race"}, nil)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		calls int
	)
	tr.OnTerminal(func(Record) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = tr.MarkCancelled(context.Background())
				return
			}
			_, _ = tr.MarkCompleted(context.Background(), Counters{Processed: 1})
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
	require.True(t, tr.Snapshot().IsTerminal())
}

func TestTrackerOnTerminalAfterFinishRunsImmediately(t *testing.T) {
	t.Parallel()

	tr, err := Start(context.Background(), newFakeRepo(), &fakeClock{now: time.Now()}, Record{JobID: "late-hook"}, nil)
	require.NoError(t, err)
	_, err = tr.MarkCancelled(context.Background())
	require.NoError(t, err)

	var got Status
	tr.OnTerminal(func(rec Record) { got = rec.Status })
	require.Equal(t, StatusCancelled, got)
}

func TestStartPropagatesSaveError(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.err = errors.New("db down")
	_, err := Start(context.Background(), repo, &fakeClock{now: time.Now()}, Record{JobID: "x"}, nil)
	require.ErrorContains(t, err, "db down")
}

func TestRecordDerivedFields(t *testing.T) {
	t.Parallel()

	start := time.Unix(100, 0)
	rec := Record{Status: StatusRunning, StartTime: start}
	require.Zero(t, rec.SuccessRate())
	require.Equal(t, 7*time.Second, rec.Elapsed(start.Add(7*time.Second)))

	rec.Counters = Counters{Skipped: 4}
	require.Zero(t, rec.SuccessRate())
	rec.Counters = Counters{Processed: 4}
	require.InDelta(t, 100.0, rec.SuccessRate(), 1e-9)

	require.Equal(t, 0, PageRequest{Number: 1, Size: 20}.Offset())
	require.Equal(t, 40, PageRequest{Number: 3, Size: 20}.Offset())
	require.Equal(t, 0, PageRequest{Number: 0, Size: 20}.Offset())
}

type fakeRepo struct {
	mu     sync.Mutex
	nextID int64
	recs   map[string]Record
	saves  int
	err    error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{recs: make(map[string]Record)}
}

func (r *fakeRepo) Save(_ context.Context, rec Record) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return Record{}, r.err
	}
	if existing, ok := r.recs[rec.JobID]; ok {
		rec.ID = existing.ID
	} else {
		r.nextID++
		rec.ID = r.nextID
	}
	r.recs[rec.JobID] = rec
	r.saves++
	return rec, nil
}

func (r *fakeRepo) FindByID(_ context.Context, id int64) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recs {
		if rec.ID == id {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

func (r *fakeRepo) FindByJobID(_ context.Context, jobID string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[jobID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *fakeRepo) List(context.Context, Filter, PageRequest) (Page, error) {
	return Page{}, nil
}

func (r *fakeRepo) last(jobID string) Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recs[jobID]
}

func (r *fakeRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTrackerAdoptsTerminalRecordRefusedByStore(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	tr, err := Start(context.Background(), repo, clock, Record{JobID: "job-1", Kind: KindCrawl}, zap.NewNop())
	require.NoError(t, err)

	var hooked []Record
	tr.OnTerminal(func(rec Record) { hooked = append(hooked, rec) })

	end := clock.now
	repo.mu.Lock()
	stored := repo.recs["job-1"]
	stored.Status, stored.EndTime, stored.CurrentActivity = StatusCancelled, &end, ActivityCancelled
	repo.recs["job-1"] = stored
	repo.err = ErrTerminal
	repo.mu.Unlock()

	err = tr.UpdateProgress(context.Background(), Progress{Counters: Counters{Processed: 2}})
	require.ErrorIs(t, err, ErrTerminal)
	require.Equal(t, StatusCancelled, tr.Snapshot().Status)
	require.Zero(t, tr.Snapshot().Counters.Processed)
	require.Len(t, hooked, 1)

	applied, err := tr.MarkCompleted(context.Background(), Counters{Processed: 5})
	require.NoError(t, err)
	require.False(t, applied)
	require.Len(t, hooked, 1)
	require.Equal(t, StatusCancelled, repo.last("job-1").Status)
}

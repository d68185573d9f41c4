package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/article-ingest/internal/job"
)

const jobColumns = `id, job_id, kind, owner_id, request_id, status, start_time, last_updated, end_time,
	items_processed, items_skipped, items_failed, current_activity, error_message`

// JobStore implements job.Repository on the ingest_jobs table.
type JobStore struct {
	pool Pool
}

var _ job.Repository = (*JobStore)(nil)

// NewJobStore constructs a JobStore over pool.
func NewJobStore(pool Pool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Save upserts rec keyed on job_id and returns it with the storage id. Rows
// that already carry an end_time are left alone and job.ErrTerminal is
// returned, so a run on another replica cannot overwrite a cancellation.
func (s *JobStore) Save(ctx context.Context, rec job.Record) (job.Record, error) {
	const query = `
INSERT INTO ingest_jobs (
	job_id, kind, owner_id, request_id, status, start_time, last_updated, end_time,
	items_processed, items_skipped, items_failed, current_activity, error_message
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (job_id) DO UPDATE SET
	status = EXCLUDED.status,
	last_updated = EXCLUDED.last_updated,
	end_time = EXCLUDED.end_time,
	items_processed = EXCLUDED.items_processed,
	items_skipped = EXCLUDED.items_skipped,
	items_failed = EXCLUDED.items_failed,
	current_activity = EXCLUDED.current_activity,
	error_message = EXCLUDED.error_message
WHERE ingest_jobs.end_time IS NULL
RETURNING id`
	err := s.pool.QueryRow(ctx, query,
		rec.JobID,
		string(rec.Kind),
		rec.OwnerID,
		rec.RequestID,
		string(rec.Status),
		rec.StartTime,
		rec.LastUpdated,
		rec.EndTime,
		rec.Counters.Processed,
		rec.Counters.Skipped,
		rec.Counters.Failed,
		rec.CurrentActivity,
		rec.ErrorMessage,
	).Scan(&rec.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Record{}, job.ErrTerminal
	}
	if err != nil {
		return job.Record{}, persistenceError("save job", err)
	}
	return rec, nil
}

// FindByID returns the record with the storage id.
func (s *JobStore) FindByID(ctx context.Context, id int64) (job.Record, error) {
	return s.findOne(ctx, `SELECT `+jobColumns+` FROM ingest_jobs WHERE id = $1`, id)
}

// FindByJobID returns the record with jobID.
func (s *JobStore) FindByJobID(ctx context.Context, jobID string) (job.Record, error) {
	return s.findOne(ctx, `SELECT `+jobColumns+` FROM ingest_jobs WHERE job_id = $1`, jobID)
}

func (s *JobStore) findOne(ctx context.Context, query string, arg any) (job.Record, error) {
	rec, err := scanJob(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Record{}, job.ErrNotFound
	}
	if err != nil {
		return job.Record{}, persistenceError("find job", err)
	}
	return rec, nil
}

// List returns one page of records matching filter, most recent first.
func (s *JobStore) List(ctx context.Context, filter job.Filter, page job.PageRequest) (job.Page, error) {
	where, args := filterClause(filter)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM ingest_jobs`+where, args...).Scan(&total); err != nil {
		return job.Page{}, persistenceError("count jobs", err)
	}

	args = append(args, page.Size, page.Offset())
	query := fmt.Sprintf(`SELECT %s FROM ingest_jobs%s ORDER BY start_time DESC, id DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return job.Page{}, persistenceError("list jobs", err)
	}
	defer rows.Close()

	out := job.Page{Records: []job.Record{}, Number: page.Number, Size: page.Size, Total: total}
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return job.Page{}, persistenceError("scan job", err)
		}
		out.Records = append(out.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return job.Page{}, persistenceError("list jobs", err)
	}
	return out, nil
}

func filterClause(filter job.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(column string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.Kind != "" {
		add("kind", string(filter.Kind))
	}
	if filter.OwnerID != "" {
		add("owner_id", filter.OwnerID)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanJob(row scanner) (job.Record, error) {
	var (
		rec    job.Record
		kind   string
		status string
	)
	err := row.Scan(
		&rec.ID,
		&rec.JobID,
		&kind,
		&rec.OwnerID,
		&rec.RequestID,
		&status,
		&rec.StartTime,
		&rec.LastUpdated,
		&rec.EndTime,
		&rec.Counters.Processed,
		&rec.Counters.Skipped,
		&rec.Counters.Failed,
		&rec.CurrentActivity,
		&rec.ErrorMessage,
	)
	if err != nil {
		return job.Record{}, err
	}
	rec.Kind = job.Kind(kind)
	rec.Status = job.Status(status)
	return rec, nil
}

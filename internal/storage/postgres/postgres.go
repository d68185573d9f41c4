// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/article-ingest/internal/apperr"
)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Pool is the subset of *pgxpool.Pool the stores use. pgxmock pools satisfy it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// Open parses cfg and connects a pool.
func Open(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ingest_jobs (
	id               BIGSERIAL PRIMARY KEY,
	job_id           TEXT NOT NULL UNIQUE,
	kind             TEXT NOT NULL,
	owner_id         TEXT NOT NULL,
	request_id       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	start_time       TIMESTAMPTZ NOT NULL,
	last_updated     TIMESTAMPTZ NOT NULL,
	end_time         TIMESTAMPTZ,
	items_processed  BIGINT NOT NULL DEFAULT 0,
	items_skipped    BIGINT NOT NULL DEFAULT 0,
	items_failed     BIGINT NOT NULL DEFAULT 0,
	current_activity TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS ingest_jobs_start_time_idx ON ingest_jobs (start_time DESC)`,
	`CREATE TABLE IF NOT EXISTS articles (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL,
	crawler_id   TEXT NOT NULL,
	url          TEXT NOT NULL UNIQUE,
	title        TEXT NOT NULL,
	body         TEXT NOT NULL,
	author       TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ,
	fingerprint  TEXT NOT NULL UNIQUE,
	blob_uri     TEXT NOT NULL DEFAULT '',
	fetched_at   TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS predictions (
	job_id     TEXT NOT NULL,
	item_id    TEXT NOT NULL,
	label      TEXT NOT NULL,
	score      DOUBLE PRECISION NOT NULL,
	model      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, item_id)
)`,
}

// EnsureSchema creates the tables the stores need when they are missing.
func EnsureSchema(ctx context.Context, pool Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// persistenceError maps a pgx error to the apperr taxonomy.
func persistenceError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		e := apperr.Persistence(apperr.ReasonDuplicateKey, op, err)
		e.Detail = pgErr.ConstraintName
		return e
	}
	return apperr.Persistence(apperr.ReasonSaveFailed, op, err)
}

type scanner interface {
	Scan(dest ...any) error
}

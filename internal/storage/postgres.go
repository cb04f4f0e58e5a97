package storage

import (
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS assignments (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		owner_id BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (external_id, branch)
	);

	CREATE TABLE IF NOT EXISTS comparison_checks (
		id BIGSERIAL PRIMARY KEY,
		assignment_id BIGINT NOT NULL UNIQUE REFERENCES assignments(id) ON DELETE CASCADE,
		enabled BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS commit_stats (
		hash TEXT PRIMARY KEY,
		contributor TEXT NOT NULL,
		committed_at TIMESTAMPTZ NOT NULL,
		additions INTEGER NOT NULL DEFAULT 0,
		deletions INTEGER NOT NULL DEFAULT 0,
		assignment_id BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS anomalies (
		id BIGSERIAL PRIMARY KEY,
		contributor TEXT NOT NULL,
		assignment_id BIGINT NOT NULL,
		committed_at TIMESTAMPTZ NOT NULL,
		commit_hash TEXT NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL,
		UNIQUE (contributor, committed_at)
	);

	CREATE TABLE IF NOT EXISTS similarity_matches (
		id BIGSERIAL PRIMARY KEY,
		contributor_a TEXT NOT NULL,
		contributor_b TEXT NOT NULL,
		filename TEXT NOT NULL,
		assignment_id BIGINT NOT NULL,
		similarity_percent DOUBLE PRECISION NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL,
		UNIQUE (assignment_id, contributor_a, contributor_b, filename, similarity_percent)
	);

	CREATE TABLE IF NOT EXISTS participants (
		id BIGSERIAL PRIMARY KEY,
		contributor TEXT NOT NULL,
		assignment_external_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		UNIQUE (contributor, assignment_external_id, branch)
	);

	CREATE TABLE IF NOT EXISTS contributors (
		login TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		profile_url TEXT NOT NULL DEFAULT '',
		fetched_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_failures (
		id BIGSERIAL PRIMARY KEY,
		assignment_external_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		repo_path TEXT NOT NULL,
		error_message TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_retry_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (assignment_external_id, branch, repo_path)
	);

	CREATE TABLE IF NOT EXISTS stage_runs (
		id TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_commit_stats_contributor ON commit_stats(contributor, committed_at);
	CREATE INDEX IF NOT EXISTS idx_commit_stats_assignment ON commit_stats(assignment_id);
	CREATE INDEX IF NOT EXISTS idx_matches_percent ON similarity_matches(similarity_percent);
	CREATE INDEX IF NOT EXISTS idx_stage_runs_stage ON stage_runs(stage, started_at);
`

// NewPostgresStore creates a new PostgreSQL storage.
// driver is "pgx" (jackc/pgx stdlib) or "postgres" (lib/pq).
func NewPostgresStore(dsn, driver string, logger *logrus.Logger) (*SQLStore, error) {
	if driver == "" {
		driver = "pgx"
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.WithField("driver", driver).Debug("postgres store ready")
	return &SQLStore{db: db, logger: logger}, nil
}

package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS assignments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		owner_id INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (external_id, branch)
	);

	CREATE TABLE IF NOT EXISTS comparison_checks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		assignment_id INTEGER NOT NULL UNIQUE,
		enabled BOOLEAN NOT NULL DEFAULT 0,
		FOREIGN KEY (assignment_id) REFERENCES assignments(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS commit_stats (
		hash TEXT PRIMARY KEY,
		contributor TEXT NOT NULL,
		committed_at DATETIME NOT NULL,
		additions INTEGER NOT NULL DEFAULT 0,
		deletions INTEGER NOT NULL DEFAULT 0,
		assignment_id INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS anomalies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		contributor TEXT NOT NULL,
		assignment_id INTEGER NOT NULL,
		committed_at DATETIME NOT NULL,
		commit_hash TEXT NOT NULL,
		detected_at DATETIME NOT NULL,
		UNIQUE (contributor, committed_at)
	);

	CREATE TABLE IF NOT EXISTS similarity_matches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		contributor_a TEXT NOT NULL,
		contributor_b TEXT NOT NULL,
		filename TEXT NOT NULL,
		assignment_id INTEGER NOT NULL,
		similarity_percent REAL NOT NULL,
		detected_at DATETIME NOT NULL,
		UNIQUE (assignment_id, contributor_a, contributor_b, filename, similarity_percent)
	);

	CREATE TABLE IF NOT EXISTS participants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
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
		fetched_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		assignment_external_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		repo_path TEXT NOT NULL,
		error_message TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_retry_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (assignment_external_id, branch, repo_path)
	);

	CREATE TABLE IF NOT EXISTS stage_runs (
		id TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_commit_stats_contributor ON commit_stats(contributor, committed_at);
	CREATE INDEX IF NOT EXISTS idx_commit_stats_assignment ON commit_stats(assignment_id);
	CREATE INDEX IF NOT EXISTS idx_matches_percent ON similarity_matches(similarity_percent);
	CREATE INDEX IF NOT EXISTS idx_stage_runs_stage ON stage_runs(stage, started_at);
`

// NewSQLiteStore creates a new SQLite storage (for local/development).
// Pass ":memory:" for a throwaway database.
func NewSQLiteStore(path string, logger *logrus.Logger) (*SQLStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("connect to sqlite: %w", err)
	}

	// One connection: writers never see "database is locked", and an
	// in-memory database is not split across pool connections.
	db.SetMaxOpenConns(1)

	db.Exec("PRAGMA foreign_keys = ON")
	db.Exec("PRAGMA journal_mode = WAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLStore{db: db, logger: logger}, nil
}

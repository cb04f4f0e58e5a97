package dlq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Entry is a contributor repository whose update exhausted its retries
type Entry struct {
	ID                   int64      `json:"id" db:"id"`
	AssignmentExternalID string     `json:"assignment_external_id" db:"assignment_external_id"`
	Branch               string     `json:"branch" db:"branch"`
	RepoPath             string     `json:"repo_path" db:"repo_path"`
	ErrorMessage         string     `json:"error_message" db:"error_message"`
	RetryCount           int        `json:"retry_count" db:"retry_count"`
	LastRetryAt          *time.Time `json:"last_retry_at" db:"last_retry_at"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

// Queue manages failed repository updates
type Queue struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewQueue creates a new DLQ manager over the sync_failures table
func NewQueue(db *sqlx.DB, logger *logrus.Logger) *Queue {
	return &Queue{
		db:     db,
		logger: logger,
	}
}

// Enqueue records a failed update.
// If the repository is already queued, retry_count is incremented.
func (q *Queue) Enqueue(ctx context.Context, assignmentExternalID, branch, repoPath string, cause error) error {
	now := time.Now().UTC()
	errorMsg := cause.Error()

	_, err := q.db.ExecContext(ctx, q.db.Rebind(`
		INSERT INTO sync_failures
			(assignment_external_id, branch, repo_path, error_message, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (assignment_external_id, branch, repo_path) DO UPDATE
		SET retry_count = sync_failures.retry_count + 1,
		    error_message = EXCLUDED.error_message,
		    updated_at = EXCLUDED.updated_at,
		    last_retry_at = EXCLUDED.updated_at
	`), assignmentExternalID, branch, repoPath, errorMsg, now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue sync failure: %w", err)
	}

	q.logger.WithFields(logrus.Fields{
		"assignment": assignmentExternalID,
		"branch":     branch,
		"repo":       repoPath,
		"error":      errorMsg,
	}).Warn("repository update recorded as failed")

	return nil
}

// MarkResolved removes a repository from the DLQ after a successful update
func (q *Queue) MarkResolved(ctx context.Context, assignmentExternalID, branch, repoPath string) error {
	result, err := q.db.ExecContext(ctx, q.db.Rebind(`
		DELETE FROM sync_failures
		WHERE assignment_external_id = ? AND branch = ? AND repo_path = ?
	`), assignmentExternalID, branch, repoPath)
	if err != nil {
		return fmt.Errorf("failed to delete sync failure: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows > 0 {
		q.logger.WithField("repo", repoPath).Info("repository update recovered, removed from DLQ")
	}
	return nil
}

// Get returns the entry for one repository
func (q *Queue) Get(ctx context.Context, assignmentExternalID, branch, repoPath string) (*Entry, error) {
	var e Entry
	err := q.db.GetContext(ctx, &e, q.db.Rebind(`
		SELECT * FROM sync_failures
		WHERE assignment_external_id = ? AND branch = ? AND repo_path = ?
	`), assignmentExternalID, branch, repoPath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sync failure: %w", err)
	}
	return &e, nil
}

// Stats contains DLQ statistics
type Stats struct {
	TotalEntries     int `json:"total_entries" db:"total"`
	ExhaustedRetries int `json:"exhausted_retries" db:"exhausted"`
	RetryableEntries int `json:"retryable_entries" db:"retryable"`
}

// GetStats counts entries, splitting them at maxRetries
func (q *Queue) GetStats(ctx context.Context, maxRetries int) (*Stats, error) {
	var stats Stats
	err := q.db.GetContext(ctx, &stats, q.db.Rebind(`
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN retry_count >= ? THEN 1 ELSE 0 END), 0) AS exhausted,
			COALESCE(SUM(CASE WHEN retry_count < ? THEN 1 ELSE 0 END), 0) AS retryable
		FROM sync_failures
	`), maxRetries, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ stats: %w", err)
	}
	return &stats, nil
}

// GetRecentFailures returns the N most recent failures for review
func (q *Queue) GetRecentFailures(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	var entries []Entry
	err := q.db.SelectContext(ctx, &entries, q.db.Rebind(`
		SELECT * FROM sync_failures
		ORDER BY updated_at DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent failures: %w", err)
	}
	return entries, nil
}

// PurgeOld removes DLQ entries not updated within olderThan
func (q *Queue) PurgeOld(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC()

	result, err := q.db.ExecContext(ctx, q.db.Rebind(`DELETE FROM sync_failures WHERE updated_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old DLQ entries: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		q.logger.WithFields(logrus.Fields{
			"count":      rows,
			"older_than": olderThan,
		}).Info("purged old DLQ entries")
	}
	return int(rows), nil
}

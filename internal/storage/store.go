package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/RomanDovgii/testing-lms/internal/config"
	"github.com/RomanDovgii/testing-lms/internal/models"
)

// SQLStore implements Store over sqlx. Queries are written with "?" placeholders
// and rebound for the connected driver, so postgres and sqlite share them.
type SQLStore struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

var _ Store = (*SQLStore)(nil)

// Open connects the store selected by the storage settings
func Open(cfg config.StorageConfig, logger *logrus.Logger) (*SQLStore, error) {
	switch cfg.Type {
	case "postgres":
		return NewPostgresStore(cfg.PostgresDSN, cfg.Driver, logger)
	case "sqlite", "":
		return NewSQLiteStore(cfg.LocalPath, logger)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// DB returns the underlying connection
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

// Assignment operations

func (s *SQLStore) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.CreatedAt = utc(a.CreatedAt)

	query := s.q(`
		INSERT INTO assignments (name, external_id, branch, owner_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (external_id, branch) DO NOTHING
		RETURNING id
	`)

	err := s.db.QueryRowxContext(ctx, query, a.Name, a.ExternalID, a.Branch, a.OwnerID, a.CreatedAt).Scan(&a.ID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAssignment(ctx context.Context, id int64) (*models.Assignment, error) {
	var a models.Assignment
	err := s.db.GetContext(ctx, &a, s.q(`SELECT * FROM assignments WHERE id = ?`), id)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return &a, nil
}

func (s *SQLStore) ListAssignments(ctx context.Context) ([]models.Assignment, error) {
	var out []models.Assignment
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM assignments ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return out, nil
}

func (s *SQLStore) AssignmentsByExternalID(ctx context.Context, externalID string) ([]models.Assignment, error) {
	var out []models.Assignment
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT * FROM assignments WHERE external_id = ? ORDER BY id`), externalID)
	if err != nil {
		return nil, fmt.Errorf("assignments by external id: %w", err)
	}
	return out, nil
}

func (s *SQLStore) AssignmentsForContributor(ctx context.Context, contributor string) ([]models.Assignment, error) {
	var out []models.Assignment
	query := s.q(`
		SELECT DISTINCT a.* FROM assignments a
		JOIN participants p ON p.assignment_external_id = a.external_id AND p.branch = a.branch
		WHERE p.contributor = ?
		ORDER BY a.id
	`)
	if err := s.db.SelectContext(ctx, &out, query, contributor); err != nil {
		return nil, fmt.Errorf("assignments for contributor: %w", err)
	}
	return out, nil
}

// PurgeAssignment deletes an assignment together with everything the pipeline derived from it
func (s *SQLStore) PurgeAssignment(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var a models.Assignment
	if err := tx.GetContext(ctx, &a, tx.Rebind(`SELECT * FROM assignments WHERE id = ?`), id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load assignment: %w", err)
	}

	statements := []struct {
		query string
		args  []interface{}
	}{
		{`DELETE FROM commit_stats WHERE assignment_id = ?`, []interface{}{id}},
		{`DELETE FROM anomalies WHERE assignment_id = ?`, []interface{}{id}},
		{`DELETE FROM similarity_matches WHERE assignment_id = ?`, []interface{}{id}},
		{`DELETE FROM comparison_checks WHERE assignment_id = ?`, []interface{}{id}},
		{`DELETE FROM participants WHERE assignment_external_id = ? AND branch = ?`, []interface{}{a.ExternalID, a.Branch}},
		{`DELETE FROM sync_failures WHERE assignment_external_id = ? AND branch = ?`, []interface{}{a.ExternalID, a.Branch}},
		{`DELETE FROM assignments WHERE id = ?`, []interface{}{id}},
	}
	for _, st := range statements {
		if _, err := tx.ExecContext(ctx, tx.Rebind(st.query), st.args...); err != nil {
			return fmt.Errorf("purge assignment %d: %w", id, err)
		}
	}

	return tx.Commit()
}

// Comparison check operations

// ToggleComparison flips the check for an assignment, creating it enabled if missing
func (s *SQLStore) ToggleComparison(ctx context.Context, assignmentID int64) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(*) FROM assignments WHERE id = ?`), assignmentID); err != nil {
		return false, fmt.Errorf("load assignment: %w", err)
	}
	if exists == 0 {
		return false, ErrNotFound
	}

	var check models.ComparisonCheck
	err = tx.GetContext(ctx, &check, tx.Rebind(`SELECT * FROM comparison_checks WHERE assignment_id = ?`), assignmentID)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		check = models.ComparisonCheck{AssignmentID: assignmentID, Enabled: true}
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO comparison_checks (assignment_id, enabled) VALUES (?, ?)`), assignmentID, true)
	case err == nil:
		check.Enabled = !check.Enabled
		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE comparison_checks SET enabled = ? WHERE assignment_id = ?`), check.Enabled, assignmentID)
	}
	if err != nil {
		return false, fmt.Errorf("toggle comparison: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return check.Enabled, nil
}

func (s *SQLStore) ComparisonEnabledAssignments(ctx context.Context) ([]models.Assignment, error) {
	var out []models.Assignment
	query := s.q(`
		SELECT a.* FROM assignments a
		JOIN comparison_checks c ON c.assignment_id = a.id
		WHERE c.enabled = ?
		ORDER BY a.id
	`)
	if err := s.db.SelectContext(ctx, &out, query, true); err != nil {
		return nil, fmt.Errorf("comparison enabled assignments: %w", err)
	}
	return out, nil
}

// Commit operations

// SaveCommits inserts commits, ignoring hashes that are already stored.
// It returns how many rows were new.
func (s *SQLStore) SaveCommits(ctx context.Context, commits []models.CommitStat) (int, error) {
	if len(commits) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := tx.Rebind(`
		INSERT INTO commit_stats (hash, contributor, committed_at, additions, deletions, assignment_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO NOTHING
	`)

	inserted := 0
	for _, c := range commits {
		res, err := tx.ExecContext(ctx, query,
			c.Hash, c.Contributor, utc(c.CommittedAt), c.Additions, c.Deletions, c.AssignmentID)
		if err != nil {
			return 0, fmt.Errorf("save commit %s: %w", c.Hash, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (s *SQLStore) DistinctContributors(ctx context.Context) ([]string, error) {
	var out []string
	if err := s.db.SelectContext(ctx, &out, `SELECT DISTINCT contributor FROM commit_stats ORDER BY contributor`); err != nil {
		return nil, fmt.Errorf("distinct contributors: %w", err)
	}
	return out, nil
}

func (s *SQLStore) CommitsByContributor(ctx context.Context, contributor string) ([]models.CommitStat, error) {
	var out []models.CommitStat
	query := s.q(`SELECT * FROM commit_stats WHERE contributor = ? ORDER BY committed_at, hash`)
	if err := s.db.SelectContext(ctx, &out, query, contributor); err != nil {
		return nil, fmt.Errorf("commits by contributor: %w", err)
	}
	return out, nil
}

// CountCommits counts stored commits; assignmentID 0 counts all of them
func (s *SQLStore) CountCommits(ctx context.Context, assignmentID int64) (int, error) {
	var n int
	var err error
	if assignmentID == 0 {
		err = s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM commit_stats`)
	} else {
		err = s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM commit_stats WHERE assignment_id = ?`), assignmentID)
	}
	if err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	return n, nil
}

// Anomaly operations

func (s *SQLStore) AnomalyExists(ctx context.Context, contributor string, committedAt time.Time) (bool, error) {
	var n int
	query := s.q(`SELECT COUNT(*) FROM anomalies WHERE contributor = ? AND committed_at = ?`)
	if err := s.db.GetContext(ctx, &n, query, contributor, utc(committedAt)); err != nil {
		return false, fmt.Errorf("anomaly exists: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) SaveAnomaly(ctx context.Context, a *models.Anomaly) (bool, error) {
	query := s.q(`
		INSERT INTO anomalies (contributor, assignment_id, committed_at, commit_hash, detected_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (contributor, committed_at) DO NOTHING
	`)
	res, err := s.db.ExecContext(ctx, query,
		a.Contributor, a.AssignmentID, utc(a.CommittedAt), a.CommitHash, utc(a.DetectedAt))
	if err != nil {
		return false, fmt.Errorf("save anomaly: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLStore) ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]models.Anomaly, error) {
	var w where
	if filter.Contributor != "" {
		w.add("contributor = ?", filter.Contributor)
	}
	if filter.AssignmentID != 0 {
		w.add("assignment_id = ?", filter.AssignmentID)
	}

	query := `SELECT * FROM anomalies` + w.clause() + ` ORDER BY committed_at DESC, id DESC` + limitClause(filter.Limit)

	var out []models.Anomaly
	if err := s.db.SelectContext(ctx, &out, s.q(query), w.args...); err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	return out, nil
}

// Similarity match operations

func (s *SQLStore) MatchExists(ctx context.Context, m *models.SimilarityMatch) (bool, error) {
	a, b := models.CanonicalPair(m.ContributorA, m.ContributorB)
	var n int
	query := s.q(`
		SELECT COUNT(*) FROM similarity_matches
		WHERE assignment_id = ? AND contributor_a = ? AND contributor_b = ?
			AND filename = ? AND similarity_percent = ?
	`)
	if err := s.db.GetContext(ctx, &n, query, m.AssignmentID, a, b, m.Filename, m.SimilarityPercent); err != nil {
		return false, fmt.Errorf("match exists: %w", err)
	}
	return n > 0, nil
}

// SaveMatch stores a match with its pair in canonical order
func (s *SQLStore) SaveMatch(ctx context.Context, m *models.SimilarityMatch) (bool, error) {
	m.ContributorA, m.ContributorB = models.CanonicalPair(m.ContributorA, m.ContributorB)
	if m.DetectedAt.IsZero() {
		m.DetectedAt = time.Now()
	}

	query := s.q(`
		INSERT INTO similarity_matches
			(contributor_a, contributor_b, filename, assignment_id, similarity_percent, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (assignment_id, contributor_a, contributor_b, filename, similarity_percent) DO NOTHING
	`)
	res, err := s.db.ExecContext(ctx, query,
		m.ContributorA, m.ContributorB, m.Filename, m.AssignmentID, m.SimilarityPercent, utc(m.DetectedAt))
	if err != nil {
		return false, fmt.Errorf("save match: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PruneMatches deletes every match below threshold
func (s *SQLStore) PruneMatches(ctx context.Context, threshold float64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM similarity_matches WHERE similarity_percent < ?`), threshold)
	if err != nil {
		return 0, fmt.Errorf("prune matches: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) ListMatches(ctx context.Context, filter MatchFilter) ([]models.SimilarityMatch, error) {
	var w where
	if filter.Contributor != "" {
		w.add("(contributor_a = ? OR contributor_b = ?)", filter.Contributor, filter.Contributor)
	}
	if filter.AssignmentID != 0 {
		w.add("assignment_id = ?", filter.AssignmentID)
	}
	if filter.MinPercent > 0 {
		w.add("similarity_percent >= ?", filter.MinPercent)
	}

	query := `SELECT * FROM similarity_matches` + w.clause() +
		` ORDER BY similarity_percent DESC, assignment_id, filename, contributor_a, contributor_b` +
		limitClause(filter.Limit)

	var out []models.SimilarityMatch
	if err := s.db.SelectContext(ctx, &out, s.q(query), w.args...); err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	return out, nil
}

// FlaggedContributors lists everyone on either side of a match at or above threshold
func (s *SQLStore) FlaggedContributors(ctx context.Context, threshold float64) ([]string, error) {
	var out []string
	query := s.q(`
		SELECT contributor_a FROM similarity_matches WHERE similarity_percent >= ?
		UNION
		SELECT contributor_b FROM similarity_matches WHERE similarity_percent >= ?
	`)
	if err := s.db.SelectContext(ctx, &out, query, threshold, threshold); err != nil {
		return nil, fmt.Errorf("flagged contributors: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Participant operations

func (s *SQLStore) ParticipantExists(ctx context.Context, contributor, assignmentExternalID, branch string) (bool, error) {
	var n int
	query := s.q(`SELECT COUNT(*) FROM participants WHERE contributor = ? AND assignment_external_id = ? AND branch = ?`)
	if err := s.db.GetContext(ctx, &n, query, contributor, assignmentExternalID, branch); err != nil {
		return false, fmt.Errorf("participant exists: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) SaveParticipant(ctx context.Context, p *models.Participant) (bool, error) {
	query := s.q(`
		INSERT INTO participants (contributor, assignment_external_id, branch, display_name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (contributor, assignment_external_id, branch) DO NOTHING
	`)
	res, err := s.db.ExecContext(ctx, query, p.Contributor, p.AssignmentExternalID, p.Branch, p.DisplayName)
	if err != nil {
		return false, fmt.Errorf("save participant: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLStore) ListParticipants(ctx context.Context, filter ParticipantFilter) ([]models.Participant, error) {
	var w where
	if filter.Contributor != "" {
		w.add("contributor = ?", filter.Contributor)
	}
	if filter.AssignmentExternalID != "" {
		w.add("assignment_external_id = ?", filter.AssignmentExternalID)
	}
	if filter.Branch != "" {
		w.add("branch = ?", filter.Branch)
	}

	query := `SELECT * FROM participants` + w.clause() +
		` ORDER BY assignment_external_id, branch, contributor` + limitClause(filter.Limit)

	var out []models.Participant
	if err := s.db.SelectContext(ctx, &out, s.q(query), w.args...); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return out, nil
}

// Contributor reference data

func (s *SQLStore) GetContributor(ctx context.Context, login string) (*models.Contributor, error) {
	var c models.Contributor
	err := s.db.GetContext(ctx, &c, s.q(`SELECT * FROM contributors WHERE login = ?`), login)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get contributor: %w", err)
	}
	return &c, nil
}

func (s *SQLStore) SaveContributor(ctx context.Context, c *models.Contributor) error {
	if c.FetchedAt.IsZero() {
		c.FetchedAt = time.Now()
	}
	query := s.q(`
		INSERT INTO contributors (login, name, profile_url, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (login) DO UPDATE SET
			name = EXCLUDED.name,
			profile_url = EXCLUDED.profile_url,
			fetched_at = EXCLUDED.fetched_at
	`)
	if _, err := s.db.ExecContext(ctx, query, c.Login, c.Name, c.ProfileURL, utc(c.FetchedAt)); err != nil {
		return fmt.Errorf("save contributor: %w", err)
	}
	return nil
}

// Stage run operations

func (s *SQLStore) StartStageRun(ctx context.Context, run *models.StageRun) error {
	query := s.q(`INSERT INTO stage_runs (id, stage, started_at, status, error) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, run.ID, run.Stage, utc(run.StartedAt), run.Status, run.Error); err != nil {
		return fmt.Errorf("start stage run: %w", err)
	}
	return nil
}

func (s *SQLStore) FinishStageRun(ctx context.Context, id, status, errMsg string, finishedAt time.Time) error {
	query := s.q(`UPDATE stage_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, status, errMsg, utc(finishedAt), id)
	if err != nil {
		return fmt.Errorf("finish stage run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStageRuns returns the latest runs first; an empty stage lists all stages
func (s *SQLStore) ListStageRuns(ctx context.Context, stage string, limit int) ([]models.StageRun, error) {
	var w where
	if stage != "" {
		w.add("stage = ?", stage)
	}
	query := `SELECT * FROM stage_runs` + w.clause() + ` ORDER BY started_at DESC` + limitClause(limit)

	var out []models.StageRun
	if err := s.db.SelectContext(ctx, &out, s.q(query), w.args...); err != nil {
		return nil, fmt.Errorf("list stage runs: %w", err)
	}
	return out, nil
}

// where accumulates AND-ed conditions for optional filters
type where struct {
	conds []string
	args  []interface{}
}

func (w *where) add(cond string, args ...interface{}) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

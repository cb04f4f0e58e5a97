package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/RomanDovgii/testing-lms/internal/models"
)

// Common errors
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// AnomalyFilter narrows anomaly listings. Zero values match everything.
type AnomalyFilter struct {
	Contributor  string
	AssignmentID int64
	Limit        int
}

// MatchFilter narrows similarity match listings. Zero values match everything.
type MatchFilter struct {
	Contributor  string // either side of the pair
	AssignmentID int64
	MinPercent   float64
	Limit        int
}

// ParticipantFilter narrows participant listings. Zero values match everything.
type ParticipantFilter struct {
	Contributor          string
	AssignmentExternalID string
	Branch               string
	Limit                int
}

// Store defines the storage interface
type Store interface {
	// Assignment operations
	CreateAssignment(ctx context.Context, assignment *models.Assignment) error
	GetAssignment(ctx context.Context, id int64) (*models.Assignment, error)
	ListAssignments(ctx context.Context) ([]models.Assignment, error)
	AssignmentsByExternalID(ctx context.Context, externalID string) ([]models.Assignment, error)
	AssignmentsForContributor(ctx context.Context, contributor string) ([]models.Assignment, error)
	PurgeAssignment(ctx context.Context, id int64) error

	// Comparison check operations
	ToggleComparison(ctx context.Context, assignmentID int64) (bool, error)
	ComparisonEnabledAssignments(ctx context.Context) ([]models.Assignment, error)

	// Commit operations
	SaveCommits(ctx context.Context, commits []models.CommitStat) (int, error)
	DistinctContributors(ctx context.Context) ([]string, error)
	CommitsByContributor(ctx context.Context, contributor string) ([]models.CommitStat, error)
	CountCommits(ctx context.Context, assignmentID int64) (int, error)

	// Anomaly operations
	AnomalyExists(ctx context.Context, contributor string, committedAt time.Time) (bool, error)
	SaveAnomaly(ctx context.Context, anomaly *models.Anomaly) (bool, error)
	ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]models.Anomaly, error)

	// Similarity match operations
	MatchExists(ctx context.Context, match *models.SimilarityMatch) (bool, error)
	SaveMatch(ctx context.Context, match *models.SimilarityMatch) (bool, error)
	PruneMatches(ctx context.Context, threshold float64) (int64, error)
	ListMatches(ctx context.Context, filter MatchFilter) ([]models.SimilarityMatch, error)
	FlaggedContributors(ctx context.Context, threshold float64) ([]string, error)

	// Participant operations
	ParticipantExists(ctx context.Context, contributor, assignmentExternalID, branch string) (bool, error)
	SaveParticipant(ctx context.Context, participant *models.Participant) (bool, error)
	ListParticipants(ctx context.Context, filter ParticipantFilter) ([]models.Participant, error)

	// Contributor reference data
	GetContributor(ctx context.Context, login string) (*models.Contributor, error)
	SaveContributor(ctx context.Context, contributor *models.Contributor) error

	// Stage run operations
	StartStageRun(ctx context.Context, run *models.StageRun) error
	FinishStageRun(ctx context.Context, id, status, errMsg string, finishedAt time.Time) error
	ListStageRuns(ctx context.Context, stage string, limit int) ([]models.StageRun, error)

	// DB exposes the connection for components sharing the schema
	DB() *sqlx.DB

	// Close connection
	Close() error
}

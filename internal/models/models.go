package models

import (
	"time"
)

// Assignment is a unit of coursework tracked by a classroom assignment id and branch.
// It is owned by the task-management side; the pipeline only reads it.
type Assignment struct {
	ID         int64     `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	ExternalID string    `json:"external_id" db:"external_id"`
	Branch     string    `json:"branch" db:"branch"`
	OwnerID    int64     `json:"owner_id" db:"owner_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ComparisonCheck enables similarity analysis for one assignment
type ComparisonCheck struct {
	ID           int64 `json:"id" db:"id"`
	AssignmentID int64 `json:"assignment_id" db:"assignment_id"`
	Enabled      bool  `json:"enabled" db:"enabled"`
}

// CommitStat is one commit's activity. Hash is globally unique.
type CommitStat struct {
	Hash         string    `json:"hash" db:"hash"`
	Contributor  string    `json:"contributor" db:"contributor"`
	CommittedAt  time.Time `json:"committed_at" db:"committed_at"`
	Additions    int       `json:"additions" db:"additions"`
	Deletions    int       `json:"deletions" db:"deletions"`
	AssignmentID int64     `json:"assignment_id" db:"assignment_id"`
}

// Activity returns additions + deletions
func (c *CommitStat) Activity() int {
	return c.Additions + c.Deletions
}

// Anomaly flags a commit whose activity is far above the contributor's mean
type Anomaly struct {
	ID           int64     `json:"id" db:"id"`
	Contributor  string    `json:"contributor" db:"contributor"`
	AssignmentID int64     `json:"assignment_id" db:"assignment_id"`
	CommittedAt  time.Time `json:"committed_at" db:"committed_at"`
	CommitHash   string    `json:"commit_hash" db:"commit_hash"`
	DetectedAt   time.Time `json:"detected_at" db:"detected_at"`
}

// SimilarityMatch records two contributors' same-named files and how alike they are.
// ContributorA < ContributorB always holds for stored rows.
type SimilarityMatch struct {
	ID                int64     `json:"id" db:"id"`
	ContributorA      string    `json:"contributor_a" db:"contributor_a"`
	ContributorB      string    `json:"contributor_b" db:"contributor_b"`
	Filename          string    `json:"filename" db:"filename"`
	AssignmentID      int64     `json:"assignment_id" db:"assignment_id"`
	SimilarityPercent float64   `json:"similarity_percent" db:"similarity_percent"`
	DetectedAt        time.Time `json:"detected_at" db:"detected_at"`
}

// Participant links a contributor to an assignment branch found on disk
type Participant struct {
	ID                   int64  `json:"id" db:"id"`
	Contributor          string `json:"contributor" db:"contributor"`
	AssignmentExternalID string `json:"assignment_external_id" db:"assignment_external_id"`
	Branch               string `json:"branch" db:"branch"`
	DisplayName          string `json:"display_name" db:"display_name"`
}

// Contributor is reference data about a contributor account
type Contributor struct {
	Login      string    `json:"login" db:"login"`
	Name       string    `json:"name" db:"name"`
	ProfileURL string    `json:"profile_url" db:"profile_url"`
	FetchedAt  time.Time `json:"fetched_at" db:"fetched_at"`
}

// StageRun is one execution of a pipeline stage
type StageRun struct {
	ID         string     `json:"id" db:"id"`
	Stage      string     `json:"stage" db:"stage"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at" db:"finished_at"`
	Status     string     `json:"status" db:"status"`
	Error      string     `json:"error" db:"error"`
}

// Stage run statuses
const (
	StageStatusRunning   = "running"
	StageStatusSucceeded = "succeeded"
	StageStatusFailed    = "failed"
)

// CanonicalPair orders two contributor ids so symmetric comparisons share a key
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

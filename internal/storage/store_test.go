package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RomanDovgii/testing-lms/internal/logging"
	"github.com/RomanDovgii/testing-lms/internal/models"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedAssignment(t *testing.T, store *SQLStore, externalID, branch string) *models.Assignment {
	t.Helper()
	a := &models.Assignment{Name: "Landing page", ExternalID: externalID, Branch: branch, OwnerID: 7}
	require.NoError(t, store.CreateAssignment(context.Background(), a))
	return a
}

func TestAssignments(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := seedAssignment(t, store, "612345", "main")
	assert.NotZero(t, a.ID)

	err := store.CreateAssignment(ctx, &models.Assignment{ExternalID: "612345", Branch: "main"})
	assert.ErrorIs(t, err, ErrConflict)

	b := seedAssignment(t, store, "612345", "develop")

	got, err := store.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Landing page", got.Name)
	assert.Equal(t, int64(7), got.OwnerID)

	byExt, err := store.AssignmentsByExternalID(ctx, "612345")
	require.NoError(t, err)
	require.Len(t, byExt, 2)
	assert.Equal(t, b.ID, byExt[1].ID)

	_, err = store.GetAssignment(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveCommitsDeduplicatesByHash(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	when := time.Date(2025, 10, 2, 12, 0, 0, 0, time.FixedZone("MSK", 3*3600))
	commit := models.CommitStat{Hash: "deadbeef", Contributor: "alice", CommittedAt: when, Additions: 4, Deletions: 1, AssignmentID: 1}

	n, err := store.SaveCommits(ctx, []models.CommitStat{commit, commit})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.SaveCommits(ctx, []models.CommitStat{commit})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	count, err := store.CountCommits(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	history, err := store.CommitsByContributor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].CommittedAt.Equal(when))
	assert.Equal(t, 5, history[0].Activity())
}

func TestCommitsByContributorOrdered(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.SaveCommits(ctx, []models.CommitStat{
		{Hash: "c3", Contributor: "bob", CommittedAt: base.Add(3 * time.Hour), AssignmentID: 1},
		{Hash: "c1", Contributor: "bob", CommittedAt: base.Add(1 * time.Hour), AssignmentID: 1},
		{Hash: "c2", Contributor: "bob", CommittedAt: base.Add(2 * time.Hour), AssignmentID: 1},
		{Hash: "x1", Contributor: "alice", CommittedAt: base, AssignmentID: 1},
	})
	require.NoError(t, err)

	history, err := store.CommitsByContributor(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{history[0].Hash, history[1].Hash, history[2].Hash})

	contributors, err := store.DistinctContributors(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, contributors)
}

func TestAnomalies(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	when := time.Date(2025, 10, 1, 8, 30, 0, 0, time.UTC)

	anomaly := &models.Anomaly{Contributor: "alice", AssignmentID: 3, CommittedAt: when, CommitHash: "abc", DetectedAt: time.Now()}

	exists, err := store.AnomalyExists(ctx, "alice", when)
	require.NoError(t, err)
	assert.False(t, exists)

	inserted, err := store.SaveAnomaly(ctx, anomaly)
	require.NoError(t, err)
	assert.True(t, inserted)

	exists, err = store.AnomalyExists(ctx, "alice", when.In(time.FixedZone("EST", -5*3600)))
	require.NoError(t, err)
	assert.True(t, exists)

	inserted, err = store.SaveAnomaly(ctx, anomaly)
	require.NoError(t, err)
	assert.False(t, inserted)

	list, err := store.ListAnomalies(ctx, AnomalyFilter{Contributor: "alice"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "abc", list[0].CommitHash)

	list, err = store.ListAnomalies(ctx, AnomalyFilter{AssignmentID: 4})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMatchesCanonicalOrderAndPrune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inserted, err := store.SaveMatch(ctx, &models.SimilarityMatch{
		ContributorA: "zoe", ContributorB: "adam", Filename: "index.html", AssignmentID: 1, SimilarityPercent: 100,
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	// the same pair in the other order is the same record
	exists, err := store.MatchExists(ctx, &models.SimilarityMatch{
		ContributorA: "adam", ContributorB: "zoe", Filename: "index.html", AssignmentID: 1, SimilarityPercent: 100,
	})
	require.NoError(t, err)
	assert.True(t, exists)

	inserted, err = store.SaveMatch(ctx, &models.SimilarityMatch{
		ContributorA: "adam", ContributorB: "zoe", Filename: "index.html", AssignmentID: 1, SimilarityPercent: 100,
	})
	require.NoError(t, err)
	assert.False(t, inserted)

	_, err = store.SaveMatch(ctx, &models.SimilarityMatch{
		ContributorA: "adam", ContributorB: "eve", Filename: "style.css", AssignmentID: 1, SimilarityPercent: 42.5,
	})
	require.NoError(t, err)

	matches, err := store.ListMatches(ctx, MatchFilter{})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "adam", matches[0].ContributorA)
	assert.Equal(t, "zoe", matches[0].ContributorB)

	pruned, err := store.PruneMatches(ctx, 80)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	matches, err = store.ListMatches(ctx, MatchFilter{Contributor: "zoe"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 100.0, matches[0].SimilarityPercent)

	flagged, err := store.FlaggedContributors(ctx, 80)
	require.NoError(t, err)
	assert.Equal(t, []string{"adam", "zoe"}, flagged)
}

func TestParticipantsAndAssignmentsForContributor(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	a := seedAssignment(t, store, "612345", "main")
	seedAssignment(t, store, "700000", "main")

	p := &models.Participant{Contributor: "alice", AssignmentExternalID: "612345", Branch: "main", DisplayName: "landing"}
	inserted, err := store.SaveParticipant(ctx, p)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.SaveParticipant(ctx, p)
	require.NoError(t, err)
	assert.False(t, inserted)

	exists, err := store.ParticipantExists(ctx, "alice", "612345", "main")
	require.NoError(t, err)
	assert.True(t, exists)

	assignments, err := store.AssignmentsForContributor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, a.ID, assignments[0].ID)

	list, err := store.ListParticipants(ctx, ParticipantFilter{AssignmentExternalID: "612345"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "landing", list[0].DisplayName)
}

func TestToggleComparison(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	a := seedAssignment(t, store, "612345", "main")

	enabled, err := store.ToggleComparison(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, enabled)

	list, err := store.ComparisonEnabledAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	enabled, err = store.ToggleComparison(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, enabled)

	list, err = store.ComparisonEnabledAssignments(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = store.ToggleComparison(ctx, 4242)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeAssignment(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	a := seedAssignment(t, store, "612345", "main")
	other := seedAssignment(t, store, "700000", "main")

	_, err := store.ToggleComparison(ctx, a.ID)
	require.NoError(t, err)
	_, err = store.SaveCommits(ctx, []models.CommitStat{
		{Hash: "h1", Contributor: "alice", CommittedAt: time.Now(), AssignmentID: a.ID},
		{Hash: "h2", Contributor: "alice", CommittedAt: time.Now(), AssignmentID: other.ID},
	})
	require.NoError(t, err)
	_, err = store.SaveMatch(ctx, &models.SimilarityMatch{ContributorA: "a", ContributorB: "b", Filename: "index.html", AssignmentID: a.ID, SimilarityPercent: 95})
	require.NoError(t, err)
	_, err = store.SaveParticipant(ctx, &models.Participant{Contributor: "alice", AssignmentExternalID: "612345", Branch: "main"})
	require.NoError(t, err)

	require.NoError(t, store.PurgeAssignment(ctx, a.ID))

	_, err = store.GetAssignment(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	count, err := store.CountCommits(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "other assignments keep their commits")

	matches, err := store.ListMatches(ctx, MatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, matches)

	participants, err := store.ListParticipants(ctx, ParticipantFilter{})
	require.NoError(t, err)
	assert.Empty(t, participants)

	assert.ErrorIs(t, store.PurgeAssignment(ctx, a.ID), ErrNotFound)
}

func TestContributors(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetContributor(ctx, "octocat")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveContributor(ctx, &models.Contributor{Login: "octocat", Name: "Mona"}))
	require.NoError(t, store.SaveContributor(ctx, &models.Contributor{Login: "octocat", Name: "Mona Lisa", ProfileURL: "https://github.com/octocat"}))

	c, err := store.GetContributor(ctx, "octocat")
	require.NoError(t, err)
	assert.Equal(t, "Mona Lisa", c.Name)
	assert.Equal(t, "https://github.com/octocat", c.ProfileURL)
}

func TestStageRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2025, 10, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.StartStageRun(ctx, &models.StageRun{ID: "run-1", Stage: "sync", StartedAt: start, Status: models.StageStatusRunning}))
	require.NoError(t, store.StartStageRun(ctx, &models.StageRun{ID: "run-2", Stage: "similarity", StartedAt: start.Add(time.Minute), Status: models.StageStatusRunning}))
	require.NoError(t, store.FinishStageRun(ctx, "run-1", models.StageStatusFailed, "db down", start.Add(30*time.Second)))

	runs, err := store.ListStageRuns(ctx, "sync", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.StageStatusFailed, runs[0].Status)
	assert.Equal(t, "db down", runs[0].Error)
	require.NotNil(t, runs[0].FinishedAt)

	runs, err = store.ListStageRuns(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Nil(t, runs[0].FinishedAt)

	assert.ErrorIs(t, store.FinishStageRun(ctx, "missing", models.StageStatusSucceeded, "", time.Now()), ErrNotFound)
}

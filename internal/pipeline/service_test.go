package pipeline

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RomanDovgii/testing-lms/internal/config"
	"github.com/RomanDovgii/testing-lms/internal/errors"
	"github.com/RomanDovgii/testing-lms/internal/logging"
	"github.com/RomanDovgii/testing-lms/internal/models"
	"github.com/RomanDovgii/testing-lms/internal/process"
	"github.com/RomanDovgii/testing-lms/internal/scheduler"
	"github.com/RomanDovgii/testing-lms/internal/storage"
)

// offlineRunner fails every command the way an exhausted retry would
type offlineRunner struct {
	mu    sync.Mutex
	calls []process.Command
}

func (r *offlineRunner) Run(ctx context.Context, cmd process.Command) (*process.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()
	return nil, errors.ProcessErrorf(stderrors.New("network unreachable"), "%s failed after 3 attempt(s)", cmd.String())
}

type memoryHeads struct {
	mu      sync.Mutex
	heads   map[string]string
	forgets []string
}

func (h *memoryHeads) Get(repo string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.heads[repo], nil
}

func (h *memoryHeads) Set(repo, head string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heads[repo] = head
	return nil
}

func (h *memoryHeads) Forget(prefix string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forgets = append(h.forgets, prefix)
	n := 0
	for k := range h.heads {
		if strings.HasPrefix(k, prefix) {
			delete(h.heads, k)
			n++
		}
	}
	return n, nil
}

type fixture struct {
	svc    *Service
	store  *storage.SQLStore
	runner *offlineRunner
	heads  *memoryHeads
	base   string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()

	store, err := storage.NewSQLiteStore(":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Repos.BasePath = base
	cfg.Sync.RemoteRatePerSecond = 0

	runner := &offlineRunner{}
	heads := &memoryHeads{heads: map[string]string{}}
	svc, err := New(cfg, store, Deps{Runner: runner, Heads: heads}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &fixture{svc: svc, store: store, runner: runner, heads: heads, base: base}
}

func (f *fixture) addAssignment(t *testing.T, ext, branch string) models.Assignment {
	t.Helper()
	a := models.Assignment{Name: "Task " + ext, ExternalID: ext, Branch: branch}
	require.NoError(t, f.svc.AddAssignment(context.Background(), &a))
	return a
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestSyncAllIsolatesAssignmentFailures(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addAssignment(t, "1", "main")
	f.addAssignment(t, "2", "main")

	summary, err := f.svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Assignments)
	assert.Equal(t, 2, summary.Failed)

	// both bootstraps were attempted
	require.Len(t, f.runner.calls, 2)
	assert.Equal(t, "gh", f.runner.calls[0].Name)

	runs, err := f.svc.StageRuns(ctx, StageSync, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.StageStatusSucceeded, runs[0].Status)
	assert.NotNil(t, runs[0].FinishedAt)
}

func TestSyncAssignmentRecordsContributorFailures(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addAssignment(t, "612345", "main")
	require.NoError(t, os.MkdirAll(filepath.Join(f.base, "612345", "main", "g-submissions", "g-alice", ".git"), 0755))

	summary, err := f.svc.SyncAssignment(ctx, "612345")
	require.NoError(t, err)
	require.Len(t, summary.Syncs, 1)
	assert.Equal(t, 1, summary.Syncs[0].Failed)

	failures, err := f.svc.SyncFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].RepoPath, "g-alice")

	stats, err := f.svc.SyncFailureStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RetryableEntries)
}

func TestSyncAssignmentUnknown(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.SyncAssignment(ctx, "404")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	runs, err := f.svc.StageRuns(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.StageStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "404")
}

func TestDetectAnomalies(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.addAssignment(t, "1", "main")

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	var commits []models.CommitStat
	for i, activity := range []int{10, 10, 10, 100} {
		commits = append(commits, models.CommitStat{
			Hash:         strings.Repeat(string(rune('a'+i)), 40),
			Contributor:  "alice",
			CommittedAt:  start.Add(time.Duration(i) * time.Hour),
			Additions:    activity,
			AssignmentID: a.ID,
		})
	}
	_, err := f.store.SaveCommits(ctx, commits)
	require.NoError(t, err)

	res, err := f.svc.DetectAnomalies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	anomalies, err := f.svc.Anomalies(ctx, storage.AnomalyFilter{Contributor: "alice"})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, commits[3].Hash, anomalies[0].CommitHash)
}

func TestRunAll(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.addAssignment(t, "612345", "main")
	_, err := f.svc.ToggleComparison(ctx, a.ID)
	require.NoError(t, err)

	group := filepath.Join(f.base, "612345", "main", "landing-submissions")
	writeFile(t, filepath.Join(group, "landing-alice", "index.html"), "<h1>same</h1>")
	writeFile(t, filepath.Join(group, "landing-bob", "index.html"), "<h1>same</h1>")

	require.NoError(t, f.svc.RunAll(ctx))

	runs, err := f.svc.StageRuns(ctx, "", 0)
	require.NoError(t, err)
	stages := map[string]string{}
	for _, r := range runs {
		stages[r.Stage] = r.Status
	}
	assert.Equal(t, map[string]string{
		StageSync:         models.StageStatusSucceeded,
		StageAnomalies:    models.StageStatusSucceeded,
		StageParticipants: models.StageStatusSucceeded,
		StageSimilarity:   models.StageStatusSucceeded,
	}, stages)

	matches, err := f.svc.Matches(ctx, storage.MatchFilter{Contributor: "bob"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 100.0, matches[0].SimilarityPercent)

	people, err := f.svc.Participants(ctx, storage.ParticipantFilter{AssignmentExternalID: "612345"})
	require.NoError(t, err)
	assert.Len(t, people, 2)

	assigned, err := f.svc.AssignmentsForContributor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, a.ID, assigned[0].ID)
}

func TestRunStage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	assert.Error(t, f.svc.RunStage(ctx, "deploy"))
	assert.NoError(t, f.svc.RunStage(ctx, StageParticipants))
}

func TestJobs(t *testing.T) {
	f := setup(t)
	jobs := f.svc.Jobs()
	require.Len(t, jobs, 4)

	specs := map[string]string{}
	for _, j := range jobs {
		specs[j.Name] = j.Spec
		assert.NotNil(t, j.Run)
	}
	assert.Equal(t, "*/30 * * * *", specs[StageSync])
	assert.Equal(t, "1 */6 * * *", specs[StageAnomalies])
	assert.Equal(t, "40 */6 * * *", specs[StageSimilarity])
	assert.Equal(t, "40 */3 * * *", specs[StageParticipants])

	_, err := f.svc.Job("deploy")
	assert.Error(t, err)
}

func TestCloneTreeStagesExcludeEachOther(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	locker := scheduler.NewLocalLocker()
	sched := scheduler.New(locker, logging.Discard())

	similarity, err := f.svc.Job(StageSimilarity)
	require.NoError(t, err)
	assert.Contains(t, similarity.Locks, CloneTreeLock)
	anomalies, err := f.svc.Job(StageAnomalies)
	require.NoError(t, err)
	assert.NotContains(t, anomalies.Locks, CloneTreeLock)

	// a sync holding the tree keeps similarity and full runs out, not anomaly detection
	release, ok, err := locker.TryLock(ctx, CloneTreeLock)
	require.NoError(t, err)
	require.True(t, ok)

	ran, err := sched.RunNow(ctx, similarity)
	require.NoError(t, err)
	assert.False(t, ran)
	ran, err = sched.RunNow(ctx, f.svc.AllJob())
	require.NoError(t, err)
	assert.False(t, ran)
	ran, err = sched.RunNow(ctx, anomalies)
	require.NoError(t, err)
	assert.True(t, ran)
	release()

	ran, err = sched.RunNow(ctx, similarity)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestSyncAssignmentJob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addAssignment(t, "612345", "main")
	require.NoError(t, os.MkdirAll(filepath.Join(f.base, "612345", "main", "g-submissions", "g-alice", ".git"), 0755))

	job, summary := f.svc.SyncAssignmentJob("612345")
	assert.Equal(t, StageLocks(StageSync), job.Locks)
	assert.Nil(t, summary())

	ran, err := scheduler.New(nil, logging.Discard()).RunNow(ctx, job)
	require.NoError(t, err)
	require.True(t, ran)
	require.NotNil(t, summary())
	assert.Equal(t, 1, summary().Assignments)
}

func TestToggleComparison(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.addAssignment(t, "1", "main")

	enabled, err := f.svc.ToggleComparison(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, enabled)
	enabled, err = f.svc.ToggleComparison(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, enabled)

	_, err = f.svc.ToggleComparison(ctx, 9999)
	assert.True(t, IsNotFound(err))
}

func TestPurgeAssignment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.addAssignment(t, "612345", "main")
	keep := f.addAssignment(t, "700001", "main")

	clone := filepath.Join(f.base, "612345", "main", "g-submissions", "g-alice")
	other := filepath.Join(f.base, "700001", "main", "g-submissions", "g-alice")
	require.NoError(t, f.heads.Set(clone, "abc"))
	require.NoError(t, f.heads.Set(other, "def"))

	_, err := f.store.SaveCommits(ctx, []models.CommitStat{
		{Hash: "h1", Contributor: "alice", CommittedAt: time.Now(), AssignmentID: a.ID},
		{Hash: "h2", Contributor: "alice", CommittedAt: time.Now(), AssignmentID: keep.ID},
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.PurgeAssignment(ctx, a.ID))

	left, err := f.svc.Assignments(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, keep.ID, left[0].ID)

	n, err := f.store.CountCommits(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	head, _ := f.heads.Get(clone)
	assert.Empty(t, head)
	head, _ = f.heads.Get(other)
	assert.Equal(t, "def", head)

	assert.True(t, IsNotFound(f.svc.PurgeAssignment(ctx, a.ID)))
}

func TestAddAssignmentValidates(t *testing.T) {
	f := setup(t)
	err := f.svc.AddAssignment(context.Background(), &models.Assignment{Name: "no id"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConfig, errors.GetType(err))
}

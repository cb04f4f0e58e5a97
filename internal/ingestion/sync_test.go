package ingestion

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/RomanDovgii/testing-lms/internal/config"
	"github.com/RomanDovgii/testing-lms/internal/errors"
	"github.com/RomanDovgii/testing-lms/internal/logging"
	"github.com/RomanDovgii/testing-lms/internal/models"
	"github.com/RomanDovgii/testing-lms/internal/process"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, cmd process.Command) (*process.Result, error) {
	args := m.Called(ctx, cmd)
	res, _ := args.Get(0).(*process.Result)
	return res, args.Error(1)
}

// gitCall matches "git <sub> ..." run in dir
func gitCall(dir string, sub ...string) interface{} {
	return mock.MatchedBy(func(c process.Command) bool {
		if c.Name != "git" || c.Dir != dir || len(c.Args) < len(sub) {
			return false
		}
		for i, s := range sub {
			if c.Args[i] != s {
				return false
			}
		}
		return true
	})
}

type recordedFailure struct {
	repo string
	err  error
}

type fakeRecorder struct {
	mu       sync.Mutex
	failed   []recordedFailure
	resolved []string
}

func (f *fakeRecorder) Enqueue(ctx context.Context, ext, branch, repo string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, recordedFailure{repo: repo, err: cause})
	return nil
}

func (f *fakeRecorder) MarkResolved(ctx context.Context, ext, branch, repo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, repo)
	return nil
}

func testConfig(base string) *config.Config {
	cfg := config.Default()
	cfg.Repos.BasePath = base
	cfg.Sync.Parallelism = 2
	cfg.Sync.RemoteRatePerSecond = 0
	return cfg
}

// makeClone creates <base>/<ext>/<branch>/<group>/<name>, with a .git dir when withGit is set
func makeClone(t *testing.T, base, ext, branch, group, name string, withGit bool) string {
	t.Helper()
	dir := filepath.Join(base, ext, branch, group, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	if withGit {
		require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0755))
	}
	return dir
}

func okResult(stdout string) *process.Result {
	return &process.Result{Stdout: stdout, Attempts: 1}
}

func TestSyncAssignmentIsolatesFailures(t *testing.T) {
	base := t.TempDir()
	alice := makeClone(t, base, "612345", "main", "landing-submissions", "landing-alice", true)
	bob := makeClone(t, base, "612345", "main", "landing-submissions", "landing-bob", true)
	makeClone(t, base, "612345", "main", "landing-submissions", "landing-carol", false)

	runner := &mockRunner{}
	runner.On("Run", mock.Anything, gitCall(alice, "rev-parse")).Return(okResult("main\n"), nil)
	runner.On("Run", mock.Anything, gitCall(alice, "pull", "origin", "main")).Return(okResult(""), nil)
	runner.On("Run", mock.Anything, gitCall(bob, "rev-parse")).Return(okResult("lesson-1\n"), nil)
	runner.On("Run", mock.Anything, gitCall(bob, "fetch")).
		Return(nil, errors.ProcessError(stderrors.New("exit status 128"), "git fetch failed after 3 attempt(s)"))

	recorder := &fakeRecorder{}
	m, err := NewSyncManager(testConfig(base), runner, recorder, logging.Discard())
	require.NoError(t, err)
	defer m.Close()

	res, err := m.SyncAssignment(context.Background(), models.Assignment{ExternalID: "612345", Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)

	require.Len(t, recorder.failed, 1)
	assert.Equal(t, bob, recorder.failed[0].repo)
	assert.Equal(t, []string{alice}, recorder.resolved)

	runner.AssertExpectations(t)
	runner.AssertNotCalled(t, "Run", mock.Anything, gitCall(bob, "checkout"))
}

func TestSyncAssignmentSwitchesBranch(t *testing.T) {
	base := t.TempDir()
	alice := makeClone(t, base, "7", "lesson-2", "g-submissions", "g-alice", true)

	runner := &mockRunner{}
	runner.On("Run", mock.Anything, gitCall(alice, "rev-parse")).Return(okResult("main\n"), nil).Once()
	runner.On("Run", mock.Anything, gitCall(alice, "fetch")).Return(okResult(""), nil).Once()
	runner.On("Run", mock.Anything, gitCall(alice, "checkout", "lesson-2")).Return(okResult(""), nil).Once()
	runner.On("Run", mock.Anything, gitCall(alice, "pull", "origin", "lesson-2")).Return(okResult(""), nil).Once()

	m, err := NewSyncManager(testConfig(base), runner, nil, logging.Discard())
	require.NoError(t, err)
	defer m.Close()

	res, err := m.SyncAssignment(context.Background(), models.Assignment{ExternalID: "7", Branch: "lesson-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	runner.AssertExpectations(t)
}

func TestSyncAssignmentBootstrapsEmptyDirectory(t *testing.T) {
	base := t.TempDir()
	branchDir := BranchDir(base, "42", "main")
	dave := filepath.Join(branchDir, "g-submissions", "g-dave")

	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.MatchedBy(func(c process.Command) bool {
		return c.Name == "gh" && c.Dir == branchDir && c.Args[len(c.Args)-1] == "42"
	})).Run(func(args mock.Arguments) {
		require.NoError(t, os.MkdirAll(filepath.Join(dave, ".git"), 0755))
	}).Return(okResult(""), nil).Once()
	runner.On("Run", mock.Anything, gitCall(dave, "rev-parse")).Return(okResult("main\n"), nil)
	runner.On("Run", mock.Anything, gitCall(dave, "pull", "origin", "main")).Return(okResult(""), nil)

	m, err := NewSyncManager(testConfig(base), runner, nil, logging.Discard())
	require.NoError(t, err)
	defer m.Close()

	res, err := m.SyncAssignment(context.Background(), models.Assignment{ExternalID: "42", Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	runner.AssertExpectations(t)
}

func TestSyncAssignmentBootstrapFailure(t *testing.T) {
	base := t.TempDir()

	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).
		Return(nil, errors.ProcessError(stderrors.New("gh: not logged in"), "gh failed after 3 attempt(s)"))

	m, err := NewSyncManager(testConfig(base), runner, nil, logging.Discard())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.SyncAssignment(context.Background(), models.Assignment{ExternalID: "42", Branch: "main"})
	require.Error(t, err)
	assert.True(t, errors.IsSkippable(err))
	runner.AssertNumberOfCalls(t, "Run", 1)
}

func TestClassroomCommand(t *testing.T) {
	cmd, err := classroomCommand(config.Default().Repos.ClassroomCommand, "612345", "/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "gh", cmd.Name)
	assert.Equal(t, []string{"classroom", "clone", "student-repos", "--assignment-id", "612345"}, cmd.Args)
	assert.Equal(t, "/tmp/x", cmd.Dir)

	_, err = classroomCommand(nil, "1", "/tmp/x")
	assert.Error(t, err)
}

func TestListContributorDirs(t *testing.T) {
	base := t.TempDir()
	makeClone(t, base, "1", "main", "b-submissions", "b-zed", false)
	makeClone(t, base, "1", "main", "a-submissions", "a-amy", false)
	makeClone(t, base, "1", "main", "a-submissions", "node_modules", false)
	branchDir := BranchDir(base, "1", "main")
	require.NoError(t, os.WriteFile(filepath.Join(branchDir, "a-submissions", "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(branchDir, "stray.txt"), []byte("x"), 0644))

	dirs, err := ListContributorDirs(branchDir, logging.Discard())
	require.NoError(t, err)
	require.Len(t, dirs, 2)
	assert.Equal(t, "a-submissions", dirs[0].Group)
	assert.Equal(t, "a-amy", dirs[0].Name)
	assert.Equal(t, "b-zed", dirs[1].Name)
	assert.True(t, dirs[0].IsSubmissionGroup())
}

func TestListContributorDirsSkipsUnreadableGroup(t *testing.T) {
	base := t.TempDir()
	makeClone(t, base, "1", "main", "a-submissions", "a-amy", false)
	makeClone(t, base, "1", "main", "b-submissions", "b-bob", false)
	makeClone(t, base, "1", "main", "c-submissions", "c-cat", false)
	branchDir := BranchDir(base, "1", "main")
	locked := filepath.Join(branchDir, "b-submissions")

	orig := readDir
	t.Cleanup(func() { readDir = orig })
	readDir = func(name string) ([]os.DirEntry, error) {
		if name == locked {
			return nil, os.ErrPermission
		}
		return orig(name)
	}

	dirs, err := ListContributorDirs(branchDir, logging.Discard())
	require.NoError(t, err)
	require.Len(t, dirs, 2)
	assert.Equal(t, "a-amy", dirs[0].Name)
	assert.Equal(t, "c-cat", dirs[1].Name)

	readDir = func(string) ([]os.DirEntry, error) { return nil, os.ErrPermission }
	_, err = ListContributorDirs(branchDir, logging.Discard())
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestContributorDirNames(t *testing.T) {
	d := ContributorDir{Group: "landing-page-submissions", Name: "landing-page-alice"}
	assert.Equal(t, "alice", d.Contributor())
	assert.Equal(t, "landing-page", d.DisplayName())

	assert.Equal(t, "solo", ContributorDir{Name: "solo"}.Contributor())
	assert.Empty(t, ContributorDir{Name: "trailing-"}.Contributor())
}

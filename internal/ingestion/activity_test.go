package ingestion

import (
	"context"
	stderrors "errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/RomanDovgii/testing-lms/internal/config"
	"github.com/RomanDovgii/testing-lms/internal/errors"
	"github.com/RomanDovgii/testing-lms/internal/logging"
	"github.com/RomanDovgii/testing-lms/internal/models"
	"github.com/RomanDovgii/testing-lms/internal/process"
)

type memoryCommits struct {
	mu      sync.Mutex
	byHash  map[string]models.CommitStat
	failErr error
}

func newMemoryCommits() *memoryCommits {
	return &memoryCommits{byHash: map[string]models.CommitStat{}}
}

func (m *memoryCommits) SaveCommits(ctx context.Context, commits []models.CommitStat) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}
	n := 0
	for _, c := range commits {
		if _, ok := m.byHash[c.Hash]; ok {
			continue
		}
		m.byHash[c.Hash] = c
		n++
	}
	return n, nil
}

type memoryHeads map[string]string

func (h memoryHeads) Get(repo string) (string, error) { return h[repo], nil }
func (h memoryHeads) Set(repo, head string) error     { h[repo] = head; return nil }

func commitFile(t *testing.T, dir, name, content, email string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	for _, args := range [][]string{
		{"add", name},
		{"-c", "user.name=Student", "-c", "user.email=" + email, "commit", "-m", "update " + name},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
}

func TestIngestAssignmentFromRealClone(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	base := t.TempDir()
	repo := makeClone(t, base, "1", "main", "g-submissions", "g-alice", false)
	out, err := exec.Command("git", "init", repo).CombinedOutput()
	require.NoError(t, err, string(out))
	commitFile(t, repo, "index.html", "<h1>a</h1>\n<p>b</p>\n", "alice@students.example.com")
	commitFile(t, repo, "style.css", "p { margin: 0; }\n", "alice@students.example.com")

	runner := process.NewExecRunner(config.ProcessConfig{Attempts: 1, Delay: time.Millisecond, MaxElapsed: 30 * time.Second}, logging.Discard())
	store := newMemoryCommits()
	heads := memoryHeads{}
	ing := NewActivityIngester(base, runner, store, heads, logging.Discard())
	assignment := models.Assignment{ID: 9, ExternalID: "1", Branch: "main"}

	res, err := ing.IngestAssignment(context.Background(), assignment)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Repositories)
	assert.Equal(t, 2, res.Parsed)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, store.byHash, 2)
	for _, c := range store.byHash {
		assert.Equal(t, "alice", c.Contributor)
		assert.Equal(t, int64(9), c.AssignmentID)
	}
	assert.NotEmpty(t, heads[repo])

	// unchanged HEAD skips the log entirely
	res, err = ing.IngestAssignment(context.Background(), assignment)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, 0, res.Parsed)

	// a new commit is picked up and older ones are not duplicated
	commitFile(t, repo, "app.js", "console.log(1)\n", "alice@students.example.com")
	res, err = ing.IngestAssignment(context.Background(), assignment)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Parsed)
	assert.Equal(t, 1, res.Inserted)
}

func TestIngestAssignmentSkipsUnreadableHistory(t *testing.T) {
	base := t.TempDir()
	broken := makeClone(t, base, "1", "main", "g-submissions", "g-bob", true)
	makeClone(t, base, "1", "main", "g-submissions", "g-nogit", false)

	runner := &mockRunner{}
	runner.On("Run", mock.Anything, gitCall(broken, "rev-parse", "HEAD")).
		Return(nil, errors.ProcessError(stderrors.New("exit status 128"), "git rev-parse HEAD failed"))

	ing := NewActivityIngester(base, runner, newMemoryCommits(), nil, logging.Discard())
	res, err := ing.IngestAssignment(context.Background(), models.Assignment{ID: 1, ExternalID: "1", Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Repositories)
	assert.Equal(t, 1, res.Failed)
}

func TestIngestAssignmentPropagatesStorageFailure(t *testing.T) {
	base := t.TempDir()
	repo := makeClone(t, base, "1", "main", "g-submissions", "g-bob", true)

	runner := &mockRunner{}
	runner.On("Run", mock.Anything, gitCall(repo, "rev-parse", "HEAD")).Return(okResult("abc\n"), nil)
	runner.On("Run", mock.Anything, gitCall(repo, "log")).
		Return(okResult("abc|Bob|bob@x.io|2024-03-01T10:00:00+00:00\n1\t1\tindex.html\n"), nil)

	store := newMemoryCommits()
	store.failErr = stderrors.New("database is locked")

	ing := NewActivityIngester(base, runner, store, nil, logging.Discard())
	_, err := ing.IngestAssignment(context.Background(), models.Assignment{ID: 1, ExternalID: "1", Branch: "main"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeDatabase, errors.GetType(err))
}

func TestIngestAssignmentMissingDirectory(t *testing.T) {
	ing := NewActivityIngester(t.TempDir(), &mockRunner{}, newMemoryCommits(), nil, logging.Discard())
	res, err := ing.IngestAssignment(context.Background(), models.Assignment{ExternalID: "404", Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Repositories)
}

package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/RomanDovgii/testing-lms/internal/config"
	"github.com/RomanDovgii/testing-lms/internal/errors"
	"github.com/RomanDovgii/testing-lms/internal/git"
	"github.com/RomanDovgii/testing-lms/internal/models"
	"github.com/RomanDovgii/testing-lms/internal/process"
)

// FailureRecorder keeps track of contributor clones whose update gave up.
// dlq.Queue implements it.
type FailureRecorder interface {
	Enqueue(ctx context.Context, assignmentExternalID, branch, repoPath string, cause error) error
	MarkResolved(ctx context.Context, assignmentExternalID, branch, repoPath string) error
}

// SyncResult summarizes one assignment sync
type SyncResult struct {
	Assignment string
	Branch     string
	Updated    int
	Skipped    int
	Failed     int
	Duration   time.Duration
}

// SyncManager keeps the local clones of an assignment's submissions current
type SyncManager struct {
	runner       process.Runner
	git          *git.Client
	failures     FailureRecorder
	pool         *ants.Pool
	limiter      *rate.Limiter
	basePath     string
	classroomCmd []string
	logger       *logrus.Logger
}

// NewSyncManager creates a sync manager. failures may be nil.
func NewSyncManager(cfg *config.Config, runner process.Runner, failures FailureRecorder, logger *logrus.Logger) (*SyncManager, error) {
	size := cfg.Sync.Parallelism
	if size < 1 {
		size = 1
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync pool: %w", err)
	}

	limit := rate.Inf
	if cfg.Sync.RemoteRatePerSecond > 0 {
		limit = rate.Limit(cfg.Sync.RemoteRatePerSecond)
	}

	return &SyncManager{
		runner:       runner,
		git:          git.NewClient(runner),
		failures:     failures,
		pool:         pool,
		limiter:      rate.NewLimiter(limit, 1),
		basePath:     cfg.Repos.BasePath,
		classroomCmd: cfg.Repos.ClassroomCommand,
		logger:       logger,
	}, nil
}

// Close releases the worker pool
func (m *SyncManager) Close() {
	m.pool.Release()
}

// SyncAssignment bootstraps the assignment's branch directory when it is empty,
// then brings every contributor clone up to date. One failing clone never stops
// the others; the returned error is reserved for assignment-level failures.
func (m *SyncManager) SyncAssignment(ctx context.Context, assignment models.Assignment) (*SyncResult, error) {
	start := time.Now()
	dir := BranchDir(m.basePath, assignment.ExternalID, assignment.Branch)
	result := &SyncResult{Assignment: assignment.ExternalID, Branch: assignment.Branch}

	log := m.logger.WithFields(logrus.Fields{
		"assignment": assignment.ExternalID,
		"branch":     assignment.Branch,
	})

	if isEmptyDir(dir) {
		if err := m.bootstrap(ctx, assignment.ExternalID, dir); err != nil {
			log.WithError(err).Error("bootstrap failed")
			return result, errors.ProcessErrorf(err, "bootstrap of assignment %s", assignment.ExternalID)
		}
	}

	dirs, err := ListContributorDirs(dir, log)
	if err != nil {
		return result, errors.FileSystemErrorf(err, "list contributors of %s", dir)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	count := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.Failed++
		} else {
			result.Updated++
		}
	}

	for _, d := range dirs {
		if !git.IsRepository(d.Path) {
			log.WithField("dir", d.Path).Warn("not a git repository, skipping")
			result.Skipped++
			continue
		}

		repo := d.Path
		wg.Add(1)
		err := m.pool.Submit(func() {
			defer wg.Done()
			count(m.updateContributor(ctx, assignment, repo))
		})
		if err != nil {
			wg.Done()
			log.WithError(err).WithField("dir", repo).Error("failed to schedule update")
			count(err)
		}
	}
	wg.Wait()

	result.Duration = time.Since(start)
	log.WithFields(logrus.Fields{
		"updated":  result.Updated,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
		"duration": result.Duration.String(),
	}).Info("assignment sync completed")

	return result, nil
}

// updateContributor pulls the target branch, switching to it first when needed
func (m *SyncManager) updateContributor(ctx context.Context, assignment models.Assignment, repo string) error {
	err := m.pullBranch(ctx, repo, assignment.Branch)
	if err != nil {
		m.logger.WithFields(errors.FieldsOf(err)).WithFields(logrus.Fields{
			"assignment": assignment.ExternalID,
			"dir":        repo,
		}).WithError(err).Warn("contributor update failed")

		if m.failures != nil {
			if qerr := m.failures.Enqueue(ctx, assignment.ExternalID, assignment.Branch, repo, err); qerr != nil {
				m.logger.WithError(qerr).Error("failed to record sync failure")
			}
		}
		return err
	}

	if m.failures != nil {
		if qerr := m.failures.MarkResolved(ctx, assignment.ExternalID, assignment.Branch, repo); qerr != nil {
			m.logger.WithError(qerr).Error("failed to resolve sync failure")
		}
	}
	return nil
}

func (m *SyncManager) pullBranch(ctx context.Context, repo, branch string) error {
	current, err := m.git.CurrentBranch(ctx, repo)
	if err != nil {
		return err
	}

	if current != branch {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := m.git.Fetch(ctx, repo); err != nil {
			return err
		}
		if err := m.git.Checkout(ctx, repo, branch); err != nil {
			return err
		}
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	return m.git.Pull(ctx, repo, branch)
}

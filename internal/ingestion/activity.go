package ingestion

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/RomanDovgii/testing-lms/internal/errors"
	"github.com/RomanDovgii/testing-lms/internal/git"
	"github.com/RomanDovgii/testing-lms/internal/models"
	"github.com/RomanDovgii/testing-lms/internal/process"
	"github.com/RomanDovgii/testing-lms/internal/temporal"
)

// CommitSaver appends commit activity, ignoring hashes already stored
type CommitSaver interface {
	SaveCommits(ctx context.Context, commits []models.CommitStat) (int, error)
}

// HeadStore remembers the HEAD last ingested per clone. cache.HeadCache implements it.
type HeadStore interface {
	Get(repoPath string) (string, error)
	Set(repoPath, head string) error
}

// IngestResult summarizes one assignment's history ingest
type IngestResult struct {
	Assignment   string
	Repositories int
	Unchanged    int
	Failed       int
	Parsed       int
	Inserted     int
	Duration     time.Duration
}

// ActivityIngester reads the git history of every clone and stores per-commit activity
type ActivityIngester struct {
	git      *git.Client
	store    CommitSaver
	heads    HeadStore
	basePath string
	logger   *logrus.Logger
}

// NewActivityIngester creates an ingester. heads may be nil to always rescan.
func NewActivityIngester(basePath string, runner process.Runner, store CommitSaver, heads HeadStore, logger *logrus.Logger) *ActivityIngester {
	return &ActivityIngester{
		git:      git.NewClient(runner),
		store:    store,
		heads:    heads,
		basePath: basePath,
		logger:   logger,
	}
}

// IngestAssignment walks the assignment's clones. A clone whose history cannot be
// read is skipped; a storage failure aborts the ingest.
func (i *ActivityIngester) IngestAssignment(ctx context.Context, assignment models.Assignment) (*IngestResult, error) {
	start := time.Now()
	result := &IngestResult{Assignment: assignment.ExternalID}
	dir := BranchDir(i.basePath, assignment.ExternalID, assignment.Branch)

	dirs, err := ListContributorDirs(dir, i.logger)
	if err != nil {
		if os.IsNotExist(err) {
			i.logger.WithField("dir", dir).Warn("assignment directory missing, nothing to ingest")
			return result, nil
		}
		return result, errors.FileSystemErrorf(err, "list contributors of %s", dir)
	}

	for _, d := range dirs {
		if !git.IsRepository(d.Path) {
			continue
		}
		result.Repositories++

		parsed, inserted, unchanged, err := i.ingestRepository(ctx, assignment, d.Path)
		if err != nil {
			if errors.IsSkippable(err) {
				i.logger.WithFields(errors.FieldsOf(err)).WithField("dir", d.Path).WithError(err).Warn("history unavailable, skipping")
				result.Failed++
				continue
			}
			return result, err
		}
		if unchanged {
			result.Unchanged++
		}
		result.Parsed += parsed
		result.Inserted += inserted
	}

	result.Duration = time.Since(start)
	i.logger.WithFields(logrus.Fields{
		"assignment":   assignment.ExternalID,
		"repositories": result.Repositories,
		"unchanged":    result.Unchanged,
		"failed":       result.Failed,
		"inserted":     result.Inserted,
		"duration":     result.Duration.String(),
	}).Info("activity ingest completed")

	return result, nil
}

func (i *ActivityIngester) ingestRepository(ctx context.Context, assignment models.Assignment, repo string) (parsed, inserted int, unchanged bool, err error) {
	head, err := i.git.Head(ctx, repo)
	if err != nil {
		return 0, 0, false, err
	}

	if i.heads != nil {
		cached, cerr := i.heads.Get(repo)
		if cerr != nil {
			i.logger.WithError(cerr).Debug("head cache read failed")
		} else if cached == head {
			return 0, 0, true, nil
		}
	}

	raw, err := i.git.Log(ctx, repo)
	if err != nil {
		return 0, 0, false, err
	}

	commits := toCommitStats(temporal.ParseGitLog(raw), assignment.ID)
	n, err := i.store.SaveCommits(ctx, commits)
	if err != nil {
		return 0, 0, false, errors.DatabaseErrorf(err, "save commits of %s", repo)
	}

	if i.heads != nil {
		if err := i.heads.Set(repo, head); err != nil {
			i.logger.WithError(err).Warn("failed to update head cache")
		}
	}
	return len(commits), n, false, nil
}

func toCommitStats(commits []temporal.Commit, assignmentID int64) []models.CommitStat {
	stats := make([]models.CommitStat, 0, len(commits))
	for _, c := range commits {
		if c.Hash == "" {
			continue
		}
		stats = append(stats, models.CommitStat{
			Hash:         c.Hash,
			Contributor:  c.Contributor,
			CommittedAt:  c.Timestamp,
			Additions:    c.Additions,
			Deletions:    c.Deletions,
			AssignmentID: assignmentID,
		})
	}
	return stats
}

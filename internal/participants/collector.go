package participants

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/RomanDovgii/testing-lms/internal/errors"
	"github.com/RomanDovgii/testing-lms/internal/ingestion"
	"github.com/RomanDovgii/testing-lms/internal/models"
	"github.com/RomanDovgii/testing-lms/internal/storage"
)

// Store is the slice of storage the collector needs
type Store interface {
	ParticipantExists(ctx context.Context, contributor, assignmentExternalID, branch string) (bool, error)
	SaveParticipant(ctx context.Context, participant *models.Participant) (bool, error)
	GetContributor(ctx context.Context, login string) (*models.Contributor, error)
	SaveContributor(ctx context.Context, contributor *models.Contributor) error
}

// ProfileResolver fetches reference data for a contributor login
type ProfileResolver interface {
	FetchProfile(ctx context.Context, login string) (*models.Contributor, error)
}

// CollectResult summarises one collector run
type CollectResult struct {
	Branches int
	Found    int
	Inserted int
	Profiles int
	Duration time.Duration
}

// Collector indexes which contributors have a clone under which assignment branch
type Collector struct {
	store    Store
	resolver ProfileResolver
	basePath string
	logger   *logrus.Logger
}

// NewCollector creates a collector. resolver may be nil.
func NewCollector(basePath string, store Store, resolver ProfileResolver, logger *logrus.Logger) *Collector {
	return &Collector{
		store:    store,
		resolver: resolver,
		basePath: basePath,
		logger:   logger,
	}
}

// Collect walks <base>/<assignment>/<branch>/<group>/<contributor-folder> and
// records every membership not stored yet
func (c *Collector) Collect(ctx context.Context) (*CollectResult, error) {
	start := time.Now()
	result := &CollectResult{}

	assignments, err := subdirs(c.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.WithField("dir", c.basePath).Warn("base path missing, no participants")
			return result, nil
		}
		return nil, errors.FileSystemErrorf(err, "read %s", c.basePath)
	}

	for _, assignmentID := range assignments {
		branches, err := subdirs(filepath.Join(c.basePath, assignmentID))
		if err != nil {
			c.logger.WithField("assignment", assignmentID).WithError(err).Warn("unreadable assignment directory")
			continue
		}

		for _, branch := range branches {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			result.Branches++
			if err := c.collectBranch(ctx, assignmentID, branch, result); err != nil {
				return result, err
			}
		}
	}

	result.Duration = time.Since(start)
	c.logger.WithFields(logrus.Fields{
		"branches": result.Branches,
		"found":    result.Found,
		"inserted": result.Inserted,
		"profiles": result.Profiles,
		"duration": result.Duration.String(),
	}).Info("participant collection completed")

	return result, nil
}

func (c *Collector) collectBranch(ctx context.Context, assignmentID, branch string, result *CollectResult) error {
	dir := ingestion.BranchDir(c.basePath, assignmentID, branch)
	dirs, err := ingestion.ListContributorDirs(dir, c.logger)
	if err != nil {
		c.logger.WithField("dir", dir).WithError(err).Warn("unreadable branch directory")
		return nil
	}

	for _, d := range dirs {
		login := d.Contributor()
		if login == "" {
			continue
		}
		result.Found++

		exists, err := c.store.ParticipantExists(ctx, login, assignmentID, branch)
		if err != nil {
			return errors.DatabaseError(err, "participant lookup")
		}
		if !exists {
			inserted, err := c.store.SaveParticipant(ctx, &models.Participant{
				Contributor:          login,
				AssignmentExternalID: assignmentID,
				Branch:               branch,
				DisplayName:          d.DisplayName(),
			})
			if err != nil {
				return errors.DatabaseError(err, "save participant")
			}
			if inserted {
				result.Inserted++
			}
		}

		if c.resolver != nil {
			resolved, err := c.resolveProfile(ctx, login)
			if err != nil {
				return err
			}
			if resolved {
				result.Profiles++
			}
		}
	}
	return nil
}

// resolveProfile fills in reference data once per login. Resolver failures are
// only logged; storage failures are returned.
func (c *Collector) resolveProfile(ctx context.Context, login string) (bool, error) {
	_, err := c.store.GetContributor(ctx, login)
	if err == nil {
		return false, nil
	}
	if !stderrors.Is(err, storage.ErrNotFound) {
		return false, errors.DatabaseError(err, "contributor lookup")
	}

	profile, err := c.resolver.FetchProfile(ctx, login)
	if err != nil {
		c.logger.WithField("login", login).WithError(err).Warn("profile lookup failed")
		return false, nil
	}
	// keyed by the folder login, which may differ in case from the account
	profile.Login = login

	if err := c.store.SaveContributor(ctx, profile); err != nil {
		return false, errors.DatabaseError(err, "save contributor")
	}
	return true, nil
}

func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

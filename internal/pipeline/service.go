package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/RomanDovgii/testing-lms/internal/config"
	"github.com/RomanDovgii/testing-lms/internal/dlq"
	"github.com/RomanDovgii/testing-lms/internal/errors"
	"github.com/RomanDovgii/testing-lms/internal/ingestion"
	"github.com/RomanDovgii/testing-lms/internal/models"
	"github.com/RomanDovgii/testing-lms/internal/participants"
	"github.com/RomanDovgii/testing-lms/internal/process"
	"github.com/RomanDovgii/testing-lms/internal/scheduler"
	"github.com/RomanDovgii/testing-lms/internal/similarity"
	"github.com/RomanDovgii/testing-lms/internal/storage"
	"github.com/RomanDovgii/testing-lms/internal/temporal"
)

// Stage names, as recorded in stage_runs and used for locking
const (
	StageSync         = "sync"
	StageAnomalies    = "anomalies"
	StageSimilarity   = "similarity"
	StageParticipants = "participants"
)

// Stages lists every stage in pipeline order
var Stages = []string{StageSync, StageAnomalies, StageParticipants, StageSimilarity}

// failureRetryBudget is how many consecutive failed syncs make a DLQ entry "exhausted"
const failureRetryBudget = 3

// failureRetention is how long unresolved DLQ entries are kept
const failureRetention = 30 * 24 * time.Hour

// HeadCache is the ingest skip cache; cache.HeadCache implements it
type HeadCache interface {
	ingestion.HeadStore
	Forget(prefix string) (int, error)
}

// Deps are the optional collaborators of a Service
type Deps struct {
	Runner   process.Runner               // defaults to an ExecRunner from cfg.Process
	Heads    HeadCache                    // nil disables HEAD skipping
	Resolver participants.ProfileResolver // nil disables profile lookups
}

// Service wires the pipeline stages to one store and exposes them as operations
type Service struct {
	cfg       *config.Config
	store     storage.Store
	failures  *dlq.Queue
	syncer    *ingestion.SyncManager
	ingester  *ingestion.ActivityIngester
	detector  *temporal.AnomalyDetector
	analyzer  *similarity.Analyzer
	collector *participants.Collector
	heads     HeadCache
	logger    *logrus.Logger
}

// New creates a Service
func New(cfg *config.Config, store storage.Store, deps Deps, logger *logrus.Logger) (*Service, error) {
	runner := deps.Runner
	if runner == nil {
		runner = process.NewExecRunner(cfg.Process, logger)
	}

	failures := dlq.NewQueue(store.DB(), logger)

	syncer, err := ingestion.NewSyncManager(cfg, runner, failures, logger)
	if err != nil {
		return nil, err
	}

	analyzer, err := similarity.NewAnalyzer(cfg, store, logger)
	if err != nil {
		syncer.Close()
		return nil, err
	}

	var heads ingestion.HeadStore
	if deps.Heads != nil {
		heads = deps.Heads
	}

	return &Service{
		cfg:       cfg,
		store:     store,
		failures:  failures,
		syncer:    syncer,
		ingester:  ingestion.NewActivityIngester(cfg.Repos.BasePath, runner, store, heads, logger),
		detector:  temporal.NewAnomalyDetector(store, cfg.Anomaly, logger),
		analyzer:  analyzer,
		collector: participants.NewCollector(cfg.Repos.BasePath, store, deps.Resolver, logger),
		heads:     deps.Heads,
		logger:    logger,
	}, nil
}

// Close releases the worker pools
func (s *Service) Close() {
	s.syncer.Close()
	s.analyzer.Close()
}

// runStage records a stage run around fn
func (s *Service) runStage(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	run := &models.StageRun{
		ID:        uuid.NewString(),
		Stage:     stage,
		StartedAt: time.Now(),
		Status:    models.StageStatusRunning,
	}
	if err := s.store.StartStageRun(ctx, run); err != nil {
		return errors.DatabaseError(err, "record stage start")
	}

	log := s.logger.WithFields(logrus.Fields{"stage": stage, "run": run.ID})
	log.Info("stage started")

	err := fn(ctx)

	status, msg := models.StageStatusSucceeded, ""
	if err != nil {
		status, msg = models.StageStatusFailed, err.Error()
	}
	// record the outcome even when ctx was cancelled
	if ferr := s.store.FinishStageRun(context.WithoutCancel(ctx), run.ID, status, msg, time.Now()); ferr != nil {
		log.WithError(ferr).Error("failed to record stage outcome")
	}

	duration := time.Since(run.StartedAt)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"duration":   duration.String(),
			"error_type": errors.GetType(err).String(),
		}).Error("stage failed")
		return err
	}
	log.WithField("duration", duration.String()).Info("stage completed")
	return nil
}

// SyncSummary aggregates sync and ingest results over several assignments
type SyncSummary struct {
	Assignments int
	Failed      int // assignments whose sync failed outright
	Syncs       []*ingestion.SyncResult
	Ingests     []*ingestion.IngestResult
}

// SyncAll syncs every assignment and ingests its commit history
func (s *Service) SyncAll(ctx context.Context) (*SyncSummary, error) {
	summary := &SyncSummary{}
	err := s.runStage(ctx, StageSync, func(ctx context.Context) error {
		assignments, err := s.store.ListAssignments(ctx)
		if err != nil {
			return errors.DatabaseError(err, "list assignments")
		}
		if err := s.syncAssignments(ctx, assignments, summary); err != nil {
			return err
		}
		if _, err := s.failures.PurgeOld(ctx, failureRetention); err != nil {
			s.logger.WithError(err).Warn("failed to purge old sync failures")
		}
		return nil
	})
	return summary, err
}

// SyncAssignment syncs every branch registered under one external assignment id
func (s *Service) SyncAssignment(ctx context.Context, externalID string) (*SyncSummary, error) {
	summary := &SyncSummary{}
	err := s.runStage(ctx, StageSync, func(ctx context.Context) error {
		assignments, err := s.store.AssignmentsByExternalID(ctx, externalID)
		if err != nil {
			return errors.DatabaseError(err, "find assignment")
		}
		if len(assignments) == 0 {
			return fmt.Errorf("assignment %s: %w", externalID, storage.ErrNotFound)
		}
		return s.syncAssignments(ctx, assignments, summary)
	})
	return summary, err
}

func (s *Service) syncAssignments(ctx context.Context, assignments []models.Assignment, summary *SyncSummary) error {
	for _, a := range assignments {
		if err := ctx.Err(); err != nil {
			return err
		}
		summary.Assignments++

		res, err := s.syncer.SyncAssignment(ctx, a)
		if err != nil {
			if !errors.IsSkippable(err) {
				return err
			}
			summary.Failed++
			s.logger.WithField("assignment", a.ExternalID).WithError(err).Warn("assignment sync failed")
			continue
		}
		summary.Syncs = append(summary.Syncs, res)

		ing, err := s.ingester.IngestAssignment(ctx, a)
		if err != nil {
			if !errors.IsSkippable(err) {
				return err
			}
			s.logger.WithField("assignment", a.ExternalID).WithError(err).Warn("activity ingest failed")
			continue
		}
		summary.Ingests = append(summary.Ingests, ing)
	}
	return nil
}

// DetectAnomalies flags outlier commits
func (s *Service) DetectAnomalies(ctx context.Context) (*temporal.DetectionResult, error) {
	var result *temporal.DetectionResult
	err := s.runStage(ctx, StageAnomalies, func(ctx context.Context) error {
		var err error
		result, err = s.detector.Detect(ctx)
		return err
	})
	return result, err
}

// AnalyzeSimilarity compares submissions of comparison-enabled assignments
func (s *Service) AnalyzeSimilarity(ctx context.Context) (*similarity.AnalysisResult, error) {
	var result *similarity.AnalysisResult
	err := s.runStage(ctx, StageSimilarity, func(ctx context.Context) error {
		var err error
		result, err = s.analyzer.Analyze(ctx)
		return err
	})
	return result, err
}

// CollectParticipants indexes contributor clones found on disk
func (s *Service) CollectParticipants(ctx context.Context) (*participants.CollectResult, error) {
	var result *participants.CollectResult
	err := s.runStage(ctx, StageParticipants, func(ctx context.Context) error {
		var err error
		result, err = s.collector.Collect(ctx)
		return err
	})
	return result, err
}

// RunAll runs sync, then anomaly detection alongside participant collection,
// then similarity analysis
func (s *Service) RunAll(ctx context.Context) error {
	if _, err := s.SyncAll(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := s.DetectAnomalies(gctx)
		return err
	})
	g.Go(func() error {
		_, err := s.CollectParticipants(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	_, err := s.AnalyzeSimilarity(ctx)
	return err
}

// RunStage runs one stage by name
func (s *Service) RunStage(ctx context.Context, stage string) error {
	var err error
	switch stage {
	case StageSync:
		_, err = s.SyncAll(ctx)
	case StageAnomalies:
		_, err = s.DetectAnomalies(ctx)
	case StageSimilarity:
		_, err = s.AnalyzeSimilarity(ctx)
	case StageParticipants:
		_, err = s.CollectParticipants(ctx)
	default:
		return fmt.Errorf("unknown stage %q (want one of %v)", stage, Stages)
	}
	return err
}

// CloneTreeLock is held by every stage that reads or writes the clones on disk
const CloneTreeLock = "clone-tree"

// StageLocks lists the locks a stage holds while running. Sync and similarity
// share the clone tree lock, so neither runs while the other does.
func StageLocks(stage string) []string {
	switch stage {
	case StageSync, StageSimilarity:
		return []string{stage, CloneTreeLock}
	}
	return []string{stage}
}

// Job returns the runnable form of one stage
func (s *Service) Job(stage string) (scheduler.Job, error) {
	specs := map[string]string{
		StageSync:         s.cfg.Scheduler.SyncSpec,
		StageAnomalies:    s.cfg.Scheduler.AnomalySpec,
		StageSimilarity:   s.cfg.Scheduler.SimilaritySpec,
		StageParticipants: s.cfg.Scheduler.ParticipantsSpec,
	}
	spec, ok := specs[stage]
	if !ok {
		return scheduler.Job{}, fmt.Errorf("unknown stage %q (want one of %v)", stage, Stages)
	}
	return scheduler.Job{
		Name:  stage,
		Spec:  spec,
		Locks: StageLocks(stage),
		Run:   func(ctx context.Context) error { return s.RunStage(ctx, stage) },
	}, nil
}

// Jobs returns the scheduled form of every stage
func (s *Service) Jobs() []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(Stages))
	for _, stage := range Stages {
		job, _ := s.Job(stage)
		jobs = append(jobs, job)
	}
	return jobs
}

// AllJob runs every stage in order while holding every stage lock
func (s *Service) AllJob() scheduler.Job {
	locks := []string{CloneTreeLock}
	locks = append(locks, Stages...)
	return scheduler.Job{Name: "all", Locks: locks, Run: s.RunAll}
}

// SyncAssignmentJob syncs one assignment under the sync stage's locks. The
// returned func yields the summary once the job has run.
func (s *Service) SyncAssignmentJob(externalID string) (scheduler.Job, func() *SyncSummary) {
	var summary *SyncSummary
	job := scheduler.Job{
		Name:  StageSync,
		Locks: StageLocks(StageSync),
		Run: func(ctx context.Context) error {
			var err error
			summary, err = s.SyncAssignment(ctx, externalID)
			return err
		},
	}
	return job, func() *SyncSummary { return summary }
}

// Reads

func (s *Service) Anomalies(ctx context.Context, filter storage.AnomalyFilter) ([]models.Anomaly, error) {
	return s.store.ListAnomalies(ctx, filter)
}

func (s *Service) Matches(ctx context.Context, filter storage.MatchFilter) ([]models.SimilarityMatch, error) {
	return s.store.ListMatches(ctx, filter)
}

func (s *Service) Participants(ctx context.Context, filter storage.ParticipantFilter) ([]models.Participant, error) {
	return s.store.ListParticipants(ctx, filter)
}

// AssignmentsForContributor lists the assignments a login has a clone for
func (s *Service) AssignmentsForContributor(ctx context.Context, login string) ([]models.Assignment, error) {
	return s.store.AssignmentsForContributor(ctx, login)
}

func (s *Service) SyncFailures(ctx context.Context, limit int) ([]dlq.Entry, error) {
	return s.failures.GetRecentFailures(ctx, limit)
}

func (s *Service) SyncFailureStats(ctx context.Context) (*dlq.Stats, error) {
	return s.failures.GetStats(ctx, failureRetryBudget)
}

func (s *Service) StageRuns(ctx context.Context, stage string, limit int) ([]models.StageRun, error) {
	return s.store.ListStageRuns(ctx, stage, limit)
}

func (s *Service) Assignments(ctx context.Context) ([]models.Assignment, error) {
	return s.store.ListAssignments(ctx)
}

// Writes

// AddAssignment registers an assignment for syncing
func (s *Service) AddAssignment(ctx context.Context, a *models.Assignment) error {
	if a.ExternalID == "" || a.Branch == "" {
		return errors.ConfigError("assignment needs an external id and a branch")
	}
	return s.store.CreateAssignment(ctx, a)
}

// ToggleComparison flips similarity analysis for an assignment and returns the new state
func (s *Service) ToggleComparison(ctx context.Context, assignmentID int64) (bool, error) {
	if _, err := s.store.GetAssignment(ctx, assignmentID); err != nil {
		return false, err
	}
	return s.store.ToggleComparison(ctx, assignmentID)
}

// PurgeAssignment deletes an assignment with all pipeline data derived from it.
// Local clones are left on disk; their HEAD cache entries are dropped so a
// re-added assignment is ingested again.
func (s *Service) PurgeAssignment(ctx context.Context, assignmentID int64) error {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if err := s.store.PurgeAssignment(ctx, assignmentID); err != nil {
		return errors.DatabaseError(err, "purge assignment")
	}

	if s.heads != nil {
		prefix := ingestion.BranchDir(s.cfg.Repos.BasePath, a.ExternalID, a.Branch) + string(filepath.Separator)
		if _, err := s.heads.Forget(prefix); err != nil {
			s.logger.WithError(err).Warn("failed to clear head cache")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"assignment": a.ExternalID,
		"branch":     a.Branch,
	}).Info("assignment purged")
	return nil
}

// IsNotFound reports whether err means a missing assignment
func IsNotFound(err error) bool {
	return stderrors.Is(err, storage.ErrNotFound)
}

package similarity

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"github.com/RomanDovgii/testing-lms/internal/config"
	"github.com/RomanDovgii/testing-lms/internal/errors"
	"github.com/RomanDovgii/testing-lms/internal/ingestion"
	"github.com/RomanDovgii/testing-lms/internal/models"
)

// MatchStore is the slice of storage the analyzer needs
type MatchStore interface {
	ComparisonEnabledAssignments(ctx context.Context) ([]models.Assignment, error)
	MatchExists(ctx context.Context, match *models.SimilarityMatch) (bool, error)
	SaveMatch(ctx context.Context, match *models.SimilarityMatch) (bool, error)
	PruneMatches(ctx context.Context, threshold float64) (int64, error)
	FlaggedContributors(ctx context.Context, threshold float64) ([]string, error)
}

// Percent scores two texts from 0 (nothing shared) to 100 (identical) as
// (maxLen - editDistance) / maxLen, counting runes. Two empty texts score 100.
func Percent(a, b string) float64 {
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 100
	}
	dist := levenshtein.ComputeDistance(a, b)
	return float64(maxLen-dist) / float64(maxLen) * 100
}

// AnalysisResult summarises one analyzer run
type AnalysisResult struct {
	Assignments  int
	Skipped      int // assignments without a branch directory
	Comparisons  int
	Inserted     int
	Duplicates   int
	Failed       int
	PrunedBefore int64
	PrunedAfter  int64
	Flagged      []string
	Duration     time.Duration
}

// Analyzer compares same-named submitted files across contributors
type Analyzer struct {
	store     MatchStore
	collector *Collector
	pool      *ants.Pool
	basePath  string
	threshold float64
	logger    *logrus.Logger
}

// NewAnalyzer creates an analyzer with a comparison pool of similarity.parallelism workers
func NewAnalyzer(cfg *config.Config, store MatchStore, logger *logrus.Logger) (*Analyzer, error) {
	size := cfg.Similarity.Parallelism
	if size < 1 {
		size = 1
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create comparison pool: %w", err)
	}

	return &Analyzer{
		store:     store,
		collector: NewCollector(cfg.Similarity, logger),
		pool:      pool,
		basePath:  cfg.Repos.BasePath,
		threshold: cfg.Similarity.RetentionThreshold,
		logger:    logger,
	}, nil
}

// Close releases the comparison pool
func (a *Analyzer) Close() {
	a.pool.Release()
}

// Analyze runs the comparison over every assignment with comparison enabled.
// Matches below the retention threshold are pruned before and after.
func (a *Analyzer) Analyze(ctx context.Context) (*AnalysisResult, error) {
	start := time.Now()
	result := &AnalysisResult{}

	assignments, err := a.store.ComparisonEnabledAssignments(ctx)
	if err != nil {
		return nil, errors.DatabaseError(err, "list comparison-enabled assignments")
	}

	if result.PrunedBefore, err = a.store.PruneMatches(ctx, a.threshold); err != nil {
		return nil, errors.DatabaseError(err, "prune matches")
	}

	for _, assignment := range assignments {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		dir := ingestion.BranchDir(a.basePath, assignment.ExternalID, assignment.Branch)
		if _, err := os.Stat(dir); err != nil {
			a.logger.WithFields(logrus.Fields{
				"assignment": assignment.ExternalID,
				"dir":        dir,
			}).Warn("branch directory missing, skipping assignment")
			result.Skipped++
			continue
		}

		groups, err := a.collector.Collect(dir)
		if err != nil {
			a.logger.WithField("dir", dir).WithError(err).Warn("failed to collect submissions, skipping assignment")
			result.Skipped++
			continue
		}

		a.compareGroups(ctx, assignment, groups, result)
		result.Assignments++
	}

	if result.PrunedAfter, err = a.store.PruneMatches(ctx, a.threshold); err != nil {
		return result, errors.DatabaseError(err, "prune matches")
	}

	if result.Flagged, err = a.store.FlaggedContributors(ctx, a.threshold); err != nil {
		return result, errors.DatabaseError(err, "list flagged contributors")
	}

	result.Duration = time.Since(start)
	a.logger.WithFields(logrus.Fields{
		"assignments": result.Assignments,
		"comparisons": result.Comparisons,
		"inserted":    result.Inserted,
		"failed":      result.Failed,
		"flagged":     result.Flagged,
		"duration":    result.Duration.String(),
	}).Info("similarity analysis completed")

	return result, nil
}

func (a *Analyzer) compareGroups(ctx context.Context, assignment models.Assignment, groups FileGroups, result *AnalysisResult) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, key := range groups.Keys() {
		contents := groups[key]
		if len(contents) < 2 {
			continue
		}

		contributors := make([]string, 0, len(contents))
		for c := range contents {
			contributors = append(contributors, c)
		}
		sort.Strings(contributors)

		for i := 0; i < len(contributors); i++ {
			for j := i + 1; j < len(contributors); j++ {
				match := &models.SimilarityMatch{
					ContributorA: contributors[i],
					ContributorB: contributors[j],
					Filename:     key.Name,
					AssignmentID: assignment.ID,
				}
				left, right := contents[contributors[i]], contents[contributors[j]]

				wg.Add(1)
				err := a.pool.Submit(func() {
					defer wg.Done()
					match.SimilarityPercent = Percent(left, right)
					inserted, err := a.record(ctx, match)

					mu.Lock()
					defer mu.Unlock()
					result.Comparisons++
					switch {
					case err != nil:
						result.Failed++
						a.logger.WithFields(logrus.Fields{
							"file": match.Filename,
							"a":    match.ContributorA,
							"b":    match.ContributorB,
						}).WithError(err).Error("failed to record match")
					case inserted:
						result.Inserted++
					default:
						result.Duplicates++
					}
				})
				if err != nil {
					wg.Done()
					mu.Lock()
					result.Failed++
					mu.Unlock()
					a.logger.WithError(err).Error("failed to schedule comparison")
				}
			}
		}
	}
	wg.Wait()
}

// record stores the match unless an identical one is already there
func (a *Analyzer) record(ctx context.Context, match *models.SimilarityMatch) (bool, error) {
	exists, err := a.store.MatchExists(ctx, match)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	match.DetectedAt = time.Now()
	return a.store.SaveMatch(ctx, match)
}

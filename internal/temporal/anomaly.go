package temporal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"

	"github.com/RomanDovgii/testing-lms/internal/config"
	"github.com/RomanDovgii/testing-lms/internal/errors"
	"github.com/RomanDovgii/testing-lms/internal/models"
)

// ActivityStore is the slice of storage the detector reads and writes
type ActivityStore interface {
	DistinctContributors(ctx context.Context) ([]string, error)
	CommitsByContributor(ctx context.Context, contributor string) ([]models.CommitStat, error)
	AnomalyExists(ctx context.Context, contributor string, committedAt time.Time) (bool, error)
	SaveAnomaly(ctx context.Context, anomaly *models.Anomaly) (bool, error)
}

// Classify returns the indexes of activities strictly above multiplier × mean,
// along with the threshold. An empty series has no outliers.
func Classify(activities []float64, multiplier float64) ([]int, float64) {
	mean, err := stats.Mean(activities)
	if err != nil {
		return nil, 0
	}

	threshold := multiplier * mean
	var flagged []int
	for i, a := range activities {
		if a > threshold {
			flagged = append(flagged, i)
		}
	}
	return flagged, threshold
}

// DetectionResult summarises one detector run
type DetectionResult struct {
	Contributors int
	Evaluated    int // contributors with enough commits
	Skipped      int // contributors below the minimum commit count
	Flagged      int
	Inserted     int
	Duration     time.Duration
}

// AnomalyDetector flags commits whose activity is far above the contributor's mean
type AnomalyDetector struct {
	store      ActivityStore
	minCommits int
	multiplier float64
	logger     *logrus.Logger
}

// NewAnomalyDetector creates a detector from the anomaly settings
func NewAnomalyDetector(store ActivityStore, cfg config.AnomalyConfig, logger *logrus.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		store:      store,
		minCommits: cfg.MinCommits,
		multiplier: cfg.Multiplier,
		logger:     logger,
	}
}

// Detect evaluates every contributor's complete history across all
// assignments, ordered by commit time. Existing anomalies for the same (contributor, commit time) are left alone.
func (d *AnomalyDetector) Detect(ctx context.Context) (*DetectionResult, error) {
	start := time.Now()
	result := &DetectionResult{}

	contributors, err := d.store.DistinctContributors(ctx)
	if err != nil {
		return nil, errors.DatabaseError(err, "list contributors")
	}
	result.Contributors = len(contributors)

	for _, contributor := range contributors {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		history, err := d.store.CommitsByContributor(ctx, contributor)
		if err != nil {
			return result, errors.DatabaseErrorf(err, "load commits for %s", contributor)
		}

		series := orderByTime(history)
		if len(series) < d.minCommits {
			result.Skipped++
			continue
		}
		result.Evaluated++

		activities := make([]float64, len(series))
		for i := range series {
			activities[i] = float64(series[i].Activity())
		}

		flagged, threshold := Classify(activities, d.multiplier)
		for _, idx := range flagged {
			result.Flagged++
			inserted, err := d.record(ctx, series[idx])
			if err != nil {
				return result, err
			}
			if inserted {
				result.Inserted++
				d.logger.WithFields(logrus.Fields{
					"contributor": contributor,
					"assignment":  series[idx].AssignmentID,
					"commit":      series[idx].Hash,
					"activity":    series[idx].Activity(),
					"threshold":   fmt.Sprintf("%.2f", threshold),
				}).Info("anomalous commit recorded")
			}
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (d *AnomalyDetector) record(ctx context.Context, commit models.CommitStat) (bool, error) {
	exists, err := d.store.AnomalyExists(ctx, commit.Contributor, commit.CommittedAt)
	if err != nil {
		return false, errors.DatabaseErrorf(err, "check anomaly for %s", commit.Contributor)
	}
	if exists {
		return false, nil
	}

	inserted, err := d.store.SaveAnomaly(ctx, &models.Anomaly{
		Contributor:  commit.Contributor,
		AssignmentID: commit.AssignmentID,
		CommittedAt:  commit.CommittedAt,
		CommitHash:   commit.Hash,
		DetectedAt:   time.Now().UTC(),
	})
	if err != nil {
		return false, errors.DatabaseErrorf(err, "save anomaly for %s", commit.Contributor)
	}
	return inserted, nil
}

// orderByTime returns a copy of history sorted by commit time
func orderByTime(history []models.CommitStat) []models.CommitStat {
	series := append([]models.CommitStat(nil), history...)
	sort.SliceStable(series, func(i, j int) bool {
		return series[i].CommittedAt.Before(series[j].CommittedAt)
	})
	return series
}

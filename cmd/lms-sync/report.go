package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/RomanDovgii/testing-lms/internal/pipeline"
	"github.com/RomanDovgii/testing-lms/internal/storage"
)

var (
	reportContributor string
	reportAssignment  int64
	reportExternalID  string
	reportBranch      string
	reportMinPercent  float64
	reportStage       string
	reportLimit       int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print stored pipeline results as JSON",
}

var reportAnomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "Commits with unusually large activity",
	RunE: withService(func(ctx context.Context, cmd *cobra.Command, svc *pipeline.Service) error {
		rows, err := svc.Anomalies(ctx, storage.AnomalyFilter{
			Contributor:  reportContributor,
			AssignmentID: reportAssignment,
			Limit:        reportLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rows)
	}),
}

var reportMatchesCmd = &cobra.Command{
	Use:   "matches",
	Short: "Similar submission files",
	RunE: withService(func(ctx context.Context, cmd *cobra.Command, svc *pipeline.Service) error {
		rows, err := svc.Matches(ctx, storage.MatchFilter{
			Contributor:  reportContributor,
			AssignmentID: reportAssignment,
			MinPercent:   reportMinPercent,
			Limit:        reportLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rows)
	}),
}

var reportParticipantsCmd = &cobra.Command{
	Use:   "participants",
	Short: "Contributors found in the assignment folders",
	RunE: withService(func(ctx context.Context, cmd *cobra.Command, svc *pipeline.Service) error {
		rows, err := svc.Participants(ctx, storage.ParticipantFilter{
			Contributor:          reportContributor,
			AssignmentExternalID: reportExternalID,
			Branch:               reportBranch,
			Limit:                reportLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rows)
	}),
}

var reportFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Clones whose last update failed",
	RunE: withService(func(ctx context.Context, cmd *cobra.Command, svc *pipeline.Service) error {
		stats, err := svc.SyncFailureStats(ctx)
		if err != nil {
			return err
		}
		entries, err := svc.SyncFailures(ctx, reportLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"stats":   stats,
			"entries": entries,
		})
	}),
}

var reportRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Recent stage runs",
	RunE: withService(func(ctx context.Context, cmd *cobra.Command, svc *pipeline.Service) error {
		runs, err := svc.StageRuns(ctx, reportStage, reportLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), runs)
	}),
}

func init() {
	reportAnomaliesCmd.Flags().StringVar(&reportContributor, "contributor", "", "only this contributor")
	reportAnomaliesCmd.Flags().Int64Var(&reportAssignment, "assignment", 0, "only this assignment (internal id)")

	reportMatchesCmd.Flags().StringVar(&reportContributor, "contributor", "", "only pairs involving this contributor")
	reportMatchesCmd.Flags().Int64Var(&reportAssignment, "assignment", 0, "only this assignment (internal id)")
	reportMatchesCmd.Flags().Float64Var(&reportMinPercent, "min", 0, "minimum similarity percent")

	reportParticipantsCmd.Flags().StringVar(&reportContributor, "contributor", "", "only this contributor")
	reportParticipantsCmd.Flags().StringVar(&reportExternalID, "assignment", "", "only this classroom assignment id")
	reportParticipantsCmd.Flags().StringVar(&reportBranch, "branch", "", "only this branch")

	reportRunsCmd.Flags().StringVar(&reportStage, "stage", "", "only this stage")

	for _, c := range []*cobra.Command{reportAnomaliesCmd, reportMatchesCmd, reportParticipantsCmd, reportFailuresCmd, reportRunsCmd} {
		c.Flags().IntVar(&reportLimit, "limit", 100, "maximum rows (0 for all)")
		reportCmd.AddCommand(c)
	}
}

// withService opens the service around a command body
func withService(fn func(ctx context.Context, cmd *cobra.Command, svc *pipeline.Service) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		svc, cleanup, err := openService(ctx)
		if err != nil {
			return err
		}
		defer cleanup()
		return fn(ctx, cmd, svc)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync <assignment-id>",
	Short: "Sync and ingest a single assignment",
	Long: `Pulls every clone of the assignment's registered branches and records
their new commits. The id is the classroom assignment id.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate().Err(); err != nil {
			return err
		}

		ctx := context.Background()
		svc, cleanup, err := openService(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		job, summary := svc.SyncAssignmentJob(args[0])
		if err := runOnce(ctx, job); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summary())
	},
}

package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/RomanDovgii/testing-lms/internal/models"
	"github.com/RomanDovgii/testing-lms/internal/pipeline"
)

var (
	assignmentName    string
	assignmentBranch  string
	assignmentOwner   int64
	assignmentForUser string
)

var assignmentCmd = &cobra.Command{
	Use:   "assignment",
	Short: "Manage the assignments being synced",
}

var assignmentAddCmd = &cobra.Command{
	Use:   "add <classroom-assignment-id>",
	Short: "Register an assignment branch for syncing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, cmd *cobra.Command, svc *pipeline.Service) error {
			a := models.Assignment{
				Name:       assignmentName,
				ExternalID: args[0],
				Branch:     assignmentBranch,
				OwnerID:    assignmentOwner,
			}
			if a.Name == "" {
				a.Name = args[0]
			}
			if err := svc.AddAssignment(ctx, &a); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Assignment %s (%s) registered with id %d\n", a.ExternalID, a.Branch, a.ID)
			return nil
		})(cmd, args)
	},
}

var assignmentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered assignments",
	RunE: withService(func(ctx context.Context, cmd *cobra.Command, svc *pipeline.Service) error {
		var (
			list []models.Assignment
			err  error
		)
		if assignmentForUser != "" {
			list, err = svc.AssignmentsForContributor(ctx, assignmentForUser)
		} else {
			list, err = svc.Assignments(ctx)
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), list)
	}),
}

var assignmentToggleCmd = &cobra.Command{
	Use:   "toggle-compare <id>",
	Short: "Switch similarity analysis on or off for an assignment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withService(func(ctx context.Context, cmd *cobra.Command, svc *pipeline.Service) error {
			enabled, err := svc.ToggleComparison(ctx, id)
			if pipeline.IsNotFound(err) {
				return fmt.Errorf("assignment %d not found", id)
			}
			if err != nil {
				return err
			}
			state := "disabled"
			if enabled {
				state = "enabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Similarity analysis %s for assignment %d\n", state, id)
			return nil
		})(cmd, args)
	},
}

var assignmentPurgeCmd = &cobra.Command{
	Use:   "purge <id>",
	Short: "Delete an assignment and everything derived from it",
	Long: `Deletes the assignment, its commits, anomalies, matches, participants and
sync failures. Local clones stay on disk.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withService(func(ctx context.Context, cmd *cobra.Command, svc *pipeline.Service) error {
			if err := svc.PurgeAssignment(ctx, id); err != nil {
				if pipeline.IsNotFound(err) {
					return fmt.Errorf("assignment %d not found", id)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Assignment %d purged\n", id)
			return nil
		})(cmd, args)
	},
}

func init() {
	assignmentAddCmd.Flags().StringVar(&assignmentName, "name", "", "display name (default: the classroom id)")
	assignmentAddCmd.Flags().StringVar(&assignmentBranch, "branch", "main", "branch to keep in sync")
	assignmentAddCmd.Flags().Int64Var(&assignmentOwner, "owner", 0, "owning teacher id")

	assignmentListCmd.Flags().StringVar(&assignmentForUser, "contributor", "", "only assignments this contributor has a clone for")

	assignmentCmd.AddCommand(assignmentAddCmd)
	assignmentCmd.AddCommand(assignmentListCmd)
	assignmentCmd.AddCommand(assignmentToggleCmd)
	assignmentCmd.AddCommand(assignmentPurgeCmd)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid assignment id %q", s)
	}
	return id, nil
}

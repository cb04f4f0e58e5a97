package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/RomanDovgii/testing-lms/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <stage|all>",
	Short: "Run one pipeline stage now",
	Long: fmt.Sprintf(`Runs a single stage, or every stage with "all", and exits. Fails when the
same stage, or a stage sharing the clone tree, is already running.

Stages: %s`, strings.Join(pipeline.Stages, ", ")),
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

		job := svc.AllJob()
		if args[0] != "all" {
			if job, err = svc.Job(args[0]); err != nil {
				return err
			}
		}
		return runOnce(ctx, job)
	},
}

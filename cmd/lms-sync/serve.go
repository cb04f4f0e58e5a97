package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RomanDovgii/testing-lms/internal/scheduler"
)

var (
	serveRunFirst    bool
	serveStopTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run every stage on its schedule until interrupted",
	Long: `Starts the scheduler. Each stage runs on its configured cron spec and never
overlaps itself; sync and similarity also never overlap each other. With scheduler.redis_addr set, the lock is shared by every
lms-sync process using that Redis server.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveRunFirst, "run-now", false, "run every stage once before waiting for the schedule")
	serveCmd.Flags().DurationVar(&serveStopTimeout, "stop-timeout", time.Minute, "how long to wait for running stages on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate().Err(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := openService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	locker, closeLocker, err := newLocker(ctx)
	if err != nil {
		return err
	}
	defer closeLocker()

	sched := scheduler.New(locker, logger)
	for _, job := range svc.Jobs() {
		if err := sched.Add(job); err != nil {
			return err
		}
	}

	if serveRunFirst {
		for _, job := range svc.Jobs() {
			if _, err := sched.RunNow(ctx, job); err != nil {
				logger.WithField("stage", job.Name).WithError(err).Error("initial run failed")
			}
		}
	}

	sched.Start()
	for _, next := range sched.Entries() {
		logger.WithField("next", next.Format(time.RFC3339)).Debug("scheduled")
	}
	logger.Info("scheduler started")

	<-ctx.Done()
	logger.Info("shutting down")
	sched.Stop(serveStopTimeout)
	return nil
}

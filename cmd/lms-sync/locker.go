package main

import (
	"context"
	"fmt"
	"os"

	"github.com/RomanDovgii/testing-lms/internal/cache"
	"github.com/RomanDovgii/testing-lms/internal/scheduler"
)

// newLocker shares stage locks through Redis when scheduler.redis_addr is set.
// A local locker only keeps runs inside this process apart.
func newLocker(ctx context.Context) (scheduler.Locker, func(), error) {
	if cfg.Scheduler.RedisAddr == "" {
		return scheduler.NewLocalLocker(), func() {}, nil
	}
	client, err := cache.NewClient(ctx, cfg.Scheduler.RedisAddr, os.Getenv("REDIS_PASSWORD"), logger)
	if err != nil {
		return nil, nil, err
	}
	locker := scheduler.NewRedisLocker(client, cfg.Scheduler.LockTTL, logger)
	return locker, func() { client.Close() }, nil
}

// runOnce runs job under its locks and fails when another run holds one of them
func runOnce(ctx context.Context, job scheduler.Job) error {
	locker, closeLocker, err := newLocker(ctx)
	if err != nil {
		return err
	}
	defer closeLocker()

	ran, err := scheduler.New(locker, logger).RunNow(ctx, job)
	if err != nil {
		return err
	}
	if !ran {
		return fmt.Errorf("%s is already running elsewhere, try again later", job.Name)
	}
	return nil
}

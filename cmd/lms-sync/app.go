package main

import (
	"context"

	"github.com/RomanDovgii/testing-lms/internal/cache"
	"github.com/RomanDovgii/testing-lms/internal/github"
	"github.com/RomanDovgii/testing-lms/internal/pipeline"
	"github.com/RomanDovgii/testing-lms/internal/storage"
)

// openService opens the store and caches the commands share and wires them
// into a pipeline service. The returned func releases all of it.
func openService(ctx context.Context) (*pipeline.Service, func(), error) {
	store, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		return nil, nil, err
	}

	var deps pipeline.Deps

	heads, err := cache.OpenHeadCache(cfg.Cache.HeadCachePath)
	if err != nil {
		logger.WithError(err).Warn("head cache unavailable, every clone will be re-read")
	} else {
		deps.Heads = heads
	}

	if cfg.GitHub.ResolveProfiles {
		if cfg.GitHub.Token == "" {
			logger.Warn("no GitHub token configured, profile lookups are unauthenticated")
		}
		deps.Resolver = github.NewClient(ctx, cfg.GitHub.Token, cfg.GitHub.RateLimit)
	}

	svc, err := pipeline.New(cfg, store, deps, logger)
	if err != nil {
		if heads != nil {
			heads.Close()
		}
		store.Close()
		return nil, nil, err
	}

	cleanup := func() {
		svc.Close()
		if heads != nil {
			if err := heads.Close(); err != nil {
				logger.WithError(err).Warn("failed to close head cache")
			}
		}
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("failed to close store")
		}
	}
	return svc, cleanup, nil
}

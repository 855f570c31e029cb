package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/beaconcrm/beacon-core/internal/config"
	"github.com/beaconcrm/beacon-core/internal/core"
	"github.com/beaconcrm/beacon-core/internal/observability"
)

func main() {
	logger := observability.InitLogger("beacon")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	c, err := core.New(core.Options{Config: cfg, Logger: logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build client core")
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Msg("shutdown error")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("session restore failed; continuing unauthenticated")
	}

	go func() {
		if err := c.RunCredentialWatcher(ctx); err != nil {
			logger.Warn().Err(err).Msg("credential watcher unavailable")
		}
	}()

	logger.Info().Str("api", cfg.APIBaseURL).Msg("beacon core running")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
}

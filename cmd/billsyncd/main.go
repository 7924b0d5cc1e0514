// Command billsyncd serves the billing API, the Stripe webhook and Prometheus metrics.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/billsync/internal/app"
	"github.com/mihaimyh/billsync/internal/config"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "billsyncd").Logger()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger = logger.Level(app.ParseLevel(cfg.LogLevel))
	logger.Info().Str("env", cfg.Env).Str("storage", cfg.Storage.Driver).Msg("starting billsyncd")
	logger.Debug().Msg(cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize app")
	}

	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("app stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("app stopped gracefully")
}

// Lemonzee settlement - escrow-mediated transaction settlement engine
package main

import (
	"context"
	"os"

	"github.com/XaidenLabs/lemonzee-settlement/internal/config"
	"github.com/XaidenLabs/lemonzee-settlement/internal/logging"
	"github.com/XaidenLabs/lemonzee-settlement/internal/server"
	"github.com/XaidenLabs/lemonzee-settlement/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting lemonzee-settlement",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"currency", cfg.DefaultCurrency,
		"commission_rate", cfg.CommissionRate,
	)

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("failed to initialize tracing", "error", err)
	} else {
		defer func() { _ = shutdownTraces(context.Background()) }()
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

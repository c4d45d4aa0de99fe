// Package main provides the game room gateway binary: an XMPP external
// component that hosts chess sessions in multi-user chat rooms.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameroom/internal/config"
	"github.com/cory-johannsen/gameroom/internal/observability"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, zap.String("component", cfg.Component.Domain))
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting gateway",
		zap.String("xmpp_addr", cfg.Component.Addr()),
		zap.String("muc_domain", cfg.Component.MUCDomain()),
		zap.String("storage", cfg.Storage.Driver),
	)

	lifecycle, cleanup, err := InitializeLifecycle(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("initializing gateway", zap.Error(err))
	}

	logger.Info("gateway initialized", zap.Duration("startup", time.Since(start)))

	err = lifecycle.Run(ctx)
	cleanup()
	if err != nil {
		logger.Fatal("gateway error", zap.Error(err))
	}
}

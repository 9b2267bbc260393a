package main

// Package main is the entry point for the gateway server.
//
// Responsibilities:
//   - Load and validate configuration from the environment (plus an
//     optional YAML config file)
//   - Build the process logger
//   - Wire the component graph: dialect adapters, pricing and model
//     catalogs, provider router, usage tracker, optional trust-root
//     authorizer
//   - Serve the ingress HTTP routes and implement graceful shutdown

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/logging"
	"github.com/ekailabs/ekai-gateway-sub002/internal/server"
)

func main() {
	cfg, err := server.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.LogPath = cfg.LogPath
	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("received shutdown signal")

	if err := srv.Stop(); err != nil {
		logger.Error("error stopping server", zap.Error(err))
		os.Exit(1)
	}
}

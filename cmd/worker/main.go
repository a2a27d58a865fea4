// Package main provides the entry point for the tally worker service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/tally/internal/config"
	"github.com/thebtf/tally/internal/logging"
	"github.com/thebtf/tally/internal/telemetry"
	"github.com/thebtf/tally/internal/worker"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup(logging.Options{})
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logFile := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logFile.Close()

	log.Info().
		Str("version", Version).
		Str("driver", cfg.DBDriver).
		Msg("Starting tally worker")

	// Must run before the service builds its meters
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "tally-worker",
		Version:     Version,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		Headers:     cfg.OTLPHeaders,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init telemetry")
	}

	svc, err := worker.NewService(Version, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create service")
	}

	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start service")
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := svc.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
	if err := shutdownTelemetry(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry flush failed")
	}

	log.Info().Msg("Worker shutdown complete")
}

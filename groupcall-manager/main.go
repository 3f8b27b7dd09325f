// Package main implements the group call manager: it keeps one member
// device's view of running group calls consistent with its peers and joins
// the authoritative call of each group on request.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/vettid/groupcall.yaml", "Path to configuration file")
	devMode := flag.Bool("dev-mode", false, "Run in development mode (local DEK file)")
	natsURL := flag.String("nats-url", "", "NATS server URL (overrides config)")
	identity := flag.String("identity", "", "Local member identity (overrides config)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if *identity != "" {
		cfg.Identity = *identity
	}
	if *devMode {
		cfg.DevMode = true
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Bool("dev_mode", cfg.DevMode).
		Msg("Group call manager starting")

	manager, err := NewManager(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create group call manager")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := manager.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Group call manager error")
	}

	log.Info().Msg("Group call manager shutdown complete")
}

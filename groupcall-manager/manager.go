package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vettid/groupcall/coordinator"
	"github.com/vettid/groupcall/natsbus"
	"github.com/vettid/groupcall/sfu"
	"github.com/vettid/groupcall/storage"
)

// Manager wires the engine to NATS, storage and the relay.
type Manager struct {
	config *Config
}

// NewManager creates a manager for a validated configuration
func NewManager(cfg *Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Manager{config: cfg}, nil
}

// Run starts every component and blocks until ctx is cancelled
func (m *Manager) Run(ctx context.Context) error {
	cfg := m.config
	logger := log.Logger.With().Str("identity", cfg.Identity).Logger()

	secrets, err := NewSecretLoader(ctx, cfg)
	if err != nil {
		return err
	}
	dek, err := secrets.LoadDEK(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to load storage key: %w", err)
	}
	natsToken, err := secrets.LoadNATSToken(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.Path, dek)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	health := NewHealthServer(cfg.Health.Port)
	go health.Start()
	defer health.Stop()

	client, err := natsbus.Connect(cfg.natsBusConfig(natsToken), logger, health.SetNATSConnected)
	if err != nil {
		return err
	}
	defer client.Close()
	logger.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")

	subjects := natsbus.Subjects{Prefix: cfg.NATS.SubjectPrefix}
	tokens := sfu.NewTokenCache(natsbus.NewTokenFetcher(client, subjects, cfg.Identity), logger)
	peeker := sfu.NewHTTPClient(time.Duration(cfg.SFU.HTTPTimeout)*time.Millisecond, logger)

	opts := cfg.Options()
	opts.Logger = &logger
	coord, err := coordinator.New(coordinator.Deps{
		Store:     store,
		Prober:    sfu.NewProbe(peeker, tokens, logger),
		Tokens:    tokens,
		Transport: natsbus.NewMediaTransport(client, subjects, logger),
		Announcer: natsbus.NewAnnouncer(client, subjects, cfg.Identity, logger),
		Directory: natsbus.NewDirectory(client, subjects),
		Status:    natsbus.NewStatusPublisher(client, subjects, logger),
	}, opts)
	if err != nil {
		return err
	}
	sub := coord.SubscribeAll(health.Observe)
	defer sub.Close()

	if _, err := natsbus.ListenStarts(ctx, client, subjects, cfg.Identity, coord, logger); err != nil {
		return err
	}
	if _, err := natsbus.ServeControl(ctx, client, subjects, cfg.Identity, coord, logger); err != nil {
		return err
	}

	logger.Info().
		Dur("refresh_interval", opts.RefreshInterval).
		Dur("grace_period", opts.GracePeriod).
		Msg("Group call coordinator running")

	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("coordinator stopped: %w", err)
	}
	return nil
}

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groupcall.yaml")
	yaml := `
identity: ECHOECHO
log_level: debug
nats:
  url: nats://localhost:4222
  subject_prefix: test
storage:
  path: /tmp/calls.db
engine:
  refresh_interval_ms: 5000
  grace_period_ms: 1500
  abandon_min_tries: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ECHOECHO", cfg.Identity)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "test", cfg.NATS.SubjectPrefix)
	assert.Equal(t, 2000, cfg.NATS.ReconnectWait, "unset keys keep their defaults")
	assert.Equal(t, "/tmp/calls.db", cfg.Storage.Path)
	assert.Equal(t, 5000, cfg.Engine.RefreshInterval)
	assert.Equal(t, 5, cfg.Engine.AbandonMinTries)
	assert.Equal(t, 600, cfg.Engine.AbandonMinCallAgeMins)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nats: [unterminated"), 0o600))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Identity = "ECHOECHO"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults with identity", func(*Config) {}, ""},
		{"missing identity", func(c *Config) { c.Identity = "" }, "identity is required"},
		{"missing nats url", func(c *Config) { c.NATS.URL = "" }, "nats.url is required"},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path is required"},
		{"sealed dek required", func(c *Config) { c.Storage.SealedDEKFile = "" }, "sealed_dek_file is required"},
		{"dev mode dek file", func(c *Config) {
			c.DevMode = true
			c.Storage.SealedDEKFile = ""
			c.Storage.DEKFile = "/tmp/dek"
		}, ""},
		{"zero refresh interval", func(c *Config) { c.Engine.RefreshInterval = 0 }, "refresh_interval_ms"},
		{"negative grace", func(c *Config) { c.Engine.GracePeriod = -1 }, "grace_period_ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "identity is required")
	assert.ErrorContains(t, err, "nats.url is required")
	assert.ErrorContains(t, err, "storage.path is required")
}

func TestOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Identity = "ECHOECHO"
	cfg.Engine.RefreshInterval = 2500
	cfg.Engine.GracePeriod = 750
	cfg.Engine.AbandonMinTries = 4
	cfg.Engine.AbandonMinCallAgeMins = 30
	cfg.Engine.PeekConcurrency = 8

	opts := cfg.Options()
	assert.Equal(t, "ECHOECHO", opts.LocalIdentity)
	assert.Equal(t, 2500*time.Millisecond, opts.RefreshInterval)
	assert.Equal(t, 750*time.Millisecond, opts.GracePeriod)
	assert.Equal(t, 4, opts.Abandon.MinTries)
	assert.Equal(t, 30*time.Minute, opts.Abandon.MinCallAge)
	assert.Equal(t, 8, opts.PeekConcurrency)
	assert.EqualValues(t, 1, opts.ProtocolVersion)
}

func TestNATSBusConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Identity = "ECHOECHO"

	bus := cfg.natsBusConfig("secret")
	assert.Equal(t, cfg.NATS.URL, bus.URL)
	assert.Equal(t, "groupcall-manager-ECHOECHO", bus.Name)
	assert.Equal(t, "secret", bus.Token)
	assert.Equal(t, 2*time.Second, bus.ReconnectWait)
	assert.Equal(t, -1, bus.MaxReconnects)
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager(&Config{})
	assert.ErrorContains(t, err, "invalid configuration")

	cfg := DefaultConfig()
	cfg.Identity = "ECHOECHO"
	m, err := NewManager(cfg)
	require.NoError(t, err)
	assert.Same(t, cfg, m.config)
}

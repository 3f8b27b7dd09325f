package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vettid/groupcall/calls"
	"github.com/vettid/groupcall/coordinator"
	"github.com/vettid/groupcall/natsbus"
)

// Config holds the group call manager configuration
type Config struct {
	// DevMode reads the storage DEK from a local file instead of KMS
	DevMode bool `yaml:"dev_mode"`

	LogLevel string `yaml:"log_level"`

	// Identity is the local member identity
	Identity string `yaml:"identity"`

	NATS    NATSConfig    `yaml:"nats"`
	Storage StorageConfig `yaml:"storage"`
	SFU     SFUConfig     `yaml:"sfu"`
	Engine  EngineConfig  `yaml:"engine"`
	Health  HealthConfig  `yaml:"health"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	// TokenParameter is an SSM parameter holding the NATS auth token
	TokenParameter string `yaml:"token_parameter"`
	Region         string `yaml:"region"`
	ReconnectWait  int    `yaml:"reconnect_wait_ms"`
	MaxReconnects  int    `yaml:"max_reconnects"`
	SubjectPrefix  string `yaml:"subject_prefix"`
}

// StorageConfig holds the running call database settings
type StorageConfig struct {
	Path string `yaml:"path"`
	// DEKFile holds the raw 32-byte DEK (dev mode only)
	DEKFile string `yaml:"dek_file"`
	// SealedDEKFile holds the KMS-encrypted DEK
	SealedDEKFile string `yaml:"sealed_dek_file"`
	KMSKeyID      string `yaml:"kms_key_id"`
	Region        string `yaml:"region"`
}

// SFUConfig holds relay client settings
type SFUConfig struct {
	HTTPTimeout int `yaml:"http_timeout_ms"`
}

// EngineConfig holds the arbitration tunables
type EngineConfig struct {
	ProtocolVersion       uint32 `yaml:"protocol_version"`
	RefreshInterval       int    `yaml:"refresh_interval_ms"`
	GracePeriod           int    `yaml:"grace_period_ms"`
	AbandonMinTries       int    `yaml:"abandon_min_tries"`
	AbandonMinCallAgeMins int    `yaml:"abandon_min_call_age_minutes"`
	PeekConcurrency       int    `yaml:"peek_concurrency"`
}

// HealthConfig holds health check settings
type HealthConfig struct {
	Port int `yaml:"port"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	def := coordinator.DefaultOptions()
	return &Config{
		LogLevel: "info",
		NATS: NATSConfig{
			URL:             "nats://nats.internal.vettid.dev:4222",
			CredentialsFile: "/etc/vettid/nats.creds",
			Region:          "us-east-1",
			ReconnectWait:   2000,
			MaxReconnects:   -1, // Unlimited
			SubjectPrefix:   natsbus.DefaultSubjectPrefix,
		},
		Storage: StorageConfig{
			Path:          "/var/lib/vettid/groupcalls.db",
			SealedDEKFile: "/etc/vettid/groupcalls.dek.sealed",
			Region:        "us-east-1",
		},
		SFU: SFUConfig{
			HTTPTimeout: 10000,
		},
		Engine: EngineConfig{
			ProtocolVersion:       def.ProtocolVersion,
			RefreshInterval:       int(def.RefreshInterval / time.Millisecond),
			GracePeriod:           0,
			AbandonMinTries:       def.Abandon.MinTries,
			AbandonMinCallAgeMins: int(def.Abandon.MinCallAge / time.Minute),
			PeekConcurrency:       def.PeekConcurrency,
		},
		Health: HealthConfig{
			Port: 8080,
		},
	}
}

// Validate checks the settings needed to start.
func (c *Config) Validate() error {
	var errs []error
	if c.Identity == "" {
		errs = append(errs, errors.New("identity is required"))
	}
	if c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.DevMode {
		if c.Storage.DEKFile == "" && c.Storage.SealedDEKFile == "" {
			errs = append(errs, errors.New("storage.dek_file or storage.sealed_dek_file is required"))
		}
	} else if c.Storage.SealedDEKFile == "" {
		errs = append(errs, errors.New("storage.sealed_dek_file is required outside dev mode"))
	}
	if c.Engine.RefreshInterval <= 0 {
		errs = append(errs, errors.New("engine.refresh_interval_ms must be positive"))
	}
	if c.Engine.GracePeriod < 0 {
		errs = append(errs, errors.New("engine.grace_period_ms must not be negative"))
	}
	return errors.Join(errs...)
}

// Options converts the engine section into coordinator options.
func (c *Config) Options() coordinator.Options {
	opts := coordinator.DefaultOptions()
	opts.LocalIdentity = c.Identity
	if c.Engine.ProtocolVersion != 0 {
		opts.ProtocolVersion = c.Engine.ProtocolVersion
	}
	opts.RefreshInterval = time.Duration(c.Engine.RefreshInterval) * time.Millisecond
	opts.GracePeriod = time.Duration(c.Engine.GracePeriod) * time.Millisecond
	opts.Abandon = calls.AbandonPolicy{
		MinTries:   c.Engine.AbandonMinTries,
		MinCallAge: time.Duration(c.Engine.AbandonMinCallAgeMins) * time.Minute,
	}
	opts.PeekConcurrency = c.Engine.PeekConcurrency
	return opts
}

func (c *Config) natsBusConfig(token string) natsbus.Config {
	return natsbus.Config{
		URL:             c.NATS.URL,
		Name:            "groupcall-manager-" + c.Identity,
		CredentialsFile: c.NATS.CredentialsFile,
		Token:           token,
		ReconnectWait:   time.Duration(c.NATS.ReconnectWait) * time.Millisecond,
		MaxReconnects:   c.NATS.MaxReconnects,
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

const dekSize = 32

type kmsAPI interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SecretLoader resolves the storage DEK and the NATS token.
type SecretLoader struct {
	kms kmsAPI
	ssm ssmAPI
}

// NewSecretLoader creates AWS clients for the regions in cfg. Clients are
// only created for the secrets the configuration actually references.
func NewSecretLoader(ctx context.Context, cfg *Config) (*SecretLoader, error) {
	l := &SecretLoader{}
	if cfg.Storage.SealedDEKFile != "" && !(cfg.DevMode && cfg.Storage.DEKFile != "") {
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Storage.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		l.kms = kms.NewFromConfig(awsCfg)
	}
	if cfg.NATS.TokenParameter != "" {
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.NATS.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		l.ssm = ssm.NewFromConfig(awsCfg)
	}
	return l, nil
}

// LoadDEK returns the 32-byte data encryption key protecting stored call
// keys. In dev mode a raw key file takes precedence over the sealed one.
func (l *SecretLoader) LoadDEK(ctx context.Context, cfg *Config) ([]byte, error) {
	if cfg.DevMode && cfg.Storage.DEKFile != "" {
		log.Warn().Str("path", cfg.Storage.DEKFile).Msg("Using plaintext DEK file (dev mode)")
		dek, err := os.ReadFile(cfg.Storage.DEKFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read DEK file: %w", err)
		}
		return checkDEK(dek)
	}

	if l.kms == nil {
		return nil, errors.New("KMS client not configured")
	}
	sealed, err := os.ReadFile(cfg.Storage.SealedDEKFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read sealed DEK: %w", err)
	}
	in := &kms.DecryptInput{CiphertextBlob: sealed}
	if cfg.Storage.KMSKeyID != "" {
		in.KeyId = aws.String(cfg.Storage.KMSKeyID)
	}
	out, err := l.kms.Decrypt(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}
	log.Debug().Int("ciphertext_len", len(sealed)).Msg("Unsealed storage DEK")
	return checkDEK(out.Plaintext)
}

// LoadNATSToken returns the NATS auth token, or "" if none is configured.
func (l *SecretLoader) LoadNATSToken(ctx context.Context, cfg *Config) (string, error) {
	if cfg.NATS.TokenParameter == "" {
		return "", nil
	}
	if l.ssm == nil {
		return "", errors.New("SSM client not configured")
	}
	out, err := l.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(cfg.NATS.TokenParameter),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read NATS token parameter: %w", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", cfg.NATS.TokenParameter)
	}
	return strings.TrimSpace(*out.Parameter.Value), nil
}

func checkDEK(dek []byte) ([]byte, error) {
	if len(dek) != dekSize {
		return nil, fmt.Errorf("DEK must be %d bytes, got %d", dekSize, len(dek))
	}
	return dek, nil
}

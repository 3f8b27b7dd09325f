// Package sfu talks to the relay (SFU) that hosts group calls: access tokens,
// base URL allow-listing and liveness peeks.
package sfu

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Token grants access to the relay.
type Token struct {
	SFUBaseURL              string    `cbor:"1,keyasint" json:"sfu_base_url"`
	AllowedHostnameSuffixes []string  `cbor:"2,keyasint" json:"allowed_sfu_hostname_suffixes"`
	Value                   string    `cbor:"3,keyasint" json:"sfu_token"`
	Expiration              time.Time `cbor:"4,keyasint" json:"expiration"`
}

// IsAllowedBaseURL reports whether rawURL is an https URL whose hostname ends
// with one of the allowed suffixes.
func (t Token) IsAllowedBaseURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	for _, suffix := range t.AllowedHostnameSuffixes {
		if suffix != "" && strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// Expired reports whether the token is no longer valid at now.
func (t Token) Expired(now time.Time) bool {
	return !t.Expiration.IsZero() && !now.Before(t.Expiration)
}

// TokenFetcher obtains a fresh token from the token-issuing service.
type TokenFetcher interface {
	FetchToken(ctx context.Context) (Token, error)
}

// TokenProvider hands out tokens, refreshing them when forced or expired.
type TokenProvider interface {
	Token(ctx context.Context, forceRefresh bool) (Token, error)
}

// TokenCache caches the last fetched token until it expires.
type TokenCache struct {
	fetcher TokenFetcher
	now     func() time.Time
	log     zerolog.Logger

	mu      sync.Mutex
	current *Token
}

// NewTokenCache wraps fetcher with a cache.
func NewTokenCache(fetcher TokenFetcher, logger zerolog.Logger) *TokenCache {
	return &TokenCache{
		fetcher: fetcher,
		now:     time.Now,
		log:     logger,
	}
}

// Token returns the cached token, fetching a new one when forced, absent or expired.
func (c *TokenCache) Token(ctx context.Context, forceRefresh bool) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && c.current != nil && !c.current.Expired(c.now()) {
		return *c.current, nil
	}

	tok, err := c.fetcher.FetchToken(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("sfu: obtain token: %w", err)
	}
	c.log.Debug().
		Bool("forced", forceRefresh).
		Time("expiration", tok.Expiration).
		Msg("Obtained SFU token")
	c.current = &tok
	return tok, nil
}

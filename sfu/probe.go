package sfu

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vettid/groupcall/calls"
)

// Probe checks the liveness of calls against their relay. It retries exactly
// once with a refreshed token when the relay rejects the current one.
type Probe struct {
	peeker Peeker
	tokens TokenProvider
	log    zerolog.Logger
}

// NewProbe creates a liveness probe.
func NewProbe(peeker Peeker, tokens TokenProvider, logger zerolog.Logger) *Probe {
	return &Probe{peeker: peeker, tokens: tokens, log: logger}
}

// Peek probes call. It never mutates call.
func (p *Probe) Peek(ctx context.Context, call *calls.Descriptor) PeekResult {
	res := p.peek(ctx, call, false)
	if res.Status == PeekUnauthorized {
		p.log.Info().Str("call_id", call.ID.String()).Msg("Retry peeking with refreshed token")
		res = p.peek(ctx, call, true)
	}
	if res.Err != nil {
		p.log.Warn().Err(res.Err).
			Str("call_id", call.ID.String()).
			Stringer("status", res.Status).
			Msg("Could not peek call")
	}
	return res
}

func (p *Probe) peek(ctx context.Context, call *calls.Descriptor, forceRefresh bool) PeekResult {
	token, err := p.tokens.Token(ctx, forceRefresh)
	if err != nil {
		return PeekResult{Status: PeekNetworkFailure, Err: err}
	}
	return p.peeker.Peek(ctx, token, call.RelayBaseURL, call.ID)
}

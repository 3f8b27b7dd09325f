package sfu

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/vettid/groupcall/calls"
)

// PeekStatus classifies the relay's answer to a peek.
type PeekStatus int

const (
	PeekOK PeekStatus = iota
	PeekNotFound
	PeekUnauthorized
	PeekNetworkFailure
)

func (s PeekStatus) String() string {
	switch s {
	case PeekOK:
		return "ok"
	case PeekNotFound:
		return "not_found"
	case PeekUnauthorized:
		return "unauthorized"
	case PeekNetworkFailure:
		return "network_failure"
	default:
		return "unknown"
	}
}

// Failed reports whether the status counts as a probe failure for abandonment.
// NotFound is a definitive answer, not a failure.
func (s PeekStatus) Failed() bool {
	return s == PeekUnauthorized || s == PeekNetworkFailure
}

// PeekBody is the relay's description of a running call.
type PeekBody struct {
	MaxParticipants    uint32 `cbor:"1,keyasint"`
	StartedAt          uint64 `cbor:"2,keyasint"`
	EncryptedCallState []byte `cbor:"3,keyasint,omitempty"`
}

// PeekResult is the outcome of one peek.
type PeekResult struct {
	Status PeekStatus
	Body   *PeekBody
	Err    error
}

// Peeker issues a single peek request.
type Peeker interface {
	Peek(ctx context.Context, token Token, baseURL string, callID calls.CallID) PeekResult
}

// HTTPClient peeks calls over the relay's HTTP API.
type HTTPClient struct {
	httpClient *http.Client
	log        zerolog.Logger
}

// NewHTTPClient creates a peek client with the given request timeout.
func NewHTTPClient(timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		log:        logger,
	}
}

// Peek calls GET {baseURL}/v1/peek/{callID}.
func (c *HTTPClient) Peek(ctx context.Context, token Token, baseURL string, callID calls.CallID) PeekResult {
	endpoint := strings.TrimRight(baseURL, "/") + "/v1/peek/" + callID.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PeekResult{Status: PeekNetworkFailure, Err: fmt.Errorf("sfu: new request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)
	req.Header.Set("Accept", "application/cbor")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PeekResult{Status: PeekNetworkFailure, Err: fmt.Errorf("sfu: peek: %w", err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return PeekResult{Status: PeekNotFound}
	case http.StatusUnauthorized:
		return PeekResult{Status: PeekUnauthorized, Err: fmt.Errorf("sfu: peek: token rejected")}
	default:
		return PeekResult{Status: PeekNetworkFailure, Err: fmt.Errorf("sfu: peek: status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return PeekResult{Status: PeekNetworkFailure, Err: fmt.Errorf("sfu: read peek body: %w", err)}
	}
	var body PeekBody
	if err := cbor.Unmarshal(data, &body); err != nil {
		return PeekResult{Status: PeekNetworkFailure, Err: fmt.Errorf("sfu: decode peek body: %w", err)}
	}

	c.log.Debug().
		Str("call_id", callID.String()).
		Uint32("max_participants", body.MaxParticipants).
		Uint64("started_at", body.StartedAt).
		Msg("Peek OK")
	return PeekResult{Status: PeekOK, Body: &body}
}

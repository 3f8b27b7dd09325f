// Package calls holds the value types of the group call engine: group and
// call identifiers, the call descriptor and the abandonment detector.
package calls

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/vettid/groupcall/callkeys"
)

// Descriptor describes one call considered running for a group.
//
// Identity fields are immutable. The relay-reported fields (startedAt,
// maxParticipants, callState) are updated after every successful peek and
// are guarded by mu so that observers on other goroutines can read them.
type Descriptor struct {
	ProtocolVersion uint32
	Group           GroupID
	RelayBaseURL    string
	ID              CallID

	gck         []byte
	processedAt time.Time

	mu              sync.RWMutex
	startedAt       uint64 // epoch ms
	maxParticipants *uint32
	callState       []byte

	keysOnce sync.Once
	keysErr  error
	hashKey  []byte
	stateKey []byte
	keyHash  []byte
}

// NewDescriptor builds a descriptor. startedAt is epoch milliseconds;
// processedAt is the local receipt time.
func NewDescriptor(version uint32, group GroupID, relayBaseURL string, id CallID, gck []byte, startedAt uint64, processedAt time.Time) *Descriptor {
	return &Descriptor{
		ProtocolVersion: version,
		Group:           group,
		RelayBaseURL:    relayBaseURL,
		ID:              id,
		gck:             append([]byte(nil), gck...),
		startedAt:       startedAt,
		processedAt:     processedAt,
	}
}

// GenerateGCK returns a fresh random group call key.
func GenerateGCK() ([]byte, error) {
	gck := make([]byte, callkeys.GCKLength)
	if _, err := rand.Read(gck); err != nil {
		return nil, fmt.Errorf("generate gck: %w", err)
	}
	return gck, nil
}

// GCK returns a copy of the group call key. Never log it.
func (d *Descriptor) GCK() []byte {
	return append([]byte(nil), d.gck...)
}

// HasGCK reports whether gck equals this call's key in constant time.
func (d *Descriptor) HasGCK(gck []byte) bool {
	return subtle.ConstantTimeCompare(d.gck, gck) == 1
}

// StartData returns the announcement data of this call.
func (d *Descriptor) StartData() StartData {
	return StartData{
		ProtocolVersion: d.ProtocolVersion,
		GCK:             d.GCK(),
		RelayBaseURL:    d.RelayBaseURL,
	}
}

func (d *Descriptor) deriveKeys() error {
	d.keysOnce.Do(func() {
		if d.hashKey, d.keysErr = callkeys.HashKey(d.gck); d.keysErr != nil {
			return
		}
		if d.stateKey, d.keysErr = callkeys.StateKey(d.gck); d.keysErr != nil {
			return
		}
		d.keyHash, d.keysErr = callkeys.KeyHash(d.gck)
	})
	return d.keysErr
}

// HashKey returns the lazily derived hash key.
func (d *Descriptor) HashKey() ([]byte, error) {
	if err := d.deriveKeys(); err != nil {
		return nil, err
	}
	return d.hashKey, nil
}

// StateKey returns the lazily derived state key.
func (d *Descriptor) StateKey() ([]byte, error) {
	if err := d.deriveKeys(); err != nil {
		return nil, err
	}
	return d.stateKey, nil
}

// KeyHash returns the public-safe key hash.
func (d *Descriptor) KeyHash() ([]byte, error) {
	if err := d.deriveKeys(); err != nil {
		return nil, err
	}
	return d.keyHash, nil
}

// EncryptState seals data with the state key. The random nonce is prefixed to
// the ciphertext.
func (d *Descriptor) EncryptState(data []byte) ([]byte, error) {
	key, err := d.StateKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, data, nil), nil
}

// DecryptState opens a sealed call state. It returns nil when the state
// cannot be decrypted.
func (d *Descriptor) DecryptState(sealed []byte, logger zerolog.Logger) []byte {
	key, err := d.StateKey()
	if err != nil {
		logger.Error().Err(err).Str("call_id", d.ID.String()).Msg("Cannot derive state key")
		return nil
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		logger.Error().Err(err).Msg("Cannot create state cipher")
		return nil
	}

	nonceSize := aead.NonceSize()
	if len(sealed) < nonceSize {
		logger.Warn().Str("call_id", d.ID.String()).Msg("Call state too short")
		return nil
	}
	plain, err := aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		logger.Warn().Err(err).Str("call_id", d.ID.String()).Msg("Could not decrypt call state")
		return nil
	}
	return plain
}

// StartedAt returns the authoritative start time in epoch milliseconds.
func (d *Descriptor) StartedAt() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.startedAt
}

// SetStartedAt overwrites the start time, e.g. with the relay's value.
func (d *Descriptor) SetStartedAt(ms uint64) {
	d.mu.Lock()
	d.startedAt = ms
	d.mu.Unlock()
}

// ProcessedAt returns the local receipt time.
func (d *Descriptor) ProcessedAt() time.Time {
	return d.processedAt
}

// MaxParticipants returns the relay-reported participant limit, if known.
func (d *Descriptor) MaxParticipants() (uint32, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.maxParticipants == nil {
		return 0, false
	}
	return *d.maxParticipants, true
}

// CallState returns the last decrypted call state, or nil.
func (d *Descriptor) CallState() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.callState
}

// ApplyPeek stores relay-reported state. sealedState may be empty.
func (d *Descriptor) ApplyPeek(maxParticipants uint32, startedAt uint64, sealedState []byte, logger zerolog.Logger) {
	var state []byte
	if len(sealedState) > 0 {
		state = d.DecryptState(sealedState, logger)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxParticipants = &maxParticipants
	d.startedAt = startedAt
	d.callState = state
}

// RunningSinceLocalClock returns how long the call has been running according
// to the local wall clock. ok is false when startedAt lies in the future.
func (d *Descriptor) RunningSinceLocalClock(now time.Time) (time.Duration, bool) {
	started := time.UnixMilli(int64(d.StartedAt()))
	if started.After(now) {
		return 0, false
	}
	return now.Sub(started), true
}

// RunningSinceProcessedTime returns the time since the call was received
// locally. It uses the monotonic clock when processedAt carries a reading.
func (d *Descriptor) RunningSinceProcessedTime() time.Duration {
	return time.Since(d.processedAt)
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("GroupCall{id=%s, group=%s, version=%d, relay=%s, startedAt=%d}",
		d.ID, d.Group, d.ProtocolVersion, d.RelayBaseURL, d.StartedAt())
}

// MarshalZerologObject logs the descriptor without its key material.
func (d *Descriptor) MarshalZerologObject(e *zerolog.Event) {
	e.Str("call_id", d.ID.String()).
		Str("group", d.Group.String()).
		Uint32("protocol_version", d.ProtocolVersion).
		Str("relay", d.RelayBaseURL).
		Uint64("started_at", d.StartedAt())
	if n, ok := d.MaxParticipants(); ok {
		e.Uint32("max_participants", n)
	}
}

// Package callkeys derives the symmetric keys and identifiers of a group call
// from its group call key (GCK).
//
// All derivations are BLAKE2b-256 with a fixed personalisation and a short
// per-purpose salt. The constants must stay byte-identical across every
// implementation that joins the same calls.
package callkeys

import (
	"fmt"

	"github.com/dchest/blake2b"
)

// Personal is the BLAKE2b personalisation shared by all group call derivations.
const Personal = "3ma-call"

// Domain salts, one per derived value.
const (
	SaltCallID   = "i"
	SaltKeyHash  = "#"
	SaltHashKey  = "h'"
	SaltStateKey = "s'"
	SaltCurrent  = "c'"
)

// Size is the output length of every derivation in bytes.
const Size = 32

// GCKLength is the length of a freshly generated group call key.
const GCKLength = 32

// Derive computes BLAKE2b-256(key, salt, Personal, data...).
//
// key may be nil only when deriving a public identifier such as the call id.
// Any parameter error (oversized key or salt) is returned and must be treated
// as fatal by the caller.
func Derive(key []byte, salt string, data ...[]byte) ([]byte, error) {
	h, err := blake2b.New(&blake2b.Config{
		Size:   Size,
		Key:    key,
		Salt:   []byte(salt),
		Person: []byte(Personal),
	})
	if err != nil {
		return nil, fmt.Errorf("callkeys: derive %q: %w", salt, err)
	}
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil), nil
}

// KeyHash derives the public-safe key hash (GCKH) exchanged with peers.
func KeyHash(gck []byte) ([]byte, error) {
	return Derive(gck, SaltKeyHash)
}

// HashKey derives the group call hash key (GCHK).
func HashKey(gck []byte) ([]byte, error) {
	return Derive(gck, SaltHashKey)
}

// StateKey derives the key used to seal and open the relay-held call state (GCSK).
func StateKey(gck []byte) ([]byte, error) {
	return Derive(gck, SaltStateKey)
}

// CurrentKey derives the "current" marker key for the given epoch data.
func CurrentKey(gck []byte, data []byte) ([]byte, error) {
	return Derive(gck, SaltCurrent, data)
}

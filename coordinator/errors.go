package coordinator

import "errors"

// Engine-level errors. Probe and arbitration failures are handled inside the
// engine; callers of Join and Create only ever see ErrConnectionFailure,
// ErrInvariantViolation, context errors or key derivation errors.
var (
	ErrProtocolVersionMismatch = errors.New("group call protocol version mismatch")
	ErrInvalidRelayURL         = errors.New("relay base url not allowed by current token")
	ErrDuplicateSecret         = errors.New("group call key already used by another call of this group")
	ErrConnectionFailure       = errors.New("could not connect to group call")
	ErrInvariantViolation      = errors.New("group call invariant violated")
	ErrNotRunning              = errors.New("coordinator is not running")
)

var errCallDisposed = errors.New("call disposed")

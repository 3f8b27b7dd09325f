package coordinator

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vettid/groupcall/calls"
)

// SupportedProtocolVersion is the group call protocol version this engine speaks.
const SupportedProtocolVersion uint32 = 1

// Options tunes the engine.
type Options struct {
	// LocalIdentity is our own identity; announcements are never sent to it.
	LocalIdentity string

	ProtocolVersion uint32

	// RefreshInterval is the delay before the refresh steps of a group with
	// running calls are run again.
	RefreshInterval time.Duration

	// GracePeriod is how long a freshly created call waits for a competing
	// call before it is confirmed. Zero confirms immediately.
	GracePeriod time.Duration

	Abandon calls.AbandonPolicy

	// PeekConcurrency bounds parallel peeks within one refresh pass.
	PeekConcurrency int

	// MailboxSize is the capacity of the execution loop's mailbox.
	MailboxSize int

	Now    func() time.Time
	Logger *zerolog.Logger
}

// DefaultOptions returns the protocol defaults.
func DefaultOptions() Options {
	return Options{
		ProtocolVersion: SupportedProtocolVersion,
		RefreshInterval: 10 * time.Second,
		Abandon:         calls.DefaultAbandonPolicy(),
		PeekConcurrency: 4,
		MailboxSize:     256,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ProtocolVersion == 0 {
		o.ProtocolVersion = def.ProtocolVersion
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = def.RefreshInterval
	}
	if o.Abandon.MinTries <= 0 {
		o.Abandon = def.Abandon
	}
	if o.PeekConcurrency <= 0 {
		o.PeekConcurrency = def.PeekConcurrency
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = def.MailboxSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		l := log.Logger
		o.Logger = &l
	}
	return o
}

package coordinator

import (
	"context"
	"time"

	"github.com/vettid/groupcall/calls"
	"github.com/vettid/groupcall/oneshot"
	"github.com/vettid/groupcall/sfu"
	"github.com/vettid/groupcall/storage"
)

// Connected is reported by the transport once the relay admitted us.
type Connected struct {
	StartedAt    uint64   // relay start time, epoch ms
	Participants []string // other participants already connected
}

// Controller controls one locally joined call.
type Controller interface {
	CallID() calls.CallID
	// Connected settles once the relay connection is established.
	Connected() *oneshot.Signal[Connected]
	// Disposed settles once the call has been torn down for good.
	Disposed() *oneshot.Signal[struct{}]
	Confirm()
	Decline()
	Leave()
	MicrophoneActive() bool
	SetMicrophoneActive(active bool)
}

// Transport joins calls on the media side.
type Transport interface {
	// Join starts joining call. ctx only bounds the join request itself.
	Join(ctx context.Context, call *calls.Descriptor) (Controller, error)
}

// Prober peeks calls at their relay.
type Prober interface {
	Peek(ctx context.Context, call *calls.Descriptor) sfu.PeekResult
}

// Store is the durable mirror of the registry.
type Store interface {
	SaveRunningCall(ctx context.Context, call storage.RunningCall) error
	DeleteRunningCall(ctx context.Context, callID []byte) error
	LoadRunningCalls(ctx context.Context) ([]storage.RunningCall, error)
}

// FeatureGroupCalls is the feature mask bit of members that support group calls.
const FeatureGroupCalls uint64 = 0x80

// Member is a group member and its advertised feature mask.
type Member struct {
	Identity string
	Features uint64
}

// Directory resolves group membership.
type Directory interface {
	Members(ctx context.Context, group calls.GroupID) ([]Member, error)
}

// Announcer delivers call-start announcements to group members.
type Announcer interface {
	AnnounceStart(ctx context.Context, group calls.GroupID, data calls.StartData, startedAt time.Time, recipients []string) error
}

// StatusSink records chat-visible call status messages.
type StatusSink interface {
	CallStarted(ctx context.Context, call *calls.Descriptor, caller string, outbox bool, at time.Time) error
	CallEnded(ctx context.Context, group calls.GroupID, callID calls.CallID, at time.Time) error
}

// Announcement is a parsed inbound call-start message.
type Announcement struct {
	Group     calls.GroupID
	Sender    string
	Data      calls.StartData
	Timestamp time.Time
}

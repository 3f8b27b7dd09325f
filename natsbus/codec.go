package natsbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/vettid/groupcall/callkeys"
	"github.com/vettid/groupcall/calls"
	"github.com/vettid/groupcall/coordinator"
)

var errMalformed = errors.New("malformed message")

// StartMessage is the wire form of a call-start announcement.
type StartMessage struct {
	MessageID       string `cbor:"1,keyasint"`
	Sender          string `cbor:"2,keyasint"`
	GroupCreator    string `cbor:"3,keyasint"`
	GroupID         uint64 `cbor:"4,keyasint"`
	ProtocolVersion uint32 `cbor:"5,keyasint"`
	GCK             []byte `cbor:"6,keyasint"`
	RelayBaseURL    string `cbor:"7,keyasint"`
	Timestamp       int64  `cbor:"8,keyasint"` // epoch ms
}

// NewStartMessage builds an announcement with a fresh message id.
func NewStartMessage(sender string, group calls.GroupID, data calls.StartData, at time.Time) StartMessage {
	return StartMessage{
		MessageID:       uuid.New().String(),
		Sender:          sender,
		GroupCreator:    group.Creator,
		GroupID:         group.ID,
		ProtocolVersion: data.ProtocolVersion,
		GCK:             data.GCK,
		RelayBaseURL:    data.RelayBaseURL,
		Timestamp:       at.UnixMilli(),
	}
}

// Announcement converts the message for the coordinator.
func (m StartMessage) Announcement() coordinator.Announcement {
	return coordinator.Announcement{
		Group:  calls.GroupID{Creator: m.GroupCreator, ID: m.GroupID},
		Sender: m.Sender,
		Data: calls.StartData{
			ProtocolVersion: m.ProtocolVersion,
			GCK:             m.GCK,
			RelayBaseURL:    m.RelayBaseURL,
		},
		Timestamp: time.UnixMilli(m.Timestamp),
	}
}

// DecodeStart parses and validates an announcement.
func DecodeStart(b []byte) (StartMessage, error) {
	var m StartMessage
	if err := cbor.Unmarshal(b, &m); err != nil {
		return StartMessage{}, fmt.Errorf("decode start message: %w", err)
	}
	switch {
	case len(m.GCK) != callkeys.GCKLength:
		return StartMessage{}, fmt.Errorf("%w: group call key has %d bytes", errMalformed, len(m.GCK))
	case m.GroupCreator == "":
		return StartMessage{}, fmt.Errorf("%w: missing group creator", errMalformed)
	case m.RelayBaseURL == "":
		return StartMessage{}, fmt.Errorf("%w: missing relay base url", errMalformed)
	}
	return m, nil
}

// StatusKind distinguishes status messages.
type StatusKind string

const (
	StatusStarted StatusKind = "started"
	StatusEnded   StatusKind = "ended"
)

// StatusMessage is a chat-visible call status message.
type StatusMessage struct {
	MessageID    string     `cbor:"1,keyasint"`
	Kind         StatusKind `cbor:"2,keyasint"`
	GroupCreator string     `cbor:"3,keyasint"`
	GroupID      uint64     `cbor:"4,keyasint"`
	CallID       []byte     `cbor:"5,keyasint"`
	Caller       string     `cbor:"6,keyasint,omitempty"`
	Outbox       bool       `cbor:"7,keyasint,omitempty"`
	Timestamp    int64      `cbor:"8,keyasint"`
}

// MembersRequest asks the directory for the members of a group.
type MembersRequest struct {
	GroupCreator string `cbor:"1,keyasint"`
	GroupID      uint64 `cbor:"2,keyasint"`
}

// MemberEntry is one member in a MembersReply.
type MemberEntry struct {
	Identity string `cbor:"1,keyasint"`
	Features uint64 `cbor:"2,keyasint"`
}

// MembersReply lists group members. Error is set on failure.
type MembersReply struct {
	Members []MemberEntry `cbor:"1,keyasint"`
	Error   string        `cbor:"2,keyasint,omitempty"`
}

// TokenRequest asks for a relay token.
type TokenRequest struct {
	Identity string `cbor:"1,keyasint"`
}

// TokenReply carries a relay token. Error is set on failure.
type TokenReply struct {
	SFUBaseURL              string   `cbor:"1,keyasint"`
	AllowedHostnameSuffixes []string `cbor:"2,keyasint"`
	Token                   string   `cbor:"3,keyasint"`
	ExpiresAt               int64    `cbor:"4,keyasint"` // epoch ms
	Error                   string   `cbor:"5,keyasint,omitempty"`
}

// JoinRequest asks the media worker to join a call.
type JoinRequest struct {
	CallID       []byte `cbor:"1,keyasint"`
	GroupCreator string `cbor:"2,keyasint"`
	GroupID      uint64 `cbor:"3,keyasint"`
	RelayBaseURL string `cbor:"4,keyasint"`
	HashKey      []byte `cbor:"5,keyasint"`
	StateKey     []byte `cbor:"6,keyasint"`
}

// JoinReply is the media worker's answer to a JoinRequest.
type JoinReply struct {
	Accepted bool   `cbor:"1,keyasint"`
	Error    string `cbor:"2,keyasint,omitempty"`
}

// MediaEventKind identifies a media event.
type MediaEventKind string

const (
	MediaConnected MediaEventKind = "connected"
	MediaDisposed  MediaEventKind = "disposed"
)

// MediaEvent is published by the media worker for a joined call.
type MediaEvent struct {
	Kind         MediaEventKind `cbor:"1,keyasint"`
	StartedAt    uint64         `cbor:"2,keyasint,omitempty"`
	Participants []string       `cbor:"3,keyasint,omitempty"`
	Reason       string         `cbor:"4,keyasint,omitempty"`
}

// MediaControlOp is an operation sent to the media worker.
type MediaControlOp string

const (
	MediaConfirm    MediaControlOp = "confirm"
	MediaDecline    MediaControlOp = "decline"
	MediaLeave      MediaControlOp = "leave"
	MediaMicrophone MediaControlOp = "microphone"
)

// MediaControl is sent to the media worker of one call.
type MediaControl struct {
	Op     MediaControlOp `cbor:"1,keyasint"`
	Active bool           `cbor:"2,keyasint,omitempty"`
}

// ControlRequest is a request to the service control surface.
type ControlRequest struct {
	GroupCreator string   `cbor:"1,keyasint"`
	GroupID      uint64   `cbor:"2,keyasint"`
	CallID       []byte   `cbor:"3,keyasint,omitempty"`
	Identities   []string `cbor:"4,keyasint,omitempty"`
}

// ControlReply answers a ControlRequest.
type ControlReply struct {
	CallID []byte `cbor:"1,keyasint,omitempty"`
	OK     bool   `cbor:"2,keyasint"`
	Error  string `cbor:"3,keyasint,omitempty"`
}

package calls

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/vettid/groupcall/callkeys"
)

// GroupID identifies a group by its creator and the creator-assigned group id.
// It is comparable and used as a map key.
type GroupID struct {
	Creator string
	ID      uint64
}

func (g GroupID) String() string {
	return fmt.Sprintf("%s/%016x", g.Creator, g.ID)
}

// CallID is the 32-byte identifier of a call, derived from the group and the
// call start data.
type CallID [callkeys.Size]byte

// ParseCallID parses a hex encoded call id.
func ParseCallID(s string) (CallID, error) {
	var id CallID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse call id: %w", err)
	}
	return CallIDFromBytes(b)
}

// CallIDFromBytes copies b into a CallID.
func CallIDFromBytes(b []byte) (CallID, error) {
	var id CallID
	if len(b) != len(id) {
		return id, fmt.Errorf("call id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (c CallID) String() string {
	return hex.EncodeToString(c[:])
}

// Bytes returns a copy of the id.
func (c CallID) Bytes() []byte {
	return append([]byte(nil), c[:]...)
}

// Compare orders call ids byte-wise.
func (c CallID) Compare(o CallID) int {
	return bytes.Compare(c[:], o[:])
}

// StartData is what a call-start announcement carries and what a new call is
// created from.
type StartData struct {
	ProtocolVersion uint32
	GCK             []byte
	RelayBaseURL    string
}

// NewCallID derives the call id of the call described by data within group.
func NewCallID(group GroupID, data StartData) (CallID, error) {
	var groupID [8]byte
	binary.LittleEndian.PutUint64(groupID[:], group.ID)
	var version [4]byte
	binary.LittleEndian.PutUint32(version[:], data.ProtocolVersion)

	out, err := callkeys.Derive(nil, callkeys.SaltCallID,
		[]byte(group.Creator),
		groupID[:],
		version[:],
		data.GCK,
		[]byte(data.RelayBaseURL),
	)
	if err != nil {
		return CallID{}, err
	}
	return CallIDFromBytes(out)
}

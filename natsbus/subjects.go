package natsbus

import (
	"strconv"
	"strings"

	"github.com/vettid/groupcall/calls"
)

// DefaultSubjectPrefix is the root of every subject used by the engine.
const DefaultSubjectPrefix = "groupcall"

// Subjects builds the subject namespace:
//
//	{prefix}.member.{identity}.start       call-start announcements for a member
//	{prefix}.sfu.token                     relay token request/reply
//	{prefix}.directory.members             group membership request/reply
//	{prefix}.status.{creator}.{group}      call status messages
//	{prefix}.media.join                    media join request/reply
//	{prefix}.media.call.{callID}.events    media events of one call
//	{prefix}.media.call.{callID}.control   media control of one call
//	{prefix}.control.{identity}.{op}       service control surface
type Subjects struct {
	Prefix string
}

func (s Subjects) prefix() string {
	if s.Prefix == "" {
		return DefaultSubjectPrefix
	}
	return s.Prefix
}

func (s Subjects) join(parts ...string) string {
	return s.prefix() + "." + strings.Join(parts, ".")
}

func (s Subjects) MemberStart(identity string) string {
	return s.join("member", identity, "start")
}

func (s Subjects) TokenRequest() string {
	return s.join("sfu", "token")
}

func (s Subjects) GroupMembers() string {
	return s.join("directory", "members")
}

func (s Subjects) Status(group calls.GroupID) string {
	return s.join("status", group.Creator, strconv.FormatUint(group.ID, 10))
}

func (s Subjects) MediaJoin() string {
	return s.join("media", "join")
}

func (s Subjects) MediaEvents(id calls.CallID) string {
	return s.join("media", "call", id.String(), "events")
}

func (s Subjects) MediaControl(id calls.CallID) string {
	return s.join("media", "call", id.String(), "control")
}

// Control returns the control subject of op for identity. An op of "*"
// yields the wildcard covering every operation.
func (s Subjects) Control(identity, op string) string {
	return s.join("control", identity, op)
}

// ControlOp extracts the operation from a control subject.
func (s Subjects) ControlOp(subject string) string {
	i := strings.LastIndexByte(subject, '.')
	if i < 0 {
		return ""
	}
	return subject[i+1:]
}

package natsbus

import (
	"context"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/vettid/groupcall/calls"
	"github.com/vettid/groupcall/coordinator"
)

// Control operations.
const (
	OpJoin         = "join"
	OpCreate       = "create"
	OpLeave        = "leave"
	OpAbort        = "abort"
	OpMembersAdded = "members_added"
)

// Engine is what the control surface drives.
type Engine interface {
	Join(ctx context.Context, group calls.GroupID) (coordinator.Controller, error)
	Create(ctx context.Context, group calls.GroupID) (coordinator.Controller, error)
	Leave(ctx context.Context, id calls.CallID) (bool, error)
	Abort(ctx context.Context) error
	SendStartToNewMembers(ctx context.Context, group calls.GroupID, identities []string) error
}

// ServeControl answers control requests for identity until ctx is done.
// Requests run on their own goroutines.
func ServeControl(ctx context.Context, bus Bus, subjects Subjects, identity string, engine Engine, logger zerolog.Logger) (Unsubscriber, error) {
	return bus.Subscribe(subjects.Control(identity, "*"), func(msg *Message) {
		op := subjects.ControlOp(msg.Subject)
		go func() {
			reply := handleControl(ctx, op, msg.Data, engine)
			if reply.Error != "" {
				logger.Warn().Str("op", op).Str("error", reply.Error).Msg("Control request failed")
			}
			if msg.Reply == "" {
				return
			}
			payload, err := cbor.Marshal(reply)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to encode control reply")
				return
			}
			if err := bus.Publish(msg.Reply, payload); err != nil {
				logger.Warn().Err(err).Msg("Failed to send control reply")
			}
		}()
	})
}

func handleControl(ctx context.Context, op string, data []byte, engine Engine) ControlReply {
	var req ControlRequest
	if err := cbor.Unmarshal(data, &req); err != nil {
		return ControlReply{Error: "malformed request"}
	}
	group := calls.GroupID{Creator: req.GroupCreator, ID: req.GroupID}

	switch op {
	case OpJoin, OpCreate:
		fn := engine.Join
		if op == OpCreate {
			fn = engine.Create
		}
		ctrl, err := fn(ctx, group)
		if err != nil {
			return ControlReply{Error: err.Error()}
		}
		if ctrl == nil {
			return ControlReply{}
		}
		return ControlReply{OK: true, CallID: ctrl.CallID().Bytes()}
	case OpLeave:
		id, err := calls.CallIDFromBytes(req.CallID)
		if err != nil {
			return ControlReply{Error: err.Error()}
		}
		left, err := engine.Leave(ctx, id)
		if err != nil {
			return ControlReply{Error: err.Error()}
		}
		return ControlReply{OK: left, CallID: req.CallID}
	case OpAbort:
		if err := engine.Abort(ctx); err != nil {
			return ControlReply{Error: err.Error()}
		}
		return ControlReply{OK: true}
	case OpMembersAdded:
		if err := engine.SendStartToNewMembers(ctx, group, req.Identities); err != nil {
			return ControlReply{Error: err.Error()}
		}
		return ControlReply{OK: true}
	default:
		return ControlReply{Error: "unknown operation " + op}
	}
}

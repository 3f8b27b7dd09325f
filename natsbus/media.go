package natsbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/vettid/groupcall/calls"
	"github.com/vettid/groupcall/coordinator"
	"github.com/vettid/groupcall/oneshot"
)

// MediaTransport joins calls through a media worker listening on the bus.
type MediaTransport struct {
	bus      Bus
	subjects Subjects
	log      zerolog.Logger
}

// NewMediaTransport creates a transport talking to the media worker over bus
func NewMediaTransport(bus Bus, subjects Subjects, logger zerolog.Logger) *MediaTransport {
	return &MediaTransport{bus: bus, subjects: subjects, log: logger}
}

// Join implements coordinator.Transport. The event subscription is set up
// before the join request so that no event of the call can be missed.
func (t *MediaTransport) Join(ctx context.Context, call *calls.Descriptor) (coordinator.Controller, error) {
	hashKey, err := call.HashKey()
	if err != nil {
		return nil, err
	}
	stateKey, err := call.StateKey()
	if err != nil {
		return nil, err
	}

	ctrl := &mediaController{
		bus:       t.bus,
		subjects:  t.subjects,
		call:      call,
		connected: oneshot.New[coordinator.Connected](),
		disposed:  oneshot.New[struct{}](),
		log:       t.log.With().Str("call_id", call.ID.String()).Logger(),
	}
	sub, err := t.bus.Subscribe(t.subjects.MediaEvents(call.ID), ctrl.handleEvent)
	if err != nil {
		return nil, err
	}
	ctrl.sub = sub

	reply, err := request[JoinRequest, JoinReply](ctx, t.bus, t.subjects.MediaJoin(), JoinRequest{
		CallID:       call.ID.Bytes(),
		GroupCreator: call.Group.Creator,
		GroupID:      call.Group.ID,
		RelayBaseURL: call.RelayBaseURL,
		HashKey:      hashKey,
		StateKey:     stateKey,
	})
	if err == nil && !reply.Accepted {
		err = errors.New("media worker refused join: " + reply.Error)
	}
	if err != nil {
		ctrl.dispose("join failed")
		return nil, fmt.Errorf("join call: %w", err)
	}
	return ctrl, nil
}

type mediaController struct {
	bus       Bus
	subjects  Subjects
	call      *calls.Descriptor
	connected *oneshot.Signal[coordinator.Connected]
	disposed  *oneshot.Signal[struct{}]
	sub       Unsubscriber
	log       zerolog.Logger

	mu  sync.Mutex
	mic bool
}

func (c *mediaController) CallID() calls.CallID { return c.call.ID }

func (c *mediaController) Connected() *oneshot.Signal[coordinator.Connected] { return c.connected }

func (c *mediaController) Disposed() *oneshot.Signal[struct{}] { return c.disposed }

func (c *mediaController) Confirm() { c.send(MediaControl{Op: MediaConfirm}) }

func (c *mediaController) Decline() { c.send(MediaControl{Op: MediaDecline}) }

// Leave asks the worker to leave and disposes the call locally.
func (c *mediaController) Leave() {
	if c.disposed.State() != oneshot.Pending {
		return
	}
	c.send(MediaControl{Op: MediaLeave})
	c.dispose("left")
}

func (c *mediaController) MicrophoneActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mic
}

func (c *mediaController) SetMicrophoneActive(active bool) {
	c.mu.Lock()
	c.mic = active
	c.mu.Unlock()
	c.send(MediaControl{Op: MediaMicrophone, Active: active})
}

func (c *mediaController) send(ctl MediaControl) {
	payload, err := cbor.Marshal(ctl)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to encode media control")
		return
	}
	if err := c.bus.Publish(c.subjects.MediaControl(c.call.ID), payload); err != nil {
		c.log.Warn().Err(err).Str("op", string(ctl.Op)).Msg("Failed to send media control")
	}
}

func (c *mediaController) handleEvent(msg *Message) {
	var ev MediaEvent
	if err := cbor.Unmarshal(msg.Data, &ev); err != nil {
		c.log.Warn().Err(err).Msg("Dropping malformed media event")
		return
	}
	switch ev.Kind {
	case MediaConnected:
		c.connected.Complete(coordinator.Connected{StartedAt: ev.StartedAt, Participants: ev.Participants})
	case MediaDisposed:
		c.dispose(ev.Reason)
	default:
		c.log.Debug().Str("kind", string(ev.Kind)).Msg("Ignoring media event")
	}
}

func (c *mediaController) dispose(reason string) {
	c.connected.Cancel()
	if !c.disposed.Complete(struct{}{}) {
		return
	}
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.log.Debug().Err(err).Msg("Unsubscribe media events")
		}
	}
	c.log.Debug().Str("reason", reason).Msg("Call disposed")
}

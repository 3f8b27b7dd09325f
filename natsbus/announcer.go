package natsbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/vettid/groupcall/calls"
	"github.com/vettid/groupcall/coordinator"
)

// Announcer publishes call-start announcements to each recipient's member
// subject.
type Announcer struct {
	bus      Bus
	subjects Subjects
	identity string
	log      zerolog.Logger
}

// NewAnnouncer creates an announcer sending as identity
func NewAnnouncer(bus Bus, subjects Subjects, identity string, logger zerolog.Logger) *Announcer {
	return &Announcer{bus: bus, subjects: subjects, identity: identity, log: logger}
}

// AnnounceStart sends the start of a call to every recipient. One message
// id is shared by all copies.
func (a *Announcer) AnnounceStart(ctx context.Context, group calls.GroupID, data calls.StartData, startedAt time.Time, recipients []string) error {
	msg := NewStartMessage(a.identity, group, data, startedAt)
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode start message: %w", err)
	}

	var errs []error
	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.bus.Publish(a.subjects.MemberStart(r), payload); err != nil {
			errs = append(errs, fmt.Errorf("announce to %s: %w", r, err))
		}
	}
	a.log.Debug().
		Str("message_id", msg.MessageID).
		Str("group", group.String()).
		Int("recipients", len(recipients)).
		Msg("Announced group call start")
	return errors.Join(errs...)
}

// StartHandler is the consumer of inbound announcements.
type StartHandler interface {
	HandleStart(ctx context.Context, ann coordinator.Announcement) error
}

// ListenStarts subscribes to the member subject of identity and hands every
// decoded announcement to h. Each message is handled on its own goroutine
// bounded by ctx.
func ListenStarts(ctx context.Context, bus Bus, subjects Subjects, identity string, h StartHandler, logger zerolog.Logger) (Unsubscriber, error) {
	return bus.Subscribe(subjects.MemberStart(identity), func(msg *Message) {
		m, err := DecodeStart(msg.Data)
		if err != nil {
			logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed call start")
			return
		}
		go func() {
			if err := h.HandleStart(ctx, m.Announcement()); err != nil {
				logger.Warn().Err(err).
					Str("message_id", m.MessageID).
					Str("sender", m.Sender).
					Msg("Call start rejected")
			}
		}()
	})
}

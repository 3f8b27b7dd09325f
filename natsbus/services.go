package natsbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vettid/groupcall/calls"
	"github.com/vettid/groupcall/coordinator"
	"github.com/vettid/groupcall/sfu"
)

func request[Req, Resp any](ctx context.Context, bus Bus, subject string, req Req) (Resp, error) {
	var resp Resp
	payload, err := cbor.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("encode request: %w", err)
	}
	data, err := bus.Request(ctx, subject, payload)
	if err != nil {
		return resp, fmt.Errorf("request %s: %w", subject, err)
	}
	if err := cbor.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("decode reply from %s: %w", subject, err)
	}
	return resp, nil
}

// TokenFetcher obtains relay tokens from the token service.
type TokenFetcher struct {
	bus      Bus
	subjects Subjects
	identity string
}

// NewTokenFetcher creates a fetcher requesting relay tokens for identity
func NewTokenFetcher(bus Bus, subjects Subjects, identity string) *TokenFetcher {
	return &TokenFetcher{bus: bus, subjects: subjects, identity: identity}
}

// FetchToken implements sfu.TokenFetcher.
func (f *TokenFetcher) FetchToken(ctx context.Context) (sfu.Token, error) {
	reply, err := request[TokenRequest, TokenReply](ctx, f.bus, f.subjects.TokenRequest(), TokenRequest{Identity: f.identity})
	if err != nil {
		return sfu.Token{}, err
	}
	if reply.Error != "" {
		return sfu.Token{}, errors.New("token service: " + reply.Error)
	}
	if reply.SFUBaseURL == "" || reply.Token == "" {
		return sfu.Token{}, fmt.Errorf("%w: incomplete token reply", errMalformed)
	}
	tok := sfu.Token{
		SFUBaseURL:              reply.SFUBaseURL,
		AllowedHostnameSuffixes: reply.AllowedHostnameSuffixes,
		Value:                   reply.Token,
	}
	if reply.ExpiresAt > 0 {
		tok.Expiration = time.UnixMilli(reply.ExpiresAt)
	}
	return tok, nil
}

// Directory resolves group members through the directory service.
type Directory struct {
	bus      Bus
	subjects Subjects
}

// NewDirectory creates a member directory backed by bus
func NewDirectory(bus Bus, subjects Subjects) *Directory {
	return &Directory{bus: bus, subjects: subjects}
}

// Members implements coordinator.Directory.
func (d *Directory) Members(ctx context.Context, group calls.GroupID) ([]coordinator.Member, error) {
	reply, err := request[MembersRequest, MembersReply](ctx, d.bus, d.subjects.GroupMembers(),
		MembersRequest{GroupCreator: group.Creator, GroupID: group.ID})
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.New("directory: " + reply.Error)
	}
	out := make([]coordinator.Member, 0, len(reply.Members))
	for _, m := range reply.Members {
		out = append(out, coordinator.Member{Identity: m.Identity, Features: m.Features})
	}
	return out, nil
}

// StatusPublisher publishes call status messages to the group's status
// subject.
type StatusPublisher struct {
	bus      Bus
	subjects Subjects
	log      zerolog.Logger
}

// NewStatusPublisher creates a new status publisher
func NewStatusPublisher(bus Bus, subjects Subjects, logger zerolog.Logger) *StatusPublisher {
	return &StatusPublisher{bus: bus, subjects: subjects, log: logger}
}

// CallStarted implements coordinator.StatusSink.
func (p *StatusPublisher) CallStarted(ctx context.Context, call *calls.Descriptor, caller string, outbox bool, at time.Time) error {
	return p.publish(call.Group, StatusMessage{
		Kind:   StatusStarted,
		CallID: call.ID.Bytes(),
		Caller: caller,
		Outbox: outbox,
	}, at)
}

// CallEnded implements coordinator.StatusSink.
func (p *StatusPublisher) CallEnded(ctx context.Context, group calls.GroupID, id calls.CallID, at time.Time) error {
	return p.publish(group, StatusMessage{Kind: StatusEnded, CallID: id.Bytes()}, at)
}

func (p *StatusPublisher) publish(group calls.GroupID, msg StatusMessage, at time.Time) error {
	msg.MessageID = uuid.New().String()
	msg.GroupCreator = group.Creator
	msg.GroupID = group.ID
	msg.Timestamp = at.UnixMilli()
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode status message: %w", err)
	}
	if err := p.bus.Publish(p.subjects.Status(group), payload); err != nil {
		return fmt.Errorf("publish status message: %w", err)
	}
	p.log.Debug().Str("kind", string(msg.Kind)).Str("group", group.String()).Msg("Published call status")
	return nil
}

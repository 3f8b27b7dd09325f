package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vettid/groupcall/calls"
	"github.com/vettid/groupcall/coordinator"
	"github.com/vettid/groupcall/oneshot"
)

// memBus is an in-process Bus with NATS subject matching.
type memBus struct {
	mu        sync.Mutex
	nextID    int
	subs      map[int]memSub
	published []*Message
}

type memSub struct {
	pattern string
	handler Handler
}

type memUnsub struct {
	bus *memBus
	id  int
}

func (u memUnsub) Unsubscribe() error {
	u.bus.mu.Lock()
	defer u.bus.mu.Unlock()
	delete(u.bus.subs, u.id)
	return nil
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[int]memSub)}
}

func subjectMatches(pattern, subject string) bool {
	p, s := strings.Split(pattern, "."), strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}
		if i >= len(s) || (tok != "*" && tok != s[i]) {
			return false
		}
	}
	return len(p) == len(s)
}

func (b *memBus) Subscribe(pattern string, h Handler) (Unsubscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = memSub{pattern: pattern, handler: h}
	return memUnsub{bus: b, id: b.nextID}, nil
}

func (b *memBus) deliver(msg *Message) int {
	b.mu.Lock()
	b.published = append(b.published, msg)
	var handlers []Handler
	for _, s := range b.subs {
		if subjectMatches(s.pattern, msg.Subject) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
	return len(handlers)
}

func (b *memBus) Publish(subject string, data []byte) error {
	b.deliver(&Message{Subject: subject, Data: data})
	return nil
}

func (b *memBus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	b.mu.Lock()
	b.nextID++
	inbox := fmt.Sprintf("_INBOX.%d", b.nextID)
	b.mu.Unlock()

	replies := make(chan []byte, 1)
	unsub, _ := b.Subscribe(inbox, func(msg *Message) {
		select {
		case replies <- msg.Data:
		default:
		}
	})
	defer unsub.Unsubscribe()

	if b.deliver(&Message{Subject: subject, Reply: inbox, Data: data}) == 0 {
		return nil, errors.New("no responders")
	}
	select {
	case r := <-replies:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *memBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *memBus) last(subject string) *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.published) - 1; i >= 0; i-- {
		if b.published[i].Subject == subject {
			return b.published[i]
		}
	}
	return nil
}

// respond answers requests on subject with the cbor encoding of fn's result.
func respond[Req, Resp any](t *testing.T, b *memBus, subject string, fn func(Req) Resp) {
	t.Helper()
	_, err := b.Subscribe(subject, func(msg *Message) {
		var req Req
		if !assert.NoError(t, cbor.Unmarshal(msg.Data, &req)) {
			return
		}
		payload, err := cbor.Marshal(fn(req))
		if assert.NoError(t, err) {
			_ = b.Publish(msg.Reply, payload)
		}
	})
	require.NoError(t, err)
}

var testGroup = calls.GroupID{Creator: "ECHOECHO", ID: 7}

func testCall(t *testing.T) *calls.Descriptor {
	t.Helper()
	gck, err := calls.GenerateGCK()
	require.NoError(t, err)
	data := calls.StartData{ProtocolVersion: 1, GCK: gck, RelayBaseURL: "https://sfu.example.com"}
	id, err := calls.NewCallID(testGroup, data)
	require.NoError(t, err)
	return calls.NewDescriptor(1, testGroup, data.RelayBaseURL, id, gck, 1000, time.Now())
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubjects(t *testing.T) {
	s := Subjects{}
	var id calls.CallID
	id[0] = 0xab

	assert.Equal(t, "groupcall.member.MEMBER01.start", s.MemberStart("MEMBER01"))
	assert.Equal(t, "groupcall.sfu.token", s.TokenRequest())
	assert.Equal(t, "groupcall.directory.members", s.GroupMembers())
	assert.Equal(t, "groupcall.status.ECHOECHO.7", s.Status(testGroup))
	assert.Equal(t, "groupcall.media.join", s.MediaJoin())
	assert.True(t, strings.HasPrefix(s.MediaEvents(id), "groupcall.media.call.ab00"))
	assert.True(t, strings.HasSuffix(s.MediaControl(id), ".control"))

	custom := Subjects{Prefix: "test.gc"}
	assert.Equal(t, "test.gc.control.LOCALID1.create", custom.Control("LOCALID1", OpCreate))
	assert.Equal(t, OpCreate, custom.ControlOp("test.gc.control.LOCALID1.create"))
	assert.Equal(t, "", custom.ControlOp("nodots"))
}

type startRecorder struct {
	got chan coordinator.Announcement
	err error
}

func (r *startRecorder) HandleStart(_ context.Context, ann coordinator.Announcement) error {
	r.got <- ann
	return r.err
}

func TestAnnouncer_DeliversToListeners(t *testing.T) {
	bus := newMemBus()
	s := Subjects{}
	ctx := testContext(t)
	logger := zerolog.Nop()

	rec := &startRecorder{got: make(chan coordinator.Announcement, 1)}
	_, err := ListenStarts(ctx, bus, s, "MEMBER01", rec, logger)
	require.NoError(t, err)

	call := testCall(t)
	at := time.UnixMilli(1_700_000_000_000)
	a := NewAnnouncer(bus, s, "LOCALID1", logger)
	require.NoError(t, a.AnnounceStart(ctx, testGroup, call.StartData(), at, []string{"MEMBER01", "MEMBER03"}))

	select {
	case ann := <-rec.got:
		assert.Equal(t, testGroup, ann.Group)
		assert.Equal(t, "LOCALID1", ann.Sender)
		assert.Equal(t, call.StartData(), ann.Data)
		assert.True(t, at.Equal(ann.Timestamp))
	case <-time.After(5 * time.Second):
		t.Fatal("announcement not delivered")
	}

	m1, err := DecodeStart(bus.last(s.MemberStart("MEMBER01")).Data)
	require.NoError(t, err)
	m3, err := DecodeStart(bus.last(s.MemberStart("MEMBER03")).Data)
	require.NoError(t, err)
	assert.NotEmpty(t, m1.MessageID)
	assert.Equal(t, m1.MessageID, m3.MessageID)
}

func TestDecodeStart_RejectsMalformed(t *testing.T) {
	call := testCall(t)
	valid := NewStartMessage("MEMBER01", testGroup, call.StartData(), time.Now())

	_, err := DecodeStart([]byte{0xff, 0x00})
	require.Error(t, err)

	short := valid
	short.GCK = short.GCK[:16]
	b, err := cbor.Marshal(short)
	require.NoError(t, err)
	_, err = DecodeStart(b)
	require.ErrorIs(t, err, errMalformed)

	noURL := valid
	noURL.RelayBaseURL = ""
	b, err = cbor.Marshal(noURL)
	require.NoError(t, err)
	_, err = DecodeStart(b)
	require.ErrorIs(t, err, errMalformed)

	b, err = cbor.Marshal(valid)
	require.NoError(t, err)
	got, err := DecodeStart(b)
	require.NoError(t, err)
	require.Equal(t, valid, got)
}

func TestTokenFetcher(t *testing.T) {
	bus := newMemBus()
	s := Subjects{}
	expires := time.UnixMilli(1_800_000_000_000)
	respond(t, bus, s.TokenRequest(), func(req TokenRequest) TokenReply {
		if req.Identity != "LOCALID1" {
			return TokenReply{Error: "unknown identity"}
		}
		return TokenReply{
			SFUBaseURL:              "https://sfu.example.com",
			AllowedHostnameSuffixes: []string{".example.com"},
			Token:                   "secret",
			ExpiresAt:               expires.UnixMilli(),
		}
	})

	tok, err := NewTokenFetcher(bus, s, "LOCALID1").FetchToken(testContext(t))
	require.NoError(t, err)
	require.Equal(t, "https://sfu.example.com", tok.SFUBaseURL)
	require.Equal(t, "secret", tok.Value)
	require.True(t, expires.Equal(tok.Expiration))
	require.True(t, tok.IsAllowedBaseURL("https://eu.sfu.example.com"))

	_, err = NewTokenFetcher(bus, s, "STRANGER").FetchToken(testContext(t))
	require.ErrorContains(t, err, "unknown identity")

	_, err = NewTokenFetcher(newMemBus(), s, "LOCALID1").FetchToken(testContext(t))
	require.Error(t, err)
}

func TestDirectory_Members(t *testing.T) {
	bus := newMemBus()
	s := Subjects{}
	respond(t, bus, s.GroupMembers(), func(req MembersRequest) MembersReply {
		if req.GroupCreator != testGroup.Creator || req.GroupID != testGroup.ID {
			return MembersReply{Error: "no such group"}
		}
		return MembersReply{Members: []MemberEntry{
			{Identity: "MEMBER01", Features: coordinator.FeatureGroupCalls},
			{Identity: "MEMBER02"},
		}}
	})

	d := NewDirectory(bus, s)
	members, err := d.Members(testContext(t), testGroup)
	require.NoError(t, err)
	require.Equal(t, []coordinator.Member{
		{Identity: "MEMBER01", Features: coordinator.FeatureGroupCalls},
		{Identity: "MEMBER02"},
	}, members)

	_, err = d.Members(testContext(t), calls.GroupID{Creator: "OTHER", ID: 1})
	require.ErrorContains(t, err, "no such group")
}

func TestStatusPublisher(t *testing.T) {
	bus := newMemBus()
	s := Subjects{}
	p := NewStatusPublisher(bus, s, zerolog.Nop())
	call := testCall(t)
	ctx := testContext(t)
	at := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, p.CallStarted(ctx, call, "LOCALID1", true, at))
	var started StatusMessage
	require.NoError(t, cbor.Unmarshal(bus.last(s.Status(testGroup)).Data, &started))
	assert.Equal(t, StatusStarted, started.Kind)
	assert.Equal(t, call.ID.Bytes(), started.CallID)
	assert.Equal(t, "LOCALID1", started.Caller)
	assert.True(t, started.Outbox)
	assert.Equal(t, at.UnixMilli(), started.Timestamp)

	require.NoError(t, p.CallEnded(ctx, testGroup, call.ID, at))
	var ended StatusMessage
	require.NoError(t, cbor.Unmarshal(bus.last(s.Status(testGroup)).Data, &ended))
	assert.Equal(t, StatusEnded, ended.Kind)
	assert.NotEqual(t, started.MessageID, ended.MessageID)
}

func lastControl(t *testing.T, bus *memBus, s Subjects, id calls.CallID) MediaControl {
	t.Helper()
	msg := bus.last(s.MediaControl(id))
	require.NotNil(t, msg)
	var ctl MediaControl
	require.NoError(t, cbor.Unmarshal(msg.Data, &ctl))
	return ctl
}

func TestMediaTransport_Lifecycle(t *testing.T) {
	bus := newMemBus()
	s := Subjects{}
	call := testCall(t)

	respond(t, bus, s.MediaJoin(), func(req JoinRequest) JoinReply {
		hashKey, _ := call.HashKey()
		if !assert.Equal(t, hashKey, req.HashKey) {
			return JoinReply{Error: "bad key"}
		}
		ev, _ := cbor.Marshal(MediaEvent{Kind: MediaConnected, StartedAt: 4242, Participants: []string{"MEMBER01"}})
		_ = bus.Publish(s.MediaEvents(call.ID), ev)
		return JoinReply{Accepted: true}
	})
	base := bus.count()

	ctrl, err := NewMediaTransport(bus, s, zerolog.Nop()).Join(testContext(t), call)
	require.NoError(t, err)
	require.Equal(t, call.ID, ctrl.CallID())

	conn, err := ctrl.Connected().Wait(testContext(t))
	require.NoError(t, err)
	require.Equal(t, uint64(4242), conn.StartedAt)
	require.Equal(t, []string{"MEMBER01"}, conn.Participants)

	ctrl.Confirm()
	require.Equal(t, MediaConfirm, lastControl(t, bus, s, call.ID).Op)

	ctrl.SetMicrophoneActive(true)
	require.True(t, ctrl.MicrophoneActive())
	require.Equal(t, MediaControl{Op: MediaMicrophone, Active: true}, lastControl(t, bus, s, call.ID))

	ctrl.Leave()
	require.Equal(t, MediaLeave, lastControl(t, bus, s, call.ID).Op)
	require.Equal(t, oneshot.Completed, ctrl.Disposed().State())
	require.Equal(t, base, bus.count(), "event subscription released")
	ctrl.Leave()
}

func TestMediaTransport_RemoteDisposal(t *testing.T) {
	bus := newMemBus()
	s := Subjects{}
	call := testCall(t)
	respond(t, bus, s.MediaJoin(), func(JoinRequest) JoinReply { return JoinReply{Accepted: true} })

	ctrl, err := NewMediaTransport(bus, s, zerolog.Nop()).Join(testContext(t), call)
	require.NoError(t, err)

	ev, err := cbor.Marshal(MediaEvent{Kind: MediaDisposed, Reason: "relay closed"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(s.MediaEvents(call.ID), ev))

	require.Equal(t, oneshot.Completed, ctrl.Disposed().State())
	_, err = ctrl.Connected().Wait(testContext(t))
	require.ErrorIs(t, err, oneshot.ErrCancelled)
}

func TestMediaTransport_JoinRefused(t *testing.T) {
	bus := newMemBus()
	s := Subjects{}
	respond(t, bus, s.MediaJoin(), func(JoinRequest) JoinReply { return JoinReply{Error: "busy"} })
	base := bus.count()

	_, err := NewMediaTransport(bus, s, zerolog.Nop()).Join(testContext(t), testCall(t))
	require.ErrorContains(t, err, "busy")
	require.Equal(t, base, bus.count())
}

type fakeEngine struct {
	call *calls.Descriptor
	err  error

	mu     sync.Mutex
	added  []string
	aborts int
}

type stubController struct {
	coordinator.Controller
	id calls.CallID
}

func (s stubController) CallID() calls.CallID { return s.id }

func (e *fakeEngine) Join(context.Context, calls.GroupID) (coordinator.Controller, error) {
	return nil, e.err
}

func (e *fakeEngine) Create(context.Context, calls.GroupID) (coordinator.Controller, error) {
	if e.err != nil {
		return nil, e.err
	}
	return stubController{id: e.call.ID}, nil
}

func (e *fakeEngine) Leave(_ context.Context, id calls.CallID) (bool, error) {
	return id == e.call.ID, nil
}

func (e *fakeEngine) Abort(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborts++
	return e.err
}

func (e *fakeEngine) SendStartToNewMembers(_ context.Context, _ calls.GroupID, identities []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.added = append(e.added, identities...)
	return nil
}

func controlRequest(t *testing.T, bus *memBus, subject string, req ControlRequest) ControlReply {
	t.Helper()
	payload, err := cbor.Marshal(req)
	require.NoError(t, err)
	data, err := bus.Request(testContext(t), subject, payload)
	require.NoError(t, err)
	var reply ControlReply
	require.NoError(t, cbor.Unmarshal(data, &reply))
	return reply
}

func TestServeControl(t *testing.T) {
	bus := newMemBus()
	s := Subjects{}
	engine := &fakeEngine{call: testCall(t)}
	_, err := ServeControl(testContext(t), bus, s, "LOCALID1", engine, zerolog.Nop())
	require.NoError(t, err)

	group := ControlRequest{GroupCreator: testGroup.Creator, GroupID: testGroup.ID}

	reply := controlRequest(t, bus, s.Control("LOCALID1", OpCreate), group)
	require.True(t, reply.OK)
	require.Equal(t, engine.call.ID.Bytes(), reply.CallID)

	reply = controlRequest(t, bus, s.Control("LOCALID1", OpJoin), group)
	require.False(t, reply.OK)
	require.Empty(t, reply.Error, "no chosen call is not an error")

	leave := group
	leave.CallID = engine.call.ID.Bytes()
	require.True(t, controlRequest(t, bus, s.Control("LOCALID1", OpLeave), leave).OK)
	leave.CallID = []byte{1, 2, 3}
	require.NotEmpty(t, controlRequest(t, bus, s.Control("LOCALID1", OpLeave), leave).Error)

	added := group
	added.Identities = []string{"MEMBER05"}
	require.True(t, controlRequest(t, bus, s.Control("LOCALID1", OpMembersAdded), added).OK)
	engine.mu.Lock()
	require.Equal(t, []string{"MEMBER05"}, engine.added)
	engine.mu.Unlock()

	require.True(t, controlRequest(t, bus, s.Control("LOCALID1", OpAbort), ControlRequest{}).OK)
	engine.mu.Lock()
	require.Equal(t, 1, engine.aborts)
	engine.mu.Unlock()

	require.Contains(t, controlRequest(t, bus, s.Control("LOCALID1", "dance"), group).Error, "unknown operation")

	engine.err = coordinator.ErrConnectionFailure
	require.Contains(t, controlRequest(t, bus, s.Control("LOCALID1", OpCreate), group).Error, "could not connect")
	require.Contains(t, controlRequest(t, bus, s.Control("LOCALID1", OpAbort), group).Error, "could not connect")
}

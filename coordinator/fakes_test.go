package coordinator

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vettid/groupcall/calls"
	"github.com/vettid/groupcall/executor"
	"github.com/vettid/groupcall/oneshot"
	"github.com/vettid/groupcall/sfu"
	"github.com/vettid/groupcall/storage"
)

const (
	localIdentity = "LOCALID1"
	relayURL      = "https://sfu.example.com"
)

var (
	testGroup  = calls.GroupID{Creator: "ECHOECHO", ID: 42}
	otherGroup = calls.GroupID{Creator: "ECHOECHO", ID: 43}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTokens struct{}

func (fakeTokens) Token(context.Context, bool) (sfu.Token, error) {
	return sfu.Token{
		SFUBaseURL:              relayURL,
		AllowedHostnameSuffixes: []string{".example.com"},
		Value:                   "token",
	}, nil
}

type fakeProber struct {
	mu      sync.Mutex
	status  map[calls.CallID]sfu.PeekStatus
	peeks   map[calls.CallID]int
	gate    chan struct{}
	entered chan struct{}
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		status: make(map[calls.CallID]sfu.PeekStatus),
		peeks:  make(map[calls.CallID]int),
	}
}

func (p *fakeProber) set(id calls.CallID, s sfu.PeekStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[id] = s
}

func (p *fakeProber) count(id calls.CallID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peeks[id]
}

func (p *fakeProber) Peek(ctx context.Context, call *calls.Descriptor) sfu.PeekResult {
	p.mu.Lock()
	p.peeks[call.ID]++
	status, ok := p.status[call.ID]
	gate, entered := p.gate, p.entered
	p.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	if !ok {
		status = sfu.PeekOK
	}
	if status != sfu.PeekOK {
		return sfu.PeekResult{Status: status, Err: errors.New("peek " + status.String())}
	}
	return sfu.PeekResult{Status: sfu.PeekOK, Body: &sfu.PeekBody{MaxParticipants: 8, StartedAt: call.StartedAt()}}
}

type fakeController struct {
	call      *calls.Descriptor
	connected *oneshot.Signal[Connected]
	disposed  *oneshot.Signal[struct{}]

	mu        sync.Mutex
	confirmed bool
	declined  bool
	left      bool
	mic       bool
}

func newFakeController(call *calls.Descriptor) *fakeController {
	return &fakeController{
		call:      call,
		connected: oneshot.New[Connected](),
		disposed:  oneshot.New[struct{}](),
	}
}

func (f *fakeController) CallID() calls.CallID                  { return f.call.ID }
func (f *fakeController) Connected() *oneshot.Signal[Connected] { return f.connected }
func (f *fakeController) Disposed() *oneshot.Signal[struct{}]   { return f.disposed }

func (f *fakeController) Confirm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = true
}

func (f *fakeController) Decline() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined = true
}

func (f *fakeController) Leave() {
	f.mu.Lock()
	f.left = true
	f.mu.Unlock()
	f.connected.Cancel()
	f.disposed.Complete(struct{}{})
}

func (f *fakeController) MicrophoneActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mic
}

func (f *fakeController) SetMicrophoneActive(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mic = active
}

func (f *fakeController) state() (confirmed, declined, left bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmed, f.declined, f.left
}

type fakeTransport struct {
	mu           sync.Mutex
	manual       bool
	participants []string
	ctrls        []*fakeController
	joins        chan *fakeController
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{joins: make(chan *fakeController, 16)}
}

func (t *fakeTransport) Join(_ context.Context, call *calls.Descriptor) (Controller, error) {
	ctrl := newFakeController(call)
	t.mu.Lock()
	t.ctrls = append(t.ctrls, ctrl)
	manual, participants := t.manual, t.participants
	t.mu.Unlock()
	if !manual {
		ctrl.connected.Complete(Connected{StartedAt: call.StartedAt(), Participants: participants})
	}
	t.joins <- ctrl
	return ctrl, nil
}

func (t *fakeTransport) joined() []*fakeController {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeController(nil), t.ctrls...)
}

type announcement struct {
	group      calls.GroupID
	data       calls.StartData
	startedAt  time.Time
	recipients []string
}

type fakeAnnouncer struct {
	mu   sync.Mutex
	sent []announcement
}

func (a *fakeAnnouncer) AnnounceStart(_ context.Context, group calls.GroupID, data calls.StartData, startedAt time.Time, recipients []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, announcement{group: group, data: data, startedAt: startedAt, recipients: recipients})
	return nil
}

func (a *fakeAnnouncer) all() []announcement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]announcement(nil), a.sent...)
}

type fakeDirectory struct{}

func (fakeDirectory) Members(context.Context, calls.GroupID) ([]Member, error) {
	return []Member{
		{Identity: localIdentity, Features: FeatureGroupCalls},
		{Identity: "MEMBER01", Features: FeatureGroupCalls | 0x01},
		{Identity: "MEMBER02", Features: 0x01},
		{Identity: "MEMBER03", Features: FeatureGroupCalls},
	}, nil
}

type statusEntry struct {
	started bool
	callID  calls.CallID
	caller  string
	outbox  bool
}

type fakeStatus struct {
	mu      sync.Mutex
	entries []statusEntry
}

func (s *fakeStatus) CallStarted(_ context.Context, call *calls.Descriptor, caller string, outbox bool, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, statusEntry{started: true, callID: call.ID, caller: caller, outbox: outbox})
	return nil
}

func (s *fakeStatus) CallEnded(_ context.Context, _ calls.GroupID, id calls.CallID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, statusEntry{callID: id})
	return nil
}

func (s *fakeStatus) all() []statusEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statusEntry(nil), s.entries...)
}

type harness struct {
	c         *Coordinator
	store     *storage.SQLiteStorage
	clock     *fakeClock
	prober    *fakeProber
	transport *fakeTransport
	announcer *fakeAnnouncer
	status    *fakeStatus
	stop      func()
}

func testDEK(t *testing.T) []byte {
	t.Helper()
	dek := make([]byte, 32)
	_, err := rand.Read(dek)
	require.NoError(t, err)
	return dek
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.LocalIdentity = localIdentity
	opts.RefreshInterval = time.Hour
	return opts
}

// newHarness starts a coordinator. A nil store gets a fresh in-memory one.
func newHarness(t *testing.T, opts Options, store *storage.SQLiteStorage) *harness {
	t.Helper()
	if store == nil {
		var err error
		store, err = storage.Open(":memory:", testDEK(t))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
	}
	h := &harness{
		store:     store,
		clock:     &fakeClock{now: time.UnixMilli(1_700_000_000_000)},
		prober:    newFakeProber(),
		transport: newFakeTransport(),
		announcer: &fakeAnnouncer{},
		status:    &fakeStatus{},
	}
	logger := zerolog.Nop()
	opts.Logger = &logger
	opts.Now = h.clock.Now

	c, err := New(Deps{
		Store:     store,
		Prober:    h.prober,
		Tokens:    fakeTokens{},
		Transport: h.transport,
		Announcer: h.announcer,
		Directory: fakeDirectory{},
		Status:    h.status,
	}, opts)
	require.NoError(t, err)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	var once sync.Once
	h.stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) registered(t *testing.T, id calls.CallID) bool {
	t.Helper()
	ok, err := executor.Call(context.Background(), h.c.loop, func() bool { return h.c.reg.Get(id) != nil })
	require.NoError(t, err)
	return ok
}

func gckOf(b byte) []byte {
	gck := make([]byte, 32)
	for i := range gck {
		gck[i] = b
	}
	return gck
}

// startAnnouncement builds an inbound call start for group at startedAt ms.
func startAnnouncement(t *testing.T, group calls.GroupID, gck byte, startedAt int64) (Announcement, calls.CallID) {
	t.Helper()
	data := calls.StartData{ProtocolVersion: SupportedProtocolVersion, GCK: gckOf(gck), RelayBaseURL: relayURL}
	id, err := calls.NewCallID(group, data)
	require.NoError(t, err)
	return Announcement{Group: group, Sender: "MEMBER01", Data: data, Timestamp: time.UnixMilli(startedAt)}, id
}

func nextJoin(t *testing.T, tr *fakeTransport) *fakeController {
	t.Helper()
	select {
	case ctrl := <-tr.joins:
		return ctrl
	case <-time.After(5 * time.Second):
		t.Fatal("transport join not observed")
		return nil
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

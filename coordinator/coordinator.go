// Package coordinator decides which group call is authoritative per group and
// keeps the local device joined to at most that call.
//
// All mutable state is owned by one executor.Loop. Public methods hop into
// the loop for every state step and perform their long waits (relay
// connection, grace period, disposal) in the caller's goroutine.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vettid/groupcall/calls"
	"github.com/vettid/groupcall/executor"
	"github.com/vettid/groupcall/oneshot"
	"github.com/vettid/groupcall/sfu"
)

// Deps are the collaborators of the coordinator. Announcer, Directory and
// Status are optional.
type Deps struct {
	Store     Store
	Prober    Prober
	Tokens    sfu.TokenProvider
	Transport Transport
	Announcer Announcer
	Directory Directory
	Status    StatusSink
}

type joinedCall struct {
	call *calls.Descriptor
	ctrl Controller
}

// Coordinator is the group call lifecycle coordinator.
type Coordinator struct {
	loop      *executor.Loop
	reg       *Registry
	arb       *Arbiter
	transport Transport
	tokens    sfu.TokenProvider
	announcer Announcer
	directory Directory
	status    StatusSink
	observers *observers
	opts      Options
	log       zerolog.Logger

	// transition serialises join, create and consolidation.
	transition chan struct{}

	// ctx is the Run context; set before the loop starts.
	ctx context.Context

	// Owned by the loop.
	joined        *joinedCall
	pendingAbort  context.CancelFunc
	consolidating map[calls.GroupID]bool

	joinedSnap atomic.Pointer[joinedCall]
	running    atomic.Bool
}

// New wires a coordinator. Call Run to start it.
func New(deps Deps, opts Options) (*Coordinator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("coordinator: store is required")
	case deps.Prober == nil:
		return nil, errors.New("coordinator: prober is required")
	case deps.Tokens == nil:
		return nil, errors.New("coordinator: token provider is required")
	case deps.Transport == nil:
		return nil, errors.New("coordinator: transport is required")
	}
	opts = opts.withDefaults()
	logger := opts.Logger.With().Str("component", "group_call_coordinator").Logger()

	c := &Coordinator{
		loop:          executor.New(opts.MailboxSize, logger),
		transport:     deps.Transport,
		tokens:        deps.Tokens,
		announcer:     deps.Announcer,
		directory:     deps.Directory,
		status:        deps.Status,
		observers:     newObservers(),
		opts:          opts,
		log:           logger,
		transition:    make(chan struct{}, 1),
		ctx:           context.Background(),
		consolidating: make(map[calls.GroupID]bool),
	}
	c.reg = NewRegistry(deps.Store, logger)
	c.arb = newArbiter(c.loop, c.reg, deps.Prober, opts, arbiterHooks{
		joinedCall:    c.joinedCallID,
		chosenUpdated: c.onChosenUpdated,
		purged:        c.onPurged,
	})
	return c, nil
}

// Run loads the persisted registry, refreshes every group found in it and
// then processes work until ctx is done or Stop is called.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.reg.Load(ctx); err != nil {
		return err
	}
	c.ctx = ctx
	c.arb.ctx = ctx

	groups := c.reg.Groups()
	c.loop.Submit(func() {
		for _, g := range groups {
			c.arb.requestRefresh(g)
		}
	})

	c.running.Store(true)
	err := c.loop.Run(ctx)
	c.arb.stopTimers()
	return err
}

// Stop stops the execution loop.
func (c *Coordinator) Stop() {
	c.loop.Stop()
}

func (c *Coordinator) acquire(ctx context.Context) error {
	select {
	case c.transition <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) release() {
	<-c.transition
}

func (c *Coordinator) loopErr(err error) error {
	if errors.Is(err, executor.ErrStopped) {
		return ErrNotRunning
	}
	return err
}

func connectionFailure(err error) error {
	if errors.Is(err, ErrConnectionFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectionFailure, err)
}

// Join joins the chosen call of group. It returns the existing controller if
// that call is already joined, and nil without error if the group has no
// chosen call.
func (c *Coordinator) Join(ctx context.Context, group calls.GroupID) (Controller, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()
	return c.join(ctx, group)
}

func (c *Coordinator) join(ctx context.Context, group calls.GroupID) (Controller, error) {
	type plan struct {
		existing Controller
		chosen   *calls.Descriptor
	}
	p, err := executor.Call(ctx, c.loop, func() plan {
		chosen := c.arb.chosen[group]
		if chosen == nil {
			return plan{}
		}
		if c.joined != nil && c.joined.call.ID == chosen.ID {
			return plan{existing: c.joined.ctrl}
		}
		return plan{chosen: chosen}
	})
	if err != nil {
		return nil, c.loopErr(err)
	}
	if p.existing != nil {
		return p.existing, nil
	}
	if p.chosen == nil {
		return nil, nil
	}
	return c.joinAndConfirm(ctx, p.chosen)
}

func (c *Coordinator) joinAndConfirm(ctx context.Context, call *calls.Descriptor) (Controller, error) {
	ctrl, err := c.joinCall(ctx, call)
	if err != nil {
		return nil, err
	}
	if _, err := c.awaitConnected(ctx, ctrl); err != nil {
		ctrl.Leave()
		return nil, connectionFailure(err)
	}
	ctrl.Confirm()
	c.log.Info().Object("call", call).Msg("Joined group call")
	return ctrl, nil
}

// joinCall leaves any joined call and starts joining call. The new
// controller becomes the joined call immediately.
func (c *Coordinator) joinCall(ctx context.Context, call *calls.Descriptor) (Controller, error) {
	if err := c.leaveCurrent(ctx); err != nil {
		return nil, err
	}

	joinCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := c.loop.Do(ctx, func() { c.pendingAbort = cancel }); err != nil {
		return nil, c.loopErr(err)
	}

	ctrl, joinErr := c.transport.Join(joinCtx, call)
	aborted := joinCtx.Err() != nil && ctx.Err() == nil

	doErr := c.loop.Do(context.WithoutCancel(ctx), func() {
		c.pendingAbort = nil
		if joinErr == nil && !aborted {
			c.setJoined(&joinedCall{call: call, ctrl: ctrl})
		}
	})
	if joinErr != nil {
		return nil, connectionFailure(joinErr)
	}
	if aborted || doErr != nil {
		ctrl.Leave()
		if doErr != nil {
			return nil, c.loopErr(doErr)
		}
		return nil, connectionFailure(context.Canceled)
	}

	go c.watchDisposal(call, ctrl)
	return ctrl, nil
}

func (c *Coordinator) watchDisposal(call *calls.Descriptor, ctrl Controller) {
	select {
	case <-ctrl.Disposed().Done():
	case <-c.loop.Stopped():
		return
	}
	c.loop.Submit(func() {
		if c.joined != nil && c.joined.ctrl == ctrl {
			c.setJoined(nil)
		}
		if c.reg.Get(call.ID) != nil {
			c.arb.requestRefresh(call.Group)
		}
	})
}

func (c *Coordinator) leaveCurrent(ctx context.Context) error {
	cur, err := executor.Call(ctx, c.loop, func() *joinedCall { return c.joined })
	if err != nil {
		return c.loopErr(err)
	}
	if cur == nil {
		return nil
	}
	c.log.Debug().Object("call", cur.call).Msg("Leaving current call")
	cur.ctrl.Leave()
	return c.awaitDisposed(ctx, cur)
}

func (c *Coordinator) awaitDisposed(ctx context.Context, cur *joinedCall) error {
	select {
	case <-cur.ctrl.Disposed().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	err := c.loop.Do(ctx, func() {
		if c.joined == cur {
			c.setJoined(nil)
		}
	})
	return c.loopErr(err)
}

func (c *Coordinator) awaitConnected(ctx context.Context, ctrl Controller) (Connected, error) {
	connected := ctrl.Connected()
	select {
	case <-connected.Done():
		return connected.Result()
	case <-ctrl.Disposed().Done():
		if connected.State() == oneshot.Completed {
			return connected.Result()
		}
		return Connected{}, errCallDisposed
	case <-ctx.Done():
		return Connected{}, ctx.Err()
	}
}

// setJoined replaces the joined call. Loop only.
func (c *Coordinator) setJoined(j *joinedCall) {
	prev := c.joined
	if prev != nil && j != nil {
		c.log.Error().Str("kind", "invariant_violation").
			Object("joined", prev.call).Object("call", j.call).
			Msg("Joining a call while another is still joined")
	}
	c.joined = j
	c.joinedSnap.Store(j)
	if prev != nil {
		c.observers.notifyGlobal(Event{Kind: EventLeft, Group: prev.call.Group, Call: prev.call})
	}
	if j != nil {
		c.observers.notifyGlobal(Event{Kind: EventJoined, Group: j.call.Group, Call: j.call})
	}
}

func (c *Coordinator) joinedCallID() (calls.CallID, bool) {
	if c.joined == nil {
		return calls.CallID{}, false
	}
	return c.joined.call.ID, true
}

// Create joins the chosen call of group or, if there is none, starts a new
// call and becomes its owner.
func (c *Coordinator) Create(ctx context.Context, group calls.GroupID) (Controller, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	if ctrl, err := c.join(ctx, group); err != nil || ctrl != nil {
		return ctrl, err
	}

	token, err := c.tokens.Token(ctx, false)
	if err != nil {
		return nil, connectionFailure(fmt.Errorf("obtain sfu token: %w", err))
	}
	gck, err := calls.GenerateGCK()
	if err != nil {
		return nil, err
	}
	data := calls.StartData{ProtocolVersion: c.opts.ProtocolVersion, GCK: gck, RelayBaseURL: token.SFUBaseURL}
	id, err := calls.NewCallID(group, data)
	if err != nil {
		return nil, fmt.Errorf("derive call id: %w", err)
	}
	now := c.opts.Now()
	call := calls.NewDescriptor(data.ProtocolVersion, group, data.RelayBaseURL, id, gck, uint64(now.UnixMilli()), now)
	logger := c.log.With().Str("call_id", id.String()).Str("group", group.String()).Logger()

	competing := make(chan *calls.Descriptor, 1)
	sub := c.SubscribeGroup(group, func(chosen *calls.Descriptor) {
		if chosen != nil && chosen.ID != id {
			select {
			case competing <- chosen:
			default:
			}
		}
	})
	defer sub.Close()

	ctrl, err := c.joinCall(ctx, call)
	if err != nil {
		return nil, err
	}
	conn, err := c.awaitConnected(ctx, ctrl)
	if err != nil {
		ctrl.Leave()
		return nil, connectionFailure(err)
	}
	if conn.StartedAt != 0 {
		call.SetStartedAt(conn.StartedAt)
	}

	lost, err := c.awaitGrace(ctx, ctrl, competing)
	if err != nil {
		ctrl.Leave()
		return nil, connectionFailure(err)
	}
	if lost {
		return c.raceLost(ctx, group, ctrl, logger)
	}

	if len(conn.Participants) > 0 {
		logger.Error().Str("kind", "invariant_violation").
			Strs("participants", conn.Participants).
			Msg("Created call already has participants")
		ctrl.Decline()
		ctrl.Leave()
		return nil, ErrInvariantViolation
	}

	superseded, err := executor.Call(ctx, c.loop, func() bool {
		if chosen := c.arb.chosen[group]; chosen != nil && chosen.ID != id {
			return true
		}
		if err := c.reg.Add(ctx, call); err != nil {
			logger.Error().Err(err).Msg("Failed to persist created call")
		}
		return false
	})
	if err != nil {
		ctrl.Leave()
		return nil, c.loopErr(err)
	}
	if superseded {
		return c.raceLost(ctx, group, ctrl, logger)
	}
	ctrl.Confirm()
	logger.Info().Uint64("started_at", call.StartedAt()).Msg("Created group call")

	c.announceStart(ctx, call)
	c.emitStarted(ctx, call, c.opts.LocalIdentity, time.UnixMilli(int64(call.StartedAt())))
	if _, err := c.arb.Refresh(ctx, group); err != nil {
		logger.Warn().Err(err).Msg("Refresh after create failed")
	}
	return ctrl, nil
}

func (c *Coordinator) awaitGrace(ctx context.Context, ctrl Controller, competing <-chan *calls.Descriptor) (bool, error) {
	poll := func() bool {
		select {
		case <-competing:
			return true
		default:
			return false
		}
	}
	if c.opts.GracePeriod <= 0 {
		return poll(), nil
	}
	t := time.NewTimer(c.opts.GracePeriod)
	defer t.Stop()
	select {
	case <-competing:
		return true, nil
	case <-t.C:
		return poll(), nil
	case <-ctrl.Disposed().Done():
		return false, errCallDisposed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// raceLost abandons the freshly created call and joins the group's current
// chosen call instead.
func (c *Coordinator) raceLost(ctx context.Context, group calls.GroupID, ctrl Controller, logger zerolog.Logger) (Controller, error) {
	logger.Info().Msg("Created call superseded by a competing call")
	ctrl.Leave()
	select {
	case <-ctrl.Disposed().Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	winner, err := c.join(ctx, group)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, fmt.Errorf("%w: competing call disappeared", ErrConnectionFailure)
	}
	return winner, nil
}

// Leave leaves the call with id if it is the joined call.
func (c *Coordinator) Leave(ctx context.Context, id calls.CallID) (bool, error) {
	ctrl, err := executor.Call(ctx, c.loop, func() Controller {
		if c.joined != nil && c.joined.call.ID == id {
			return c.joined.ctrl
		}
		return nil
	})
	if err != nil {
		return false, c.loopErr(err)
	}
	if ctrl == nil {
		return false, nil
	}
	ctrl.Leave()
	return true, nil
}

// Abort cancels a join that has not produced a controller yet and leaves the
// joined call, if any.
func (c *Coordinator) Abort(ctx context.Context) error {
	ctrl, err := executor.Call(ctx, c.loop, func() Controller {
		if c.pendingAbort != nil {
			c.pendingAbort()
		}
		if c.joined != nil {
			return c.joined.ctrl
		}
		return nil
	})
	if err != nil {
		return c.loopErr(err)
	}
	if ctrl != nil {
		ctrl.Leave()
	}
	return nil
}

var errAlreadyKnown = errors.New("call already registered")

// HandleStart processes an inbound call-start announcement and returns once
// the group's chosen call has been recomputed.
func (c *Coordinator) HandleStart(ctx context.Context, ann Announcement) error {
	logger := c.log.With().Str("group", ann.Group.String()).Str("sender", ann.Sender).Logger()

	token, err := c.tokens.Token(ctx, false)
	if err != nil {
		return fmt.Errorf("obtain sfu token: %w", err)
	}
	if !token.IsAllowedBaseURL(ann.Data.RelayBaseURL) {
		logger.Warn().Str("relay_base_url", ann.Data.RelayBaseURL).Msg("Rejecting call start with disallowed relay")
		return ErrInvalidRelayURL
	}
	id, err := calls.NewCallID(ann.Group, ann.Data)
	if err != nil {
		return fmt.Errorf("derive call id: %w", err)
	}

	now := c.opts.Now()
	at := ann.Timestamp
	if at.IsZero() {
		at = now
	}
	call := calls.NewDescriptor(ann.Data.ProtocolVersion, ann.Group, ann.Data.RelayBaseURL, id, ann.Data.GCK, uint64(at.UnixMilli()), now)
	logger = logger.With().Str("call_id", id.String()).Logger()

	res, err := executor.Call(ctx, c.loop, func() error {
		if existing := c.reg.FindByGCK(ann.Group, ann.Data.GCK); existing != nil {
			if existing.ID == id {
				return errAlreadyKnown
			}
			return ErrDuplicateSecret
		}
		if call.ProtocolVersion != c.opts.ProtocolVersion {
			logger.Warn().Uint32("version", call.ProtocolVersion).
				Err(ErrProtocolVersionMismatch).
				Msg("Registering call with unsupported protocol version")
		}
		return c.reg.Add(ctx, call)
	})
	if err != nil {
		return c.loopErr(err)
	}
	switch {
	case errors.Is(res, errAlreadyKnown):
		logger.Debug().Msg("Call start already known")
		return nil
	case errors.Is(res, ErrDuplicateSecret):
		logger.Warn().Str("kind", "protocol_anomaly").Msg("Group call key reused by a different call")
		return ErrDuplicateSecret
	case res != nil:
		logger.Error().Err(res).Msg("Failed to persist announced call")
	}

	logger.Info().Msg("Call start accepted")
	c.emitStarted(ctx, call, ann.Sender, at)
	_, err = c.arb.Refresh(ctx, ann.Group)
	return err
}

// Refresh runs the refresh steps for group and returns its chosen call.
func (c *Coordinator) Refresh(ctx context.Context, group calls.GroupID) (*calls.Descriptor, error) {
	return c.arb.Refresh(ctx, group)
}

// SendStartToNewMembers announces the chosen call of group to newly added
// members.
func (c *Coordinator) SendStartToNewMembers(ctx context.Context, group calls.GroupID, identities []string) error {
	chosen := c.arb.Chosen(group)
	if chosen == nil || c.announcer == nil {
		return nil
	}
	recipients, err := c.recipients(ctx, group, identities)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return nil
	}
	return c.announcer.AnnounceStart(ctx, group, chosen.StartData(), time.UnixMilli(int64(chosen.StartedAt())), recipients)
}

func (c *Coordinator) announceStart(ctx context.Context, call *calls.Descriptor) {
	if c.announcer == nil {
		return
	}
	recipients, err := c.recipients(ctx, call.Group, nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to resolve group members")
		return
	}
	if len(recipients) == 0 {
		return
	}
	if err := c.announcer.AnnounceStart(ctx, call.Group, call.StartData(), time.UnixMilli(int64(call.StartedAt())), recipients); err != nil {
		c.log.Warn().Err(err).Object("call", call).Msg("Failed to announce call start")
	}
}

// recipients returns the group-call capable members of group other than us,
// restricted to only when it is non-nil.
func (c *Coordinator) recipients(ctx context.Context, group calls.GroupID, only []string) ([]string, error) {
	if c.directory == nil {
		return nil, nil
	}
	members, err := c.directory.Members(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("group members: %w", err)
	}
	var allowed map[string]bool
	if only != nil {
		allowed = make(map[string]bool, len(only))
		for _, id := range only {
			allowed[id] = true
		}
	}
	var out []string
	for _, m := range members {
		if m.Identity == c.opts.LocalIdentity || m.Features&FeatureGroupCalls == 0 {
			continue
		}
		if allowed != nil && !allowed[m.Identity] {
			continue
		}
		out = append(out, m.Identity)
	}
	return out, nil
}

func (c *Coordinator) emitStarted(ctx context.Context, call *calls.Descriptor, caller string, at time.Time) {
	if c.status == nil {
		return
	}
	if err := c.status.CallStarted(ctx, call, caller, caller == c.opts.LocalIdentity, at); err != nil {
		c.log.Warn().Err(err).Object("call", call).Msg("Failed to emit call started status")
	}
}

// onChosenUpdated runs on the loop after each refresh pass.
func (c *Coordinator) onChosenUpdated(group calls.GroupID, chosen *calls.Descriptor) {
	c.observers.notifyGroup(group, chosen)
	c.observers.notifyGlobal(Event{Kind: EventChosen, Group: group, Call: chosen})
	if chosen == nil || c.consolidating[group] || !c.needsConsolidation(group, chosen) {
		return
	}
	c.consolidating[group] = true
	go c.consolidate(group)
}

func (c *Coordinator) needsConsolidation(group calls.GroupID, chosen *calls.Descriptor) bool {
	j := c.joined
	return j != nil && j.call.Group == group && c.reg.Get(j.call.ID) != nil && j.call.ID != chosen.ID
}

// consolidate moves the local device from a superseded call to the chosen
// call of group, keeping the microphone state.
func (c *Coordinator) consolidate(group calls.GroupID) {
	ctx := c.ctx
	defer c.loop.Submit(func() { delete(c.consolidating, group) })
	if err := c.acquire(ctx); err != nil {
		return
	}
	defer c.release()

	cur, err := executor.Call(ctx, c.loop, func() *joinedCall {
		chosen := c.arb.chosen[group]
		if chosen == nil || !c.needsConsolidation(group, chosen) {
			return nil
		}
		return c.joined
	})
	if err != nil || cur == nil {
		return
	}

	logger := c.log.With().Str("group", group.String()).Str("call_id", cur.call.ID.String()).Logger()
	mic := cur.ctrl.MicrophoneActive()
	logger.Info().Msg("Switching to chosen call")
	cur.ctrl.Leave()
	if err := c.awaitDisposed(ctx, cur); err != nil {
		logger.Warn().Err(err).Msg("Superseded call did not dispose")
		return
	}
	ctrl, err := c.join(ctx, group)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to join chosen call")
		return
	}
	if ctrl != nil {
		ctrl.SetMicrophoneActive(mic)
	}
}

func (c *Coordinator) onPurged(call *calls.Descriptor) {
	c.log.Info().Object("call", call).Msg("Running call purged")
	if c.status == nil {
		return
	}
	ctx, at := c.ctx, c.opts.Now()
	go func() {
		if err := c.status.CallEnded(ctx, call.Group, call.ID, at); err != nil {
			c.log.Warn().Err(err).Msg("Failed to emit call ended status")
		}
	}()
}

// SubscribeGroup registers fn for chosen-call updates of group and replays
// the current value to it before returning. While the coordinator runs, the
// registration and the replay happen in one loop turn, so no update can slip
// in between. It must not be called from an observer.
func (c *Coordinator) SubscribeGroup(group calls.GroupID, fn GroupObserver) *Subscription {
	var sub *Subscription
	if c.onLoop(func() {
		sub = c.observers.addGroup(group, fn)
		fn(c.arb.chosen[group])
	}) {
		return sub
	}
	sub = c.observers.addGroup(group, fn)
	fn(c.ChosenCall(group))
	return sub
}

// SubscribeAll registers fn for events of every group. If a call is joined
// it is replayed as an EventJoined.
func (c *Coordinator) SubscribeAll(fn GlobalObserver) *Subscription {
	replay := func(j *joinedCall) {
		if j != nil {
			fn(Event{Kind: EventJoined, Group: j.call.Group, Call: j.call})
		}
	}
	var sub *Subscription
	if c.onLoop(func() {
		sub = c.observers.addGlobal(fn)
		replay(c.joined)
	}) {
		return sub
	}
	sub = c.observers.addGlobal(fn)
	replay(c.joinedSnap.Load())
	return sub
}

// onLoop runs fn on the loop if Run has started it and reports whether fn
// ran. Before Run, or once the loop stopped without running fn, nothing is
// notified from the loop and callers may act directly.
func (c *Coordinator) onLoop(fn func()) bool {
	if !c.running.Load() {
		return false
	}
	var ran bool
	if err := c.loop.Do(context.Background(), func() {
		ran = true
		fn()
	}); err != nil {
		// Run waits for the task in flight before closing Stopped.
		<-c.loop.Stopped()
	}
	return ran
}

// ChosenCall returns the chosen call of group, or nil.
func (c *Coordinator) ChosenCall(group calls.GroupID) *calls.Descriptor {
	return c.arb.Chosen(group)
}

// IsJoined reports whether id is the locally joined call.
func (c *Coordinator) IsJoined(id calls.CallID) bool {
	j := c.joinedSnap.Load()
	return j != nil && j.call.ID == id
}

// HasJoinedCall reports whether the joined call belongs to group.
func (c *Coordinator) HasJoinedCall(group calls.GroupID) bool {
	j := c.joinedSnap.Load()
	return j != nil && j.call.Group == group
}

// HasJoinedAnyCall reports whether any call is joined.
func (c *Coordinator) HasJoinedAnyCall() bool {
	return c.joinedSnap.Load() != nil
}

// CurrentController returns the controller of the joined call, or nil.
func (c *Coordinator) CurrentController() Controller {
	if j := c.joinedSnap.Load(); j != nil {
		return j.ctrl
	}
	return nil
}

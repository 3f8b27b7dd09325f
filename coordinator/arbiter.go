package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vettid/groupcall/calls"
	"github.com/vettid/groupcall/executor"
	"github.com/vettid/groupcall/sfu"
)

// arbiterHooks are invoked on the execution loop.
type arbiterHooks struct {
	// joinedCall returns the id of the locally joined call, if any.
	joinedCall func() (calls.CallID, bool)
	// chosenUpdated runs after every completed pass of a group.
	chosenUpdated func(group calls.GroupID, chosen *calls.Descriptor)
	// purged runs after a call left the registry.
	purged func(call *calls.Descriptor)
}

// groupPass tracks the refresh pass of one group. At most one pass per group
// is in flight; requests arriving meanwhile are served by a single follow-up.
type groupPass struct {
	running bool
	current []chan *calls.Descriptor
	next    []chan *calls.Descriptor
	pending bool
}

type peekOutcome struct {
	call   *calls.Descriptor
	result sfu.PeekResult
}

// Arbiter runs the refresh steps of each group and keeps the chosen-call
// table. All fields except snapshot are owned by the execution loop.
type Arbiter struct {
	loop     *executor.Loop
	reg      *Registry
	prober   Prober
	detector *calls.AbandonmentDetector
	opts     Options
	hooks    arbiterHooks
	log      zerolog.Logger

	// ctx bounds peeks and store writes; set before the loop starts.
	ctx context.Context

	chosen   map[calls.GroupID]*calls.Descriptor
	snapshot atomic.Pointer[map[calls.GroupID]*calls.Descriptor]
	passes   map[calls.GroupID]*groupPass
	timers   map[calls.GroupID]*executor.Timer
}

func newArbiter(loop *executor.Loop, reg *Registry, prober Prober, opts Options, hooks arbiterHooks) *Arbiter {
	a := &Arbiter{
		loop:     loop,
		reg:      reg,
		prober:   prober,
		detector: calls.NewAbandonmentDetector(),
		opts:     opts,
		hooks:    hooks,
		log:      opts.Logger.With().Str("component", "arbiter").Logger(),
		ctx:      context.Background(),
		chosen:   make(map[calls.GroupID]*calls.Descriptor),
		passes:   make(map[calls.GroupID]*groupPass),
		timers:   make(map[calls.GroupID]*executor.Timer),
	}
	empty := map[calls.GroupID]*calls.Descriptor{}
	a.snapshot.Store(&empty)
	return a
}

// Chosen returns the last published chosen call of group. Safe from any
// goroutine.
func (a *Arbiter) Chosen(group calls.GroupID) *calls.Descriptor {
	return (*a.snapshot.Load())[group]
}

// Refresh runs the refresh steps for group and returns the chosen call, or
// nil if the group has none.
func (a *Arbiter) Refresh(ctx context.Context, group calls.GroupID) (*calls.Descriptor, error) {
	ch, err := executor.Call(ctx, a.loop, func() <-chan *calls.Descriptor {
		return a.requestRefresh(group)
	})
	if err != nil {
		return nil, err
	}
	select {
	case chosen := <-ch:
		return chosen, nil
	case <-a.loop.Stopped():
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// requestRefresh schedules a pass for group. Loop only.
func (a *Arbiter) requestRefresh(group calls.GroupID) <-chan *calls.Descriptor {
	ch := make(chan *calls.Descriptor, 1)
	p := a.passes[group]
	if p == nil {
		p = &groupPass{}
		a.passes[group] = p
	}
	if p.running {
		p.pending = true
		p.next = append(p.next, ch)
		return ch
	}
	p.current = append(p.current, ch)
	a.startPass(group, p)
	return ch
}

func (a *Arbiter) startPass(group calls.GroupID, p *groupPass) {
	p.running = true
	if t := a.timers[group]; t != nil {
		t.Stop()
		delete(a.timers, group)
	}
	snapshot := a.reg.ForGroup(group)
	ctx := a.ctx

	go func() {
		outcomes := a.peekAll(ctx, snapshot)
		a.loop.Submit(func() { a.finishPass(group, p, outcomes) })
	}()
}

func (a *Arbiter) peekAll(ctx context.Context, snapshot []*calls.Descriptor) []peekOutcome {
	out := make([]peekOutcome, len(snapshot))
	var g errgroup.Group
	g.SetLimit(a.opts.PeekConcurrency)
	for i, call := range snapshot {
		i, call := i, call
		g.Go(func() error {
			out[i] = peekOutcome{call: call, result: a.prober.Peek(ctx, call)}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (a *Arbiter) finishPass(group calls.GroupID, p *groupPass, outcomes []peekOutcome) {
	chosen := a.apply(group, outcomes)
	for _, ch := range p.current {
		ch <- chosen
	}
	p.current = nil
	p.running = false

	if p.pending {
		p.pending = false
		p.current, p.next = p.next, nil
		a.startPass(group, p)
		return
	}
	delete(a.passes, group)
	a.schedule(group)
}

// apply folds the peek outcomes of one pass into the registry and the
// chosen-call table.
func (a *Arbiter) apply(group calls.GroupID, outcomes []peekOutcome) *calls.Descriptor {
	now := a.opts.Now()
	joinedID, hasJoined := a.hooks.joinedCall()

	var candidates []*calls.Descriptor
	for _, o := range outcomes {
		call := o.call
		if a.reg.Get(call.ID) != call {
			// removed while the peek was in flight
			continue
		}
		joined := hasJoined && joinedID == call.ID
		logger := a.log.With().Str("call_id", call.ID.String()).Str("status", o.result.Status.String()).Logger()

		switch {
		case o.result.Status == sfu.PeekOK:
			a.detector.RecordOutcome(call.ID, true, joined)
			if body := o.result.Body; body != nil {
				before := call.StartedAt()
				call.ApplyPeek(body.MaxParticipants, body.StartedAt, body.EncryptedCallState, logger)
				if call.StartedAt() != before {
					if err := a.reg.Update(a.ctx, call); err != nil {
						logger.Warn().Err(err).Msg("Failed to persist relay start time")
					}
				}
			}
		case o.result.Status == sfu.PeekNotFound:
			if !joined {
				logger.Info().Msg("Call not found at relay")
				a.purge(call)
				continue
			}
			a.detector.RecordOutcome(call.ID, false, joined)
		default:
			failures := a.detector.RecordOutcome(call.ID, false, joined)
			logger.Debug().Err(o.result.Err).Int("failures", failures).Msg("Peek failed")
			if !joined && a.opts.Abandon.Abandoned(failures, call.StartedAt(), now) {
				logger.Info().Int("failures", failures).
					Dur("known_for", call.RunningSinceProcessedTime()).
					Msg("Call abandoned")
				a.purge(call)
				continue
			}
		}

		if call.ProtocolVersion != a.opts.ProtocolVersion {
			logger.Warn().
				Uint32("version", call.ProtocolVersion).
				Err(fmt.Errorf("%w: got %d", ErrProtocolVersionMismatch, call.ProtocolVersion)).
				Msg("Ignoring call for arbitration")
			continue
		}
		if joined || o.result.Status == sfu.PeekOK {
			candidates = append(candidates, call)
		}
	}

	chosen := pickChosen(candidates)
	a.setChosen(group, chosen)
	if chosen != nil {
		a.log.Debug().Str("group", group.String()).Object("chosen", chosen).Msg("Chosen call updated")
	} else {
		a.log.Debug().Str("group", group.String()).Msg("No chosen call")
	}
	a.hooks.chosenUpdated(group, chosen)
	return chosen
}

func (a *Arbiter) purge(call *calls.Descriptor) {
	if a.reg.Remove(a.ctx, call.ID) == nil {
		return
	}
	a.detector.Forget(call.ID)
	a.hooks.purged(call)
}

func (a *Arbiter) setChosen(group calls.GroupID, chosen *calls.Descriptor) {
	if chosen == nil {
		delete(a.chosen, group)
	} else {
		a.chosen[group] = chosen
	}
	snap := make(map[calls.GroupID]*calls.Descriptor, len(a.chosen))
	for g, c := range a.chosen {
		snap[g] = c
	}
	a.snapshot.Store(&snap)
}

// schedule arms or cancels the periodic refresh of group.
func (a *Arbiter) schedule(group calls.GroupID) {
	if t := a.timers[group]; t != nil {
		t.Stop()
		delete(a.timers, group)
	}
	if !a.reg.HasGroup(group) {
		return
	}
	var t *executor.Timer
	t = a.loop.AfterFunc(a.opts.RefreshInterval, func() {
		if a.timers[group] == t {
			delete(a.timers, group)
		}
		a.requestRefresh(group)
	})
	a.timers[group] = t
}

// stopTimers cancels every pending refresh.
func (a *Arbiter) stopTimers() {
	for g, t := range a.timers {
		t.Stop()
		delete(a.timers, g)
	}
}

// pickChosen selects the call with the latest start time; ties go to the
// byte-wise greater call id.
func pickChosen(candidates []*calls.Descriptor) *calls.Descriptor {
	var best *calls.Descriptor
	for _, c := range candidates {
		if best == nil {
			best = c
			continue
		}
		cs, bs := c.StartedAt(), best.StartedAt()
		if cs > bs || (cs == bs && c.ID.Compare(best.ID) > 0) {
			best = c
		}
	}
	return best
}

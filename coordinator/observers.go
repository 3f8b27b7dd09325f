package coordinator

import (
	"sync"

	"github.com/vettid/groupcall/calls"
)

// EventKind identifies a global observer event.
type EventKind int

const (
	EventChosen EventKind = iota
	EventJoined
	EventLeft
)

func (k EventKind) String() string {
	switch k {
	case EventChosen:
		return "chosen"
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Event is delivered to global observers. Call is nil when a group lost its
// chosen call.
type Event struct {
	Kind  EventKind
	Group calls.GroupID
	Call  *calls.Descriptor
}

// GroupObserver receives the chosen call of one group, or nil.
type GroupObserver func(chosen *calls.Descriptor)

// GlobalObserver receives events for every group.
type GlobalObserver func(ev Event)

// Subscription is returned by the subscribe calls. Close unsubscribes; it is
// safe to call more than once.
type Subscription struct {
	once  sync.Once
	close func()
}

// Close removes the observer.
func (s *Subscription) Close() {
	s.once.Do(s.close)
}

type observers struct {
	mu     sync.Mutex
	nextID uint64
	group  map[calls.GroupID]map[uint64]GroupObserver
	global map[uint64]GlobalObserver
}

func newObservers() *observers {
	return &observers{
		group:  make(map[calls.GroupID]map[uint64]GroupObserver),
		global: make(map[uint64]GlobalObserver),
	}
}

func (o *observers) addGroup(group calls.GroupID, fn GroupObserver) *Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	id := o.nextID
	set := o.group[group]
	if set == nil {
		set = make(map[uint64]GroupObserver)
		o.group[group] = set
	}
	set[id] = fn
	return &Subscription{close: func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.group[group], id)
		if len(o.group[group]) == 0 {
			delete(o.group, group)
		}
	}}
}

func (o *observers) addGlobal(fn GlobalObserver) *Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	id := o.nextID
	o.global[id] = fn
	return &Subscription{close: func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.global, id)
	}}
}

func (o *observers) notifyGroup(group calls.GroupID, chosen *calls.Descriptor) {
	o.mu.Lock()
	fns := make([]GroupObserver, 0, len(o.group[group]))
	for _, fn := range o.group[group] {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(chosen)
	}
}

func (o *observers) notifyGlobal(ev Event) {
	o.mu.Lock()
	fns := make([]GlobalObserver, 0, len(o.global))
	for _, fn := range o.global {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (o *observers) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.global)
	for _, set := range o.group {
		n += len(set)
	}
	return n
}

// Package executor provides the single-consumer mailbox that owns all mutable
// coordination state of the group call engine.
//
// Every mutation is a func submitted to the Loop and executed on its one
// worker goroutine. Code running inside the loop must never call Do or Call
// on the same loop: it would wait for itself.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrStopped is returned when work is submitted to a loop that has stopped.
var ErrStopped = errors.New("executor: loop stopped")

// Loop is a single-threaded execution context.
type Loop struct {
	mailbox chan func()
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	log     zerolog.Logger
}

// New creates a loop with the given mailbox capacity. Call Run to start it.
func New(capacity int, logger zerolog.Logger) *Loop {
	if capacity <= 0 {
		capacity = 64
	}
	return &Loop{
		mailbox: make(chan func(), capacity),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     logger,
	}
}

// Run executes submitted work until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.stop:
			return nil
		case fn := <-l.mailbox:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("Recovered panic in execution loop")
		}
	}()
	fn()
}

// Stop stops the loop. Pending work is dropped.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Stopped is closed once Run has returned.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// Submit enqueues fn without waiting for it. It reports false if the loop
// has stopped.
func (l *Loop) Submit(fn func()) bool {
	select {
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.mailbox <- fn:
		return true
	case <-l.stop:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case l.mailbox <- task:
	case <-l.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-l.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn on the loop and returns its result.
func Call[T any](ctx context.Context, l *Loop, fn func() T) (T, error) {
	var out T
	err := l.Do(ctx, func() { out = fn() })
	if err != nil {
		var zero T
		return zero, fmt.Errorf("executor call: %w", err)
	}
	return out, nil
}

// Timer is a loop-dispatched timer.
type Timer struct {
	t       *time.Timer
	mu      sync.Mutex
	stopped bool
}

// AfterFunc submits fn to the loop once d has elapsed, unless the timer was
// stopped first.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Submit(func() {
			tm.mu.Lock()
			stopped := tm.stopped
			tm.stopped = true
			tm.mu.Unlock()
			if !stopped {
				fn()
			}
		})
	})
	return tm
}

// Stop prevents fn from running if it has not run yet.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.t.Stop()
}

// Active reports whether the timer has neither fired nor been stopped.
func (t *Timer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// Package oneshot provides single-fulfilment signals used for the connected,
// confirmed and disposed events of a call.
//
// A Signal is settled exactly once: completed with a value, failed with an
// error, or cancelled. Waiting on a cancelled signal returns ErrCancelled; it
// never hangs.
package oneshot

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is returned by Wait after Cancel.
var ErrCancelled = errors.New("oneshot: signal cancelled")

// State is the settlement state of a Signal.
type State int

const (
	Pending State = iota
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Signal is a one-shot result.
type Signal[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	state State
	value T
	err   error
}

// New creates a pending signal.
func New[T any]() *Signal[T] {
	return &Signal[T]{done: make(chan struct{})}
}

func (s *Signal[T]) settle(state State, v T, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Pending {
		return false
	}
	s.state = state
	s.value = v
	s.err = err
	close(s.done)
	return true
}

// Complete settles the signal with v. It reports whether this call settled it.
func (s *Signal[T]) Complete(v T) bool {
	return s.settle(Completed, v, nil)
}

// Fail settles the signal with err.
func (s *Signal[T]) Fail(err error) bool {
	var zero T
	return s.settle(Failed, zero, err)
}

// Cancel settles the signal as cancelled.
func (s *Signal[T]) Cancel() bool {
	var zero T
	return s.settle(Cancelled, zero, ErrCancelled)
}

// Done is closed once the signal is settled.
func (s *Signal[T]) Done() <-chan struct{} {
	return s.done
}

// State returns the current state.
func (s *Signal[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result returns the settled value and error. On a pending signal it
// returns the zero value and no error; check State or Done first.
func (s *Signal[T]) Result() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.err
}

// Wait blocks until the signal settles or ctx is done.
func (s *Signal[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		return s.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

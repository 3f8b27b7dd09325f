package calls

import (
	"sync"
	"time"
)

// AbandonPolicy decides when an unreachable call is no longer considered running.
// Both thresholds must be met.
type AbandonPolicy struct {
	MinTries   int
	MinCallAge time.Duration
}

// DefaultAbandonPolicy returns the protocol defaults.
func DefaultAbandonPolicy() AbandonPolicy {
	return AbandonPolicy{
		MinTries:   3,
		MinCallAge: 10 * time.Hour,
	}
}

// Abandoned reports whether a call that started at startedAt (epoch ms) and
// failed failures times in a row should be purged at now.
func (p AbandonPolicy) Abandoned(failures int, startedAt uint64, now time.Time) bool {
	if failures < p.MinTries {
		return false
	}
	age := now.Sub(time.UnixMilli(int64(startedAt)))
	if age < 0 {
		age = 0
	}
	return age >= p.MinCallAge
}

// AbandonmentDetector counts consecutive failed peeks per call.
type AbandonmentDetector struct {
	mu       sync.Mutex
	failures map[CallID]int
}

// NewAbandonmentDetector creates an empty detector.
func NewAbandonmentDetector() *AbandonmentDetector {
	return &AbandonmentDetector{failures: make(map[CallID]int)}
}

// RecordOutcome resets the counter when the peek succeeded or the call is
// joined locally, otherwise increments it. It returns the new count.
func (a *AbandonmentDetector) RecordOutcome(id CallID, succeeded, locallyJoined bool) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if succeeded || locallyJoined {
		delete(a.failures, id)
		return 0
	}
	a.failures[id]++
	return a.failures[id]
}

// Failures returns the current count for id.
func (a *AbandonmentDetector) Failures(id CallID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures[id]
}

// Forget drops the counter of a purged call.
func (a *AbandonmentDetector) Forget(id CallID) {
	a.mu.Lock()
	delete(a.failures, id)
	a.mu.Unlock()
}

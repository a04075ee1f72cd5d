package lsp

import (
	"context"
	"sync"
	"time"
)

// IndexingState tracks a server's workspace indexing progress.
type IndexingState int32

// Indexing states. Transitions are forward-only except Ready/TimedOut ->
// Stale when a document open or change invalidates cross-file analysis.
const (
	IndexingNotStarted IndexingState = iota
	IndexingInProgress
	IndexingReady
	IndexingTimedOut
	IndexingStale
)

// String returns the state name.
func (s IndexingState) String() string {
	switch s {
	case IndexingNotStarted:
		return "not-started"
	case IndexingInProgress:
		return "in-progress"
	case IndexingReady:
		return "ready"
	case IndexingTimedOut:
		return "timed-out"
	case IndexingStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Usable reports whether requests may proceed. TimedOut is deliberately
// usable: many servers never emit one consistent completion signal, so
// waiting out the bound is treated as good enough.
func (s IndexingState) Usable() bool {
	return s == IndexingReady || s == IndexingTimedOut
}

// indexingTracker is the indexing state machine shared between the
// dispatcher (which observes readiness signals) and request paths (which
// wait on it). The ready channel is closed to wake all waiters on the
// transition to Ready and replaced for the next cycle.
type indexingTracker struct {
	mu    sync.Mutex
	state IndexingState
	ready chan struct{}

	terminated chan struct{}
	termOnce   sync.Once
}

func newIndexingTracker() *indexingTracker {
	return &indexingTracker{
		ready:      make(chan struct{}),
		terminated: make(chan struct{}),
	}
}

// State returns the current state.
func (t *indexingTracker) State() IndexingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetReady transitions to Ready and wakes every waiter exactly once.
func (t *indexingTracker) SetReady() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = IndexingReady
	close(t.ready)
	t.ready = make(chan struct{})
}

// set transitions to a non-Ready state.
func (t *indexingTracker) set(state IndexingState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
}

// NotifyTerminated releases every current and future waiter: a dead
// server will never signal readiness, so waiting out the bound against
// it is pointless. The state becomes TimedOut unless already Ready.
func (t *indexingTracker) NotifyTerminated() {
	t.termOnce.Do(func() {
		t.mu.Lock()
		if t.state != IndexingReady {
			t.state = IndexingTimedOut
		}
		t.mu.Unlock()
		close(t.terminated)
	})
}

// Invalidate moves Ready or TimedOut to Stale; other states are
// unaffected. New content may change cross-file analysis results.
func (t *indexingTracker) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == IndexingReady || t.state == IndexingTimedOut {
		t.state = IndexingStale
	}
}

// Wait blocks until the workspace is usable: an observed readiness signal
// yields Ready, the per-language bound elapsing or server termination
// yields TimedOut. Both outcomes permit proceeding; Wait never returns an
// error state.
func (t *indexingTracker) Wait(ctx context.Context, maxWait time.Duration) IndexingState {
	t.mu.Lock()
	if t.state == IndexingReady {
		t.mu.Unlock()
		return IndexingReady
	}
	t.state = IndexingInProgress
	if maxWait <= 0 {
		t.state = IndexingReady
		close(t.ready)
		t.ready = make(chan struct{})
		t.mu.Unlock()
		return IndexingReady
	}
	ready := t.ready
	t.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-ready:
		return IndexingReady
	case <-t.terminated:
		t.set(IndexingTimedOut)
		return IndexingTimedOut
	case <-timer.C:
		t.set(IndexingTimedOut)
		return IndexingTimedOut
	case <-ctx.Done():
		t.set(IndexingTimedOut)
		return IndexingTimedOut
	}
}

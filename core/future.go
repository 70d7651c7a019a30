package core

import (
	"context"
	"sync"
)

// Future is the completion handle returned by reservation, migration and
// spill operations. It completes at most once, optionally with an error.
// A nil-error completion means the operation is satisfied; a blocked
// memory reservation, for example, completes when pool capacity frees up.
//
// Waiters either select on Done or call Wait with their own context;
// this layer contributes no timeout policy of its own.
type Future struct {
	done chan struct{}
	mu   sync.Mutex
	err  error
	set  bool
}

// completed is the shared already-satisfied future, analogous to a
// "not blocked" value. Releases and admitted reservations return it.
var completed = func() *Future {
	f := NewFuture()
	f.Complete()
	return f
}()

// NewFuture returns a pending future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// CompletedFuture returns the shared future that is already satisfied
// with no error.
func CompletedFuture() *Future {
	return completed
}

// FailedFuture returns a future already completed with err.
func FailedFuture(err error) *Future {
	f := NewFuture()
	f.Fail(err)
	return f
}

// Complete marks the future satisfied. Completing an already-completed
// future is a no-op.
func (f *Future) Complete() {
	f.complete(nil)
}

// Fail completes the future with err. Failing an already-completed future
// is a no-op.
func (f *Future) Fail(err error) {
	f.complete(err)
}

func (f *Future) complete(err error) {
	f.mu.Lock()
	if f.set {
		f.mu.Unlock()
		return
	}
	f.err = err
	f.set = true
	f.mu.Unlock()
	close(f.done)
}

// Done returns a channel closed when the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the completion error. It is only meaningful after Done is
// closed; before that it returns nil.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until the future completes or ctx is cancelled, returning
// the completion error or the ctx error.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexusquery/core"
)

// forceFreeTag labels the release of whatever a context still held when it
// was closed. Freeing under a tag other than the one that reserved can
// leave negative per-tag balances behind in the pool; diagnostics skip
// those.
const forceFreeTag = "force-free"

// ReservationHandler admits net deltas from the root of an accounting tree.
// Implementations may block the caller (through the returned future) or
// refuse outright with an error. The handler is invoked while the root's
// lock is held, so it must never call back into the tree.
type ReservationHandler interface {
	// ReserveMemory admits delta bytes under the allocation tag. Negative
	// deltas are releases and never fail.
	ReserveMemory(tag string, delta int64) (*core.Future, error)
	// TryReserveMemory admits delta bytes only if they fit without
	// blocking.
	TryReserveMemory(tag string, delta int64) bool
}

// AggregatedContext is one node of a per-query accounting tree. The root
// owns the ReservationHandler; every other node delegates to its parent, so
// a leaf update cascades to the root handler before any local accounting
// mutates. A refused reservation therefore leaves no partial state at any
// level.
type AggregatedContext struct {
	parent     *AggregatedContext // nil at the root
	handler    ReservationHandler // non-nil at the root
	guaranteed int64              // root only

	mu     sync.Mutex
	closed bool
	// usedBytes is written under mu but read lock-free, so handlers called
	// from inside the tree can consult totals without re-entering tree
	// locks.
	usedBytes atomic.Int64
}

// NewRootAggregatedContext creates the root of an accounting tree.
// Reservations that keep the tree total under guaranteedBytes never block,
// even when the underlying pool is exhausted, so small queries keep making
// progress during memory pressure.
func NewRootAggregatedContext(handler ReservationHandler, guaranteedBytes int64) *AggregatedContext {
	if handler == nil {
		panic("memory: root context requires a reservation handler")
	}
	return &AggregatedContext{handler: handler, guaranteed: guaranteedBytes}
}

// NewChild creates a child context delegating to c.
func (c *AggregatedContext) NewChild() *AggregatedContext {
	return &AggregatedContext{parent: c}
}

// NewLocalContext creates a leaf context charging c under the given
// allocation tag.
func (c *AggregatedContext) NewLocalContext(tag string) *LocalContext {
	return &LocalContext{parent: c, tag: tag}
}

// Bytes returns the tree total below this node. It is safe to call from
// reservation handlers.
func (c *AggregatedContext) Bytes() int64 {
	return c.usedBytes.Load()
}

// Close releases whatever the context still holds and refuses further
// updates. Closing twice is a no-op.
func (c *AggregatedContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	remaining := c.usedBytes.Load()
	if remaining == 0 {
		return nil
	}
	if c.parent != nil {
		if _, err := c.parent.updateBytes(forceFreeTag, -remaining); err != nil {
			return fmt.Errorf("failed to release %d bytes on close: %w", remaining, err)
		}
	} else if _, err := c.handler.ReserveMemory(forceFreeTag, -remaining); err != nil {
		return fmt.Errorf("failed to release %d bytes on close: %w", remaining, err)
	}
	c.usedBytes.Store(0)
	return nil
}

func (c *AggregatedContext) updateBytes(tag string, delta int64) (*core.Future, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("memory context is already closed")
	}
	if c.parent != nil {
		future, err := c.parent.updateBytes(tag, delta)
		if err != nil {
			return nil, err
		}
		c.usedBytes.Add(delta)
		return future, nil
	}

	future, err := c.handler.ReserveMemory(tag, delta)
	if err != nil {
		return nil, err
	}
	total := c.usedBytes.Add(delta)
	if total < c.guaranteed {
		// Below the guaranteed floor the caller proceeds immediately; the
		// pool still records the reservation.
		return core.CompletedFuture(), nil
	}
	return future, nil
}

func (c *AggregatedContext) tryUpdateBytes(tag string, delta int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.parent != nil {
		if !c.parent.tryUpdateBytes(tag, delta) {
			return false
		}
		c.usedBytes.Add(delta)
		return true
	}
	if !c.handler.TryReserveMemory(tag, delta) {
		return false
	}
	c.usedBytes.Add(delta)
	return true
}

// LocalContext is the leaf of an accounting tree: the single place a
// subsystem reports its memory footprint. All updates funnel through the
// parent chain to the root handler.
type LocalContext struct {
	parent *AggregatedContext
	tag    string

	mu        sync.Mutex
	closed    bool
	usedBytes int64
}

// Tag returns the allocation tag this leaf charges under.
func (c *LocalContext) Tag() string { return c.tag }

// Bytes returns the current footprint of this leaf.
func (c *LocalContext) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}

// SetBytes declares the leaf's new absolute footprint. The returned future
// is pending when the reservation is admitted but the pool wants the caller
// to stall; shrinking never blocks.
func (c *LocalContext) SetBytes(bytes int64) (*core.Future, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("local memory context %q is already closed", c.tag)
	}
	delta := bytes - c.usedBytes
	if delta == 0 {
		return core.CompletedFuture(), nil
	}
	future, err := c.parent.updateBytes(c.tag, delta)
	if err != nil {
		return nil, err
	}
	c.usedBytes = bytes
	return future, nil
}

// AddBytes adjusts the leaf's footprint by a signed delta.
func (c *LocalContext) AddBytes(delta int64) (*core.Future, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("local memory context %q is already closed", c.tag)
	}
	if delta == 0 {
		return core.CompletedFuture(), nil
	}
	future, err := c.parent.updateBytes(c.tag, delta)
	if err != nil {
		return nil, err
	}
	c.usedBytes += delta
	return future, nil
}

// TrySetBytes declares a new absolute footprint only if the growth fits
// without blocking. Shrinking through this path always succeeds.
func (c *LocalContext) TrySetBytes(bytes int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	delta := bytes - c.usedBytes
	if delta == 0 {
		return true
	}
	if !c.parent.tryUpdateBytes(c.tag, delta) {
		return false
	}
	c.usedBytes = bytes
	return true
}

// Close releases the leaf's footprint under its own tag. Closing twice is
// a no-op.
func (c *LocalContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.usedBytes == 0 {
		return nil
	}
	if _, err := c.parent.updateBytes(c.tag, -c.usedBytes); err != nil {
		return fmt.Errorf("failed to release %d bytes on close: %w", c.usedBytes, err)
	}
	c.usedBytes = 0
	return nil
}

// TrackingContext bundles the three accounting trees a query carries: user
// memory (limited and spillable), revocable memory (reclaimable by
// spilling) and system memory (bookkeeping overhead). The query owns the
// root bundle; each task receives a child bundle feeding the same roots.
type TrackingContext struct {
	user      *AggregatedContext
	revocable *AggregatedContext
	system    *AggregatedContext
}

// NewTrackingContext bundles three existing trees.
func NewTrackingContext(user, revocable, system *AggregatedContext) *TrackingContext {
	return &TrackingContext{user: user, revocable: revocable, system: system}
}

// NewChild creates a child bundle connected to the same roots.
func (t *TrackingContext) NewChild() *TrackingContext {
	return &TrackingContext{
		user:      t.user.NewChild(),
		revocable: t.revocable.NewChild(),
		system:    t.system.NewChild(),
	}
}

// User returns the user memory tree.
func (t *TrackingContext) User() *AggregatedContext { return t.user }

// Revocable returns the revocable memory tree.
func (t *TrackingContext) Revocable() *AggregatedContext { return t.revocable }

// System returns the system memory tree.
func (t *TrackingContext) System() *AggregatedContext { return t.system }

// UserMemory returns the user tree total. Safe to call from handlers.
func (t *TrackingContext) UserMemory() int64 { return t.user.Bytes() }

// RevocableMemory returns the revocable tree total.
func (t *TrackingContext) RevocableMemory() int64 { return t.revocable.Bytes() }

// SystemMemory returns the system tree total.
func (t *TrackingContext) SystemMemory() int64 { return t.system.Bytes() }

// Close closes all three trees, releasing anything they still hold.
func (t *TrackingContext) Close() error {
	var firstErr error
	for _, ctx := range []*AggregatedContext{t.user, t.revocable, t.system} {
		if err := ctx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

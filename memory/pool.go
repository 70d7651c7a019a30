package memory

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusquery/core"
)

// QueryID identifies a query across pools, contexts and spillers.
type QueryID string

// moveQueryTag labels reservations transferred between pools while a query
// migrates; the per-tag breakdown does not survive a move.
const moveQueryTag = "move-query"

// Pool is a node-wide memory pool shared by every query assigned to it.
// Reservations are recorded immediately even when they push the pool past
// its maximum; the overrun is absorbed by blocking, with callers parked on
// the returned future until enough memory is freed. Pools are injected into
// query contexts, never reached through globals, so a query can be moved
// between pools at runtime.
type Pool struct {
	name     string
	maxBytes int64

	logger  *slog.Logger
	metrics *Metrics

	mu                         sync.Mutex
	reservedBytes              int64
	reservedRevocableBytes     int64
	queryReservations          map[QueryID]int64
	queryRevocableReservations map[QueryID]int64
	taggedAllocations          map[QueryID]map[string]int64
	// future is the shared capacity future handed to every reservation that
	// finds the pool exhausted, completed by the Free that brings the pool
	// back under its maximum.
	future *core.Future
}

// NewPool creates a pool with a fixed capacity. logger and metrics may be
// nil.
func NewPool(name string, maxBytes int64, logger *slog.Logger, metrics *Metrics) *Pool {
	if maxBytes < 0 {
		panic(fmt.Sprintf("memory: pool %q capacity must be non-negative, got %d", name, maxBytes))
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if metrics == nil {
		metrics = NewMetrics(false, "")
	}
	return &Pool{
		name:                       name,
		maxBytes:                   maxBytes,
		logger:                     logger.With("component", "MemoryPool", "pool", name),
		metrics:                    metrics,
		queryReservations:          make(map[QueryID]int64),
		queryRevocableReservations: make(map[QueryID]int64),
		taggedAllocations:          make(map[QueryID]map[string]int64),
	}
}

// Name returns the pool's identifier, used in logs and migration events.
func (p *Pool) Name() string { return p.name }

// MaxBytes returns the configured capacity.
func (p *Pool) MaxBytes() int64 { return p.maxBytes }

// ReservedBytes returns the general memory currently reserved.
func (p *Pool) ReservedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reservedBytes
}

// ReservedRevocableBytes returns the revocable memory currently reserved.
func (p *Pool) ReservedRevocableBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reservedRevocableBytes
}

// FreeBytes returns the remaining capacity; negative while overcommitted.
func (p *Pool) FreeBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeBytesLocked()
}

func (p *Pool) freeBytesLocked() int64 {
	return p.maxBytes - p.reservedBytes - p.reservedRevocableBytes
}

// QueryMemoryReservation returns the query's general (non-revocable)
// reservation in this pool.
func (p *Pool) QueryMemoryReservation(query QueryID) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queryReservations[query]
}

// QueryRevocableMemoryReservation returns the query's revocable reservation
// in this pool.
func (p *Pool) QueryRevocableMemoryReservation(query QueryID) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queryRevocableReservations[query]
}

// TaggedMemoryAllocations returns a copy of the query's per-tag balances.
// Balances can be negative when a context was force-freed under a tag other
// than the one it reserved with.
func (p *Pool) TaggedMemoryAllocations(query QueryID) map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	tags := p.taggedAllocations[query]
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]int64, len(tags))
	for tag, bytes := range tags {
		out[tag] = bytes
	}
	return out
}

// Reserve records bytes for the query under the given allocation tag and
// returns the future the caller must wait on before using the memory. The
// reservation itself never fails: an exhausted pool still records the bytes
// and hands back the shared capacity future. A zero-byte reserve against an
// exhausted pool returns the same pending future, so even "free" work
// queues up behind the backlog.
func (p *Pool) Reserve(query QueryID, tag string, bytes int64) *core.Future {
	if bytes < 0 {
		panic(fmt.Sprintf("memory: Reserve called with negative bytes %d", bytes))
	}
	p.mu.Lock()
	if bytes != 0 {
		p.queryReservations[query] += bytes
		p.addTaggedAllocationLocked(query, tag, bytes)
	}
	p.reservedBytes += bytes
	result := p.capacityFutureLocked()
	p.mu.Unlock()

	p.metrics.ReservationsTotal.Add(1)
	p.metrics.ReservedBytes.Add(bytes)
	if !result.IsDone() {
		p.metrics.BlockedReservationsTotal.Add(1)
		p.logger.Debug("pool exhausted, reservation blocked", "query_id", query, "tag", tag, "bytes", bytes)
	}
	return result
}

// TryReserve reserves only if the bytes fit under the pool maximum, leaving
// no state behind on refusal.
func (p *Pool) TryReserve(query QueryID, tag string, bytes int64) bool {
	if bytes < 0 {
		panic(fmt.Sprintf("memory: TryReserve called with negative bytes %d", bytes))
	}
	p.mu.Lock()
	if p.freeBytesLocked()-bytes < 0 {
		p.mu.Unlock()
		return false
	}
	p.reservedBytes += bytes
	if bytes != 0 {
		p.queryReservations[query] += bytes
		p.addTaggedAllocationLocked(query, tag, bytes)
	}
	p.mu.Unlock()

	p.metrics.ReservationsTotal.Add(1)
	p.metrics.ReservedBytes.Add(bytes)
	return true
}

// Free releases a prior reservation. It never blocks; when the release
// brings the pool back under its maximum the shared capacity future is
// completed, waking every blocked caller at once.
func (p *Pool) Free(query QueryID, tag string, bytes int64) {
	if bytes < 0 {
		panic(fmt.Sprintf("memory: Free called with negative bytes %d", bytes))
	}
	p.mu.Lock()
	if p.reservedBytes < bytes {
		reserved := p.reservedBytes
		p.mu.Unlock()
		panic(fmt.Sprintf("memory: tried to free %d bytes but pool %q has only %d reserved", bytes, p.name, reserved))
	}
	if bytes == 0 {
		p.mu.Unlock()
		return
	}
	reservation, ok := p.queryReservations[query]
	if !ok || reservation < bytes {
		p.mu.Unlock()
		panic(fmt.Sprintf("memory: tried to free %d bytes but query %q has only %d reserved", bytes, query, reservation))
	}
	if reservation == bytes {
		delete(p.queryReservations, query)
		// The whole tag breakdown goes with the last byte.
		delete(p.taggedAllocations, query)
	} else {
		p.queryReservations[query] = reservation - bytes
		p.addTaggedAllocationLocked(query, tag, -bytes)
	}
	p.reservedBytes -= bytes
	woke := p.completeCapacityFutureLocked()
	p.mu.Unlock()

	p.metrics.ReservedBytes.Add(-bytes)
	if woke {
		p.logger.Debug("pool has free capacity again, waiters unblocked", "freed_by", query, "bytes", bytes)
	}
}

// ReserveRevocable records revocable bytes for the query. Revocable memory
// is untagged and has no per-query ceiling; it still counts against the
// pool capacity and can block like a general reservation.
func (p *Pool) ReserveRevocable(query QueryID, bytes int64) *core.Future {
	if bytes < 0 {
		panic(fmt.Sprintf("memory: ReserveRevocable called with negative bytes %d", bytes))
	}
	p.mu.Lock()
	if bytes != 0 {
		p.queryRevocableReservations[query] += bytes
	}
	p.reservedRevocableBytes += bytes
	result := p.capacityFutureLocked()
	p.mu.Unlock()

	p.metrics.ReservationsTotal.Add(1)
	p.metrics.RevocableReservedBytes.Add(bytes)
	if !result.IsDone() {
		p.metrics.BlockedReservationsTotal.Add(1)
	}
	return result
}

// FreeRevocable releases a prior revocable reservation.
func (p *Pool) FreeRevocable(query QueryID, bytes int64) {
	if bytes < 0 {
		panic(fmt.Sprintf("memory: FreeRevocable called with negative bytes %d", bytes))
	}
	p.mu.Lock()
	if p.reservedRevocableBytes < bytes {
		reserved := p.reservedRevocableBytes
		p.mu.Unlock()
		panic(fmt.Sprintf("memory: tried to free %d revocable bytes but pool %q has only %d reserved", bytes, p.name, reserved))
	}
	if bytes == 0 {
		p.mu.Unlock()
		return
	}
	reservation, ok := p.queryRevocableReservations[query]
	if !ok || reservation < bytes {
		p.mu.Unlock()
		panic(fmt.Sprintf("memory: tried to free %d revocable bytes but query %q has only %d reserved", bytes, query, reservation))
	}
	if reservation == bytes {
		delete(p.queryRevocableReservations, query)
	} else {
		p.queryRevocableReservations[query] = reservation - bytes
	}
	p.reservedRevocableBytes -= bytes
	woke := p.completeCapacityFutureLocked()
	p.mu.Unlock()

	p.metrics.RevocableReservedBytes.Add(-bytes)
	if woke {
		p.logger.Debug("pool has free capacity again, waiters unblocked", "freed_by", query, "bytes", bytes)
	}
}

// MoveQuery transfers the query's balances into the target pool and returns
// the target's admission future. The per-step locking never nests the two
// pool locks; callers serialize moves of the same query, so the balances
// read here cannot shift mid-transfer.
func (p *Pool) MoveQuery(query QueryID, target *Pool) *core.Future {
	general := p.QueryMemoryReservation(query)
	revocable := p.QueryRevocableMemoryReservation(query)

	future := target.Reserve(query, moveQueryTag, general)
	p.Free(query, moveQueryTag, general)
	target.ReserveRevocable(query, revocable)
	p.FreeRevocable(query, revocable)

	p.metrics.PoolMigrationsTotal.Add(1)
	p.logger.Info("query moved to another pool",
		"query_id", query, "target", target.Name(), "bytes", general, "revocable_bytes", revocable)
	return future
}

func (p *Pool) addTaggedAllocationLocked(query QueryID, tag string, delta int64) {
	tags := p.taggedAllocations[query]
	if tags == nil {
		tags = make(map[string]int64)
		p.taggedAllocations[query] = tags
	}
	next := tags[tag] + delta
	if next == 0 {
		delete(tags, tag)
		if len(tags) == 0 {
			delete(p.taggedAllocations, query)
		}
		return
	}
	tags[tag] = next
}

func (p *Pool) capacityFutureLocked() *core.Future {
	if p.freeBytesLocked() > 0 {
		return core.CompletedFuture()
	}
	if p.future == nil {
		p.future = core.NewFuture()
	}
	return p.future
}

func (p *Pool) completeCapacityFutureLocked() bool {
	if p.future == nil || p.freeBytesLocked() <= 0 {
		return false
	}
	future := p.future
	p.future = nil
	future.Complete()
	return true
}

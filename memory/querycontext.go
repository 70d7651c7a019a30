package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusquery/core"
	"github.com/INLOpen/nexusquery/hooks"
)

// guaranteedMemoryBytes is the floor below which user memory reservations
// proceed immediately even when the pool is exhausted. Without it a loaded
// pool would starve small queries of the handful of pages they need to
// finish and get out of the way.
const guaranteedMemoryBytes = 1 << 20

// reservationHandlerFuncs adapts a pair of functions to ReservationHandler.
type reservationHandlerFuncs struct {
	reserve    func(tag string, delta int64) (*core.Future, error)
	tryReserve func(tag string, delta int64) bool
}

func (h reservationHandlerFuncs) ReserveMemory(tag string, delta int64) (*core.Future, error) {
	return h.reserve(tag, delta)
}

func (h reservationHandlerFuncs) TryReserveMemory(tag string, delta int64) bool {
	return h.tryReserve(tag, delta)
}

func tryReserveNotSupported(mode string) func(string, int64) bool {
	return func(string, int64) bool {
		panic(&UnsupportedReservationModeError{Mode: mode})
	}
}

// QueryContextOptions configures a QueryContext. QueryID, MemoryPool and
// SpillSpace are required; Logger, HookManager and Metrics may be nil.
type QueryContextOptions struct {
	QueryID QueryID
	// MaxUserMemory caps the query's user memory tree.
	MaxUserMemory int64
	// MaxTotalMemory caps the query's combined user and system reservation.
	MaxTotalMemory int64
	// MaxSpill caps the query's spill space on disk.
	MaxSpill int64

	MemoryPool  *Pool
	SpillSpace  *SpillSpaceTracker
	Logger      *slog.Logger
	HookManager hooks.HookManager
	Metrics     *Metrics
}

// QueryContext is the per-query memory governor. It owns the three
// accounting trees, enforces the per-query ceilings on their way into the
// shared pool, tracks the query's spill space and keeps the registry of
// task contexts. A query can be migrated between pools and granted
// resource overcommit at runtime.
type QueryContext struct {
	queryID    QueryID
	logger     *slog.Logger
	hooks      hooks.HookManager
	metrics    *Metrics
	spillSpace *SpillSpaceTracker

	memoryCtx *TrackingContext

	mu                 sync.Mutex
	pool               *Pool
	maxUserMemory      int64
	maxTotalMemory     int64
	maxSpill           int64
	spillUsed          int64
	resourceOvercommit bool

	tasksMu sync.RWMutex
	tasks   map[string]*TaskContext
}

// NewQueryContext creates a query context wired to the given pool and spill
// tracker.
func NewQueryContext(opts QueryContextOptions) (*QueryContext, error) {
	if opts.QueryID == "" {
		return nil, fmt.Errorf("query id is required")
	}
	if opts.MemoryPool == nil {
		return nil, fmt.Errorf("query %q needs a memory pool", opts.QueryID)
	}
	if opts.SpillSpace == nil {
		return nil, fmt.Errorf("query %q needs a spill space tracker", opts.QueryID)
	}
	if opts.MaxUserMemory < 0 || opts.MaxTotalMemory < 0 || opts.MaxSpill < 0 {
		return nil, fmt.Errorf("query %q limits must be non-negative", opts.QueryID)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	hookManager := opts.HookManager
	if hookManager == nil {
		hookManager = hooks.NewHookManager(nil)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(false, "")
	}

	qc := &QueryContext{
		queryID:        opts.QueryID,
		logger:         logger.With("component", "QueryContext", "query_id", string(opts.QueryID)),
		hooks:          hookManager,
		metrics:        metrics,
		spillSpace:     opts.SpillSpace,
		pool:           opts.MemoryPool,
		maxUserMemory:  opts.MaxUserMemory,
		maxTotalMemory: opts.MaxTotalMemory,
		maxSpill:       opts.MaxSpill,
		tasks:          make(map[string]*TaskContext),
	}
	qc.memoryCtx = NewTrackingContext(
		NewRootAggregatedContext(reservationHandlerFuncs{
			reserve:    qc.updateUserMemory,
			tryReserve: qc.tryUpdateUserMemory,
		}, guaranteedMemoryBytes),
		NewRootAggregatedContext(reservationHandlerFuncs{
			reserve:    qc.updateRevocableMemory,
			tryReserve: tryReserveNotSupported("revocable"),
		}, 0),
		NewRootAggregatedContext(reservationHandlerFuncs{
			reserve:    qc.updateSystemMemory,
			tryReserve: tryReserveNotSupported("system"),
		}, 0),
	)
	return qc, nil
}

// QueryID returns the query this context governs.
func (qc *QueryContext) QueryID() QueryID { return qc.queryID }

// MemoryContext returns the query's root accounting bundle.
func (qc *QueryContext) MemoryContext() *TrackingContext { return qc.memoryCtx }

// MemoryPool returns the pool the query currently reserves from.
func (qc *QueryContext) MemoryPool() *Pool {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.pool
}

// MaxUserMemory returns the current user memory ceiling.
func (qc *QueryContext) MaxUserMemory() int64 {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.maxUserMemory
}

// MaxTotalMemory returns the current total memory ceiling.
func (qc *QueryContext) MaxTotalMemory() int64 {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.maxTotalMemory
}

// ResourceOvercommit reports whether the query has been granted overcommit.
func (qc *QueryContext) ResourceOvercommit() bool {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.resourceOvercommit
}

// SpillUsed returns the query's outstanding spill space.
func (qc *QueryContext) SpillUsed() int64 {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.spillUsed
}

// updateUserMemory admits user tree deltas against the per-query user
// ceiling, then records them in the pool. It runs inside the user tree's
// root lock, which serializes the limit check against other user updates.
// The limit-exceeded hook also fires inside that lock, so listeners must
// not call back into this query's memory trees.
func (qc *QueryContext) updateUserMemory(tag string, delta int64) (*core.Future, error) {
	qc.mu.Lock()
	if delta < 0 {
		qc.pool.Free(qc.queryID, tag, -delta)
		qc.mu.Unlock()
		return core.CompletedFuture(), nil
	}
	allocated := qc.memoryCtx.UserMemory()
	if allocated+delta > qc.maxUserMemory {
		limit := qc.maxUserMemory
		pool := qc.pool
		qc.mu.Unlock()
		return nil, qc.refuseReservation(ScopeUser, limit, allocated, delta, pool)
	}
	future := qc.pool.Reserve(qc.queryID, tag, delta)
	qc.mu.Unlock()
	return future, nil
}

// updateSystemMemory admits system tree deltas against the per-query total
// ceiling. The combined user-plus-system figure is read from the pool, not
// by summing the trees: the tree totals publish independently, so two loads
// could mix values from different instants, while the pool keeps the one
// combined ledger.
func (qc *QueryContext) updateSystemMemory(tag string, delta int64) (*core.Future, error) {
	qc.mu.Lock()
	if delta < 0 {
		qc.pool.Free(qc.queryID, tag, -delta)
		qc.mu.Unlock()
		return core.CompletedFuture(), nil
	}
	allocated := qc.pool.QueryMemoryReservation(qc.queryID)
	if allocated+delta > qc.maxTotalMemory {
		limit := qc.maxTotalMemory
		pool := qc.pool
		qc.mu.Unlock()
		return nil, qc.refuseReservation(ScopeTotal, limit, allocated, delta, pool)
	}
	future := qc.pool.Reserve(qc.queryID, tag, delta)
	qc.mu.Unlock()
	return future, nil
}

// updateRevocableMemory bypasses the per-query ceilings: revocable memory
// is reclaimable by spilling, so only pool capacity constrains it.
func (qc *QueryContext) updateRevocableMemory(tag string, delta int64) (*core.Future, error) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if delta < 0 {
		qc.pool.FreeRevocable(qc.queryID, -delta)
		return core.CompletedFuture(), nil
	}
	return qc.pool.ReserveRevocable(qc.queryID, delta), nil
}

// tryUpdateUserMemory admits growth only when it fits both the user ceiling
// and the pool's free capacity without blocking. Non-positive deltas take
// the blocking path, which never actually blocks for releases.
func (qc *QueryContext) tryUpdateUserMemory(tag string, delta int64) bool {
	if delta <= 0 {
		future, err := qc.updateUserMemory(tag, delta)
		if err != nil {
			return false
		}
		if delta < 0 && !future.IsDone() {
			panic(fmt.Sprintf("memory: release of %d bytes returned a pending future", -delta))
		}
		return true
	}
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if qc.memoryCtx.UserMemory()+delta > qc.maxUserMemory {
		return false
	}
	return qc.pool.TryReserve(qc.queryID, tag, delta)
}

func (qc *QueryContext) refuseReservation(scope LimitScope, limit, allocated, delta int64, pool *Pool) error {
	err := &ExceededMemoryLimitError{
		Scope:        scope,
		Limit:        limit,
		Allocated:    allocated,
		Delta:        delta,
		TopConsumers: topConsumers(pool.TaggedMemoryAllocations(qc.queryID)),
	}
	qc.metrics.MemoryLimitExceededTotal.Add(1)
	qc.logger.Warn("memory reservation refused",
		"scope", scope, "limit_bytes", limit, "allocated_bytes", allocated, "delta_bytes", delta)
	qc.hooks.Trigger(context.Background(), hooks.NewOnMemoryLimitExceededEvent(hooks.MemoryLimitExceededPayload{
		QueryID:   string(qc.queryID),
		Scope:     string(scope),
		Limit:     limit,
		Allocated: allocated,
		Delta:     delta,
	}))
	return err
}

// ReserveSpill claims disk space for a spill against both the per-query
// budget and the node-wide tracker, returning the tracker's future. The
// query's counter moves only after the node admits the bytes, so a
// node-level refusal leaves the query budget untouched.
func (qc *QueryContext) ReserveSpill(bytes int64) (*core.Future, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("cannot reserve negative spill bytes %d", bytes)
	}
	qc.mu.Lock()
	if qc.spillUsed+bytes > qc.maxSpill {
		limit := qc.maxSpill
		used := qc.spillUsed
		qc.mu.Unlock()
		qc.metrics.SpillLimitExceededTotal.Add(1)
		qc.logger.Warn("query spill budget exhausted", "limit_bytes", limit, "used_bytes", used, "requested_bytes", bytes)
		return nil, &ExceededSpillLimitError{Scope: SpillScopeQuery, Limit: limit}
	}
	admitted, err := qc.spillSpace.Reserve(bytes)
	if err != nil {
		qc.mu.Unlock()
		return nil, err
	}
	qc.spillUsed += bytes
	qc.mu.Unlock()
	return admitted, nil
}

// FreeSpill returns disk space to both the query budget and the node-wide
// tracker. Freeing more than is reserved is rejected without touching
// either counter.
func (qc *QueryContext) FreeSpill(bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("cannot free negative spill bytes %d", bytes)
	}
	qc.mu.Lock()
	if qc.spillUsed < bytes {
		used := qc.spillUsed
		qc.mu.Unlock()
		return fmt.Errorf("cannot free %d spill bytes, query has only %d reserved", bytes, used)
	}
	if err := qc.spillSpace.Free(bytes); err != nil {
		qc.mu.Unlock()
		return err
	}
	qc.spillUsed -= bytes
	qc.mu.Unlock()
	return nil
}

// SetMemoryPool migrates the query to a new pool. The pool reference swaps
// before any balance moves, so reservations admitted mid-move land in the
// new pool and nothing is stranded in the old one. Once the new pool admits
// the moved balances, every registered task is nudged to retry whatever it
// was blocked on. Re-assigning the current pool is a no-op; it must not
// unblock tasks or thrash reservations back and forth.
func (qc *QueryContext) SetMemoryPool(pool *Pool) {
	if pool == nil {
		panic("memory: SetMemoryPool called with nil pool")
	}
	qc.mu.Lock()
	if qc.pool == pool {
		qc.mu.Unlock()
		return
	}
	from := qc.pool
	qc.pool = pool
	admitted := from.MoveQuery(qc.queryID, pool)
	moved := pool.QueryMemoryReservation(qc.queryID)
	movedRevocable := pool.QueryRevocableMemoryReservation(qc.queryID)
	qc.mu.Unlock()

	go qc.notifyWhenMigrated(admitted, from, pool, moved, movedRevocable)
}

func (qc *QueryContext) notifyWhenMigrated(admitted *core.Future, from, to *Pool, bytes, revocableBytes int64) {
	<-admitted.Done()
	for _, tc := range qc.taskContexts() {
		tc.notifyMemoryAvailable()
	}
	qc.logger.Info("query migrated between memory pools",
		"from", from.Name(), "to", to.Name(), "bytes", bytes, "revocable_bytes", revocableBytes)
	qc.hooks.Trigger(context.Background(), hooks.NewPostPoolMigrationEvent(hooks.PoolMigrationPayload{
		QueryID:        string(qc.queryID),
		FromPool:       from.Name(),
		ToPool:         to.Name(),
		Bytes:          bytes,
		RevocableBytes: revocableBytes,
	}))
}

// SetResourceOvercommit raises both per-query ceilings to the full capacity
// of the current pool. Blocking on pool exhaustion still applies; only the
// per-query refusals stop. Granting twice is a no-op.
func (qc *QueryContext) SetResourceOvercommit() {
	qc.mu.Lock()
	if qc.resourceOvercommit {
		qc.mu.Unlock()
		return
	}
	qc.resourceOvercommit = true
	limit := qc.pool.MaxBytes()
	qc.maxUserMemory = limit
	qc.maxTotalMemory = limit
	qc.mu.Unlock()

	qc.metrics.ResourceOvercommitsTotal.Add(1)
	qc.logger.Info("resource overcommit granted", "limit_bytes", limit)
	qc.hooks.Trigger(context.Background(), hooks.NewOnResourceOvercommitEvent(hooks.ResourceOvercommitPayload{
		QueryID: string(qc.queryID),
		Limit:   limit,
	}))
}

// AddTaskContext registers a task with the query and returns its context.
// The instance id carries the task's resume count as a numeric prefix, so a
// restarted task can never silently collide with its previous incarnation.
func (qc *QueryContext) AddTaskContext(instanceID string) (*TaskContext, error) {
	resumeCount, err := parseTaskInstanceID(instanceID)
	if err != nil {
		return nil, err
	}
	tc := newTaskContext(instanceID, resumeCount, qc.memoryCtx.NewChild(), qc.logger.With("task", instanceID))

	qc.tasksMu.Lock()
	if _, exists := qc.tasks[instanceID]; exists {
		qc.tasksMu.Unlock()
		return nil, fmt.Errorf("task %q is already registered", instanceID)
	}
	qc.tasks[instanceID] = tc
	qc.tasksMu.Unlock()

	qc.metrics.ActiveTasks.Add(1)
	qc.hooks.Trigger(context.Background(), hooks.NewPostTaskRegisterEvent(hooks.TaskLifecyclePayload{
		QueryID:        string(qc.queryID),
		TaskInstanceID: instanceID,
		ResumeCount:    resumeCount,
	}))
	return tc, nil
}

// RemoveTaskContext unregisters a task and releases whatever its accounting
// contexts still hold. Removing an unknown task is logged and ignored.
func (qc *QueryContext) RemoveTaskContext(instanceID string) {
	qc.tasksMu.Lock()
	tc, ok := qc.tasks[instanceID]
	if ok {
		delete(qc.tasks, instanceID)
	}
	qc.tasksMu.Unlock()
	if !ok {
		qc.logger.Warn("tried to remove unknown task", "task", instanceID)
		return
	}

	if err := tc.close(); err != nil {
		qc.logger.Error("failed to release task memory on removal", "task", instanceID, "error", err)
	}
	qc.metrics.ActiveTasks.Add(-1)
	qc.hooks.Trigger(context.Background(), hooks.NewPostTaskUnregisterEvent(hooks.TaskLifecyclePayload{
		QueryID:        string(qc.queryID),
		TaskInstanceID: instanceID,
		ResumeCount:    tc.ResumeCount(),
	}))
}

// GetTaskContext returns the registered task context. Asking for an unknown
// task is a programming error and panics.
func (qc *QueryContext) GetTaskContext(instanceID string) *TaskContext {
	qc.tasksMu.RLock()
	tc := qc.tasks[instanceID]
	qc.tasksMu.RUnlock()
	if tc == nil {
		panic(fmt.Sprintf("memory: task %q does not exist", instanceID))
	}
	return tc
}

// TaskCount returns the number of registered tasks.
func (qc *QueryContext) TaskCount() int {
	qc.tasksMu.RLock()
	defer qc.tasksMu.RUnlock()
	return len(qc.tasks)
}

// EachTaskContext calls fn for every registered task. fn runs outside the
// registry lock, so it may call back into the query context.
func (qc *QueryContext) EachTaskContext(fn func(*TaskContext)) {
	for _, tc := range qc.taskContexts() {
		fn(tc)
	}
}

func (qc *QueryContext) taskContexts() []*TaskContext {
	qc.tasksMu.RLock()
	defer qc.tasksMu.RUnlock()
	out := make([]*TaskContext, 0, len(qc.tasks))
	for _, tc := range qc.tasks {
		out = append(out, tc)
	}
	return out
}

// Close releases everything the query still holds: every task context, the
// root accounting trees and any spill space not yet returned. The context
// must not be used afterwards.
func (qc *QueryContext) Close() error {
	var firstErr error
	for _, tc := range qc.taskContexts() {
		qc.RemoveTaskContext(tc.InstanceID())
	}
	if err := qc.memoryCtx.Close(); err != nil {
		firstErr = err
	}

	qc.mu.Lock()
	remaining := qc.spillUsed
	qc.spillUsed = 0
	qc.mu.Unlock()
	if remaining > 0 {
		if err := qc.spillSpace.Free(remaining); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

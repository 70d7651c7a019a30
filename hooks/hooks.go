package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventType names a hook event. Events whose name starts with "Pre" can be
// vetoed by a listener; all others are notifications.
type EventType string

// --- Event Types ---
const (
	// Spill lifecycle
	EventPreSpill       EventType = "PreSpill"
	EventPostSpill      EventType = "PostSpill"
	EventOnSpillerClose EventType = "OnSpillerClose"

	// Memory governor
	EventOnMemoryLimitExceeded EventType = "OnMemoryLimitExceeded"
	EventPostPoolMigration     EventType = "PostPoolMigration"
	EventOnResourceOvercommit  EventType = "OnResourceOvercommit"

	// Task lifecycle
	EventPostTaskRegister   EventType = "PostTaskRegister"
	EventPostTaskUnregister EventType = "PostTaskUnregister"
)

// --- Manager ---

// HookManager registers listeners and dispatches events to them.
type HookManager interface {
	// Register subscribes listener to events of the given type.
	Register(eventType EventType, listener HookListener)
	// Trigger dispatches event to every listener subscribed to its type, in
	// priority order. An error from a Pre listener aborts the dispatch and
	// surfaces to the caller; errors from Post listeners are logged.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop blocks until all asynchronous listeners have finished.
	Stop()
}

// HookEvent is what Trigger dispatches: a type tag plus an opaque payload
// the listener downcasts.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent is the concrete event behind every New*Event constructor.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreSpillPayload contains the data for a PreSpill event, fired before any
// pages are written to disk. A listener returning an error cancels the
// spill; the caller sees the failure before any disk state exists.
type PreSpillPayload struct {
	SpillerID string
	QueryID   string
	Pages     int
	// EstimatedBytes is the in-memory size of the pages about to spill.
	EstimatedBytes int64
}

// NewPreSpillEvent creates a new event for before pages are spilled to disk.
func NewPreSpillEvent(payload PreSpillPayload) HookEvent {
	return &BaseEvent{
		eventType: EventPreSpill,
		payload:   payload,
	}
}

// PostSpillPayload contains the data for a PostSpill event.
type PostSpillPayload struct {
	SpillerID         string
	QueryID           string
	Pages             int
	Positions         int64
	UncompressedBytes int64
	SpilledBytes      int64
	Duration          time.Duration
	Error             error // The final error state of the spill operation.
}

// NewPostSpillEvent creates a new event for after a spill has completed or failed.
func NewPostSpillEvent(payload PostSpillPayload) HookEvent {
	return &BaseEvent{
		eventType: EventPostSpill,
		payload:   payload,
	}
}

// SpillerClosePayload contains information about a spiller shutdown.
type SpillerClosePayload struct {
	SpillerID    string
	QueryID      string
	FilesRemoved int
	BytesFreed   int64
}

// NewOnSpillerCloseEvent creates an event for after a spiller has released its disk space.
func NewOnSpillerCloseEvent(payload SpillerClosePayload) HookEvent {
	return &BaseEvent{eventType: EventOnSpillerClose, payload: payload}
}

// MemoryLimitExceededPayload describes a reservation refused against a
// per-query memory ceiling.
type MemoryLimitExceededPayload struct {
	QueryID   string
	Scope     string // "user" or "total"
	Limit     int64
	Allocated int64
	Delta     int64
}

// NewOnMemoryLimitExceededEvent creates an event for when a query hits one of its memory limits.
func NewOnMemoryLimitExceededEvent(payload MemoryLimitExceededPayload) HookEvent {
	return &BaseEvent{eventType: EventOnMemoryLimitExceeded, payload: payload}
}

// PoolMigrationPayload contains information about a completed pool move.
type PoolMigrationPayload struct {
	QueryID        string
	FromPool       string
	ToPool         string
	Bytes          int64
	RevocableBytes int64
}

// NewPostPoolMigrationEvent creates an event for after a query has been
// admitted into its new pool.
func NewPostPoolMigrationEvent(payload PoolMigrationPayload) HookEvent {
	return &BaseEvent{
		eventType: EventPostPoolMigration,
		payload:   payload,
	}
}

// ResourceOvercommitPayload contains information about a query granted
// resource overcommit.
type ResourceOvercommitPayload struct {
	QueryID string
	// Limit is the pool capacity both per-query ceilings were raised to.
	Limit int64
}

// NewOnResourceOvercommitEvent creates an event for when a query's limits are
// raised to the full pool capacity.
func NewOnResourceOvercommitEvent(payload ResourceOvercommitPayload) HookEvent {
	return &BaseEvent{eventType: EventOnResourceOvercommit, payload: payload}
}

// TaskLifecyclePayload contains information about a task joining or leaving
// a query.
type TaskLifecyclePayload struct {
	QueryID        string
	TaskInstanceID string
	ResumeCount    int64
}

// NewPostTaskRegisterEvent creates an event for after a task context has been registered.
func NewPostTaskRegisterEvent(payload TaskLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostTaskRegister, payload: payload}
}

// NewPostTaskUnregisterEvent creates an event for after a task context has been removed.
func NewPostTaskUnregisterEvent(payload TaskLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostTaskUnregister, payload: payload}
}

// --- Listeners ---

// HookListener receives events from a HookManager.
type HookListener interface {
	// OnEvent handles one event. For Pre events a non-nil error vetoes the
	// operation that raised the event; for Post events it is logged and
	// dispatch moves on.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority orders listeners within an event type. Lower runs first.
	Priority() int

	// IsAsync requests dispatch on a separate goroutine. Honored for Post
	// events only.
	IsAsync() bool
}

// subscription pins the listener's priority at registration time, so a
// listener whose Priority answer varies cannot unsort the slice.
type subscription struct {
	listener HookListener
	priority int
}

// DefaultHookManager dispatches events to priority-ordered listeners. Use
// NewHookManager; the zero value has no listener map.
type DefaultHookManager struct {
	mu        sync.RWMutex
	listeners map[EventType][]subscription
	wg        sync.WaitGroup // counts in-flight async listeners
	logger    *slog.Logger
}

// NewHookManager creates a DefaultHookManager. Trigger logs through the
// given logger unconditionally, so a nil logger is replaced with a discard
// handler rather than carried around.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]subscription),
		logger:    logger,
	}
}

// Register subscribes listener to eventType. Listeners run in ascending
// priority order; equal priorities run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := subscription{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	// Insert after the last entry with the same priority to keep
	// registration order among equals.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > sub.priority
	})
	m.listeners[eventType] = slices.Insert(l, idx, sub)
}

// Trigger dispatches event to its subscribers in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	subs := m.listeners[event.Type()]
	m.mu.RUnlock()
	if len(subs) == 0 {
		return nil
	}

	pre := strings.HasPrefix(string(event.Type()), "Pre")

	for _, sub := range subs {
		switch {
		case pre:
			// Vetoes only work when the caller sees the error before
			// proceeding, so Pre listeners always run inline.
			if sub.listener.IsAsync() {
				m.logger.Warn("Ignoring IsAsync for a Pre event; listener runs inline.", "event", event.Type(), "priority", sub.priority)
			}
			if err := sub.listener.OnEvent(ctx, event); err != nil {
				return fmt.Errorf("%s listener (priority %d) vetoed: %w", event.Type(), sub.priority, err)
			}
		case sub.listener.IsAsync():
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				if err := sub.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Post-event listener failed.", "event", event.Type(), "priority", sub.priority, "async", true, "error", err)
				}
			}()
		default:
			if err := sub.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Post-event listener failed.", "event", event.Type(), "priority", sub.priority, "async", false, "error", err)
			}
		}
	}
	return nil
}

// Stop blocks until every async listener spawned by Trigger has returned.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

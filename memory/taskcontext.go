package memory

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskContext is the per-task view of a query's memory accounting. Each
// task holds a child TrackingContext feeding the query's roots, plus a
// wakeup channel the governor pulses when memory that was blocking the
// task may have become available.
type TaskContext struct {
	instanceID  string
	resumeCount int64
	createdAt   time.Time
	memoryCtx   *TrackingContext
	logger      *slog.Logger

	// memoryAvailable carries at most one pending wakeup; repeated pulses
	// while the task has not drained the previous one coalesce.
	memoryAvailable chan struct{}
}

func newTaskContext(instanceID string, resumeCount int64, memoryCtx *TrackingContext, logger *slog.Logger) *TaskContext {
	return &TaskContext{
		instanceID:      instanceID,
		resumeCount:     resumeCount,
		createdAt:       time.Now(),
		memoryCtx:       memoryCtx,
		logger:          logger,
		memoryAvailable: make(chan struct{}, 1),
	}
}

// InstanceID returns the full task instance identifier.
func (tc *TaskContext) InstanceID() string { return tc.instanceID }

// ResumeCount returns how many times this task has been restarted, parsed
// from the instance identifier prefix.
func (tc *TaskContext) ResumeCount() int64 { return tc.resumeCount }

// CreatedAt returns when the task registered with the query.
func (tc *TaskContext) CreatedAt() time.Time { return tc.createdAt }

// MemoryContext returns the task's accounting bundle.
func (tc *TaskContext) MemoryContext() *TrackingContext { return tc.memoryCtx }

// MemoryAvailable returns a channel that receives after an event that may
// have freed memory the task was blocked on, such as the query migrating to
// a larger pool. Receives are advisory; the task re-attempts its
// reservation and may block again.
func (tc *TaskContext) MemoryAvailable() <-chan struct{} {
	return tc.memoryAvailable
}

func (tc *TaskContext) notifyMemoryAvailable() {
	select {
	case tc.memoryAvailable <- struct{}{}:
	default:
	}
}

func (tc *TaskContext) close() error {
	return tc.memoryCtx.Close()
}

// parseTaskInstanceID splits "<resumeCount>-<id>" and returns the resume
// count. Identifiers without the numeric prefix are rejected so restarted
// tasks can never collide silently with their previous incarnation.
func parseTaskInstanceID(id string) (int64, error) {
	idx := strings.IndexByte(id, '-')
	if idx <= 0 {
		return 0, fmt.Errorf("malformed task instance id %q: want \"<resumeCount>-<id>\"", id)
	}
	count, err := strconv.ParseInt(id[:idx], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed task instance id %q: %w", id, err)
	}
	if count < 0 {
		return 0, fmt.Errorf("malformed task instance id %q: negative resume count", id)
	}
	return count, nil
}

// NewTaskInstanceID generates an instance identifier for a fresh task that
// has never been resumed.
func NewTaskInstanceID() string {
	return "0-" + uuid.NewString()
}

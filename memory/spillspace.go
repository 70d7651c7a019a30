package memory

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusquery/core"
)

// SpillSpaceTracker enforces the node-wide disk budget shared by every
// query's spill files. Per-query ceilings are enforced upstream by the
// query context before a reservation reaches this tracker.
type SpillSpaceTracker struct {
	maxBytes int64
	logger   *slog.Logger
	metrics  *Metrics

	mu           sync.Mutex
	currentBytes int64
}

// NewSpillSpaceTracker creates a tracker with a fixed disk budget. logger
// and metrics may be nil.
func NewSpillSpaceTracker(maxBytes int64, logger *slog.Logger, metrics *Metrics) *SpillSpaceTracker {
	if maxBytes < 0 {
		panic(fmt.Sprintf("memory: spill budget must be non-negative, got %d", maxBytes))
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if metrics == nil {
		metrics = NewMetrics(false, "")
	}
	return &SpillSpaceTracker{
		maxBytes: maxBytes,
		logger:   logger.With("component", "SpillSpaceTracker"),
		metrics:  metrics,
	}
}

// Reserve claims bytes of the node's spill budget. The returned future is
// always already done; spill space never blocks, it either fits or fails.
// The future shape matches memory reservations so callers handle both
// uniformly.
func (t *SpillSpaceTracker) Reserve(bytes int64) (*core.Future, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("cannot reserve negative spill bytes %d", bytes)
	}
	t.mu.Lock()
	if t.currentBytes+bytes > t.maxBytes {
		used := t.currentBytes
		t.mu.Unlock()
		t.metrics.SpillLimitExceededTotal.Add(1)
		t.logger.Warn("node spill budget exhausted", "requested_bytes", bytes, "used_bytes", used, "max_bytes", t.maxBytes)
		return nil, &ExceededSpillLimitError{Scope: SpillScopeNode, Limit: t.maxBytes}
	}
	t.currentBytes += bytes
	t.mu.Unlock()

	t.metrics.SpillSpaceUsedBytes.Add(bytes)
	return core.CompletedFuture(), nil
}

// Free returns bytes to the node's spill budget.
func (t *SpillSpaceTracker) Free(bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("cannot free negative spill bytes %d", bytes)
	}
	t.mu.Lock()
	if t.currentBytes < bytes {
		used := t.currentBytes
		t.mu.Unlock()
		return fmt.Errorf("tried to free %d spill bytes but only %d are reserved", bytes, used)
	}
	t.currentBytes -= bytes
	t.mu.Unlock()

	t.metrics.SpillSpaceUsedBytes.Add(-bytes)
	return nil
}

// UsedBytes returns the spill space currently reserved on this node.
func (t *SpillSpaceTracker) UsedBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentBytes
}

// MaxBytes returns the configured disk budget.
func (t *SpillSpaceTracker) MaxBytes() int64 { return t.maxBytes }

package memory

import (
	"errors"
	"sync"
	"testing"

	"github.com/INLOpen/nexusquery/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler is a ReservationHandler that records every delta it
// admits, optionally refusing growth or handing back a pending future.
type recordingHandler struct {
	mu    sync.Mutex
	tags  map[string]int64
	total int64
	calls int

	// refuse, when set, makes the next positive reservation fail.
	refuse error
	// pending, when set, is returned for admitted growth instead of a
	// completed future.
	pending *core.Future
	// denyTry refuses growth on the try path.
	denyTry bool
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{tags: make(map[string]int64)}
}

func (h *recordingHandler) ReserveMemory(tag string, delta int64) (*core.Future, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if delta > 0 && h.refuse != nil {
		err := h.refuse
		h.refuse = nil
		return nil, err
	}
	h.tags[tag] += delta
	h.total += delta
	if delta > 0 && h.pending != nil {
		return h.pending, nil
	}
	return core.CompletedFuture(), nil
}

func (h *recordingHandler) TryReserveMemory(tag string, delta int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if delta > 0 && h.denyTry {
		return false
	}
	h.tags[tag] += delta
	h.total += delta
	return true
}

func (h *recordingHandler) totalBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

func (h *recordingHandler) tagBytes(tag string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tags[tag]
}

func (h *recordingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func TestAccountingTree_CascadesToRoot(t *testing.T) {
	handler := newRecordingHandler()
	root := NewRootAggregatedContext(handler, 0)
	child := root.NewChild()
	leaf := child.NewLocalContext("scan")

	future, err := leaf.SetBytes(100)
	require.NoError(t, err)
	assert.True(t, future.IsDone())

	assert.Equal(t, int64(100), leaf.Bytes())
	assert.Equal(t, int64(100), child.Bytes())
	assert.Equal(t, int64(100), root.Bytes())
	assert.Equal(t, int64(100), handler.tagBytes("scan"))

	// Shrinking cascades a negative delta all the way down.
	_, err = leaf.SetBytes(40)
	require.NoError(t, err)
	assert.Equal(t, int64(40), root.Bytes())
	assert.Equal(t, int64(40), handler.totalBytes())

	_, err = leaf.AddBytes(10)
	require.NoError(t, err)
	assert.Equal(t, int64(50), leaf.Bytes())
	assert.Equal(t, int64(50), root.Bytes())

	// Declaring the same footprint is a no-op that never reaches the root.
	calls := handler.callCount()
	_, err = leaf.SetBytes(50)
	require.NoError(t, err)
	assert.Equal(t, calls, handler.callCount())
}

func TestAccountingTree_SiblingsAggregate(t *testing.T) {
	handler := newRecordingHandler()
	root := NewRootAggregatedContext(handler, 0)
	taskA := root.NewChild()
	taskB := root.NewChild()

	_, err := taskA.NewLocalContext("scan").SetBytes(30)
	require.NoError(t, err)
	_, err = taskB.NewLocalContext("join").SetBytes(70)
	require.NoError(t, err)

	assert.Equal(t, int64(30), taskA.Bytes())
	assert.Equal(t, int64(70), taskB.Bytes())
	assert.Equal(t, int64(100), root.Bytes())
}

func TestAccountingTree_RefusalLeavesNoPartialState(t *testing.T) {
	handler := newRecordingHandler()
	root := NewRootAggregatedContext(handler, 0)
	child := root.NewChild()
	leaf := child.NewLocalContext("scan")

	_, err := leaf.SetBytes(10)
	require.NoError(t, err)

	handler.refuse = errors.New("limit exceeded")
	_, err = leaf.SetBytes(100)
	require.Error(t, err)

	assert.Equal(t, int64(10), leaf.Bytes())
	assert.Equal(t, int64(10), child.Bytes())
	assert.Equal(t, int64(10), root.Bytes())
	assert.Equal(t, int64(10), handler.totalBytes())
}

func TestRootContext_GuaranteedFloor(t *testing.T) {
	handler := newRecordingHandler()
	handler.pending = core.NewFuture() // the pool is exhausted
	root := NewRootAggregatedContext(handler, 1<<20)
	leaf := root.NewLocalContext("scan")

	// Below the floor the caller proceeds immediately even though the
	// handler wants it to wait.
	future, err := leaf.SetBytes(512 << 10)
	require.NoError(t, err)
	assert.True(t, future.IsDone())
	assert.Equal(t, int64(512<<10), handler.totalBytes(), "the reservation is still recorded")

	// Reaching the floor exactly switches to the handler's future.
	future, err = leaf.SetBytes(1 << 20)
	require.NoError(t, err)
	assert.False(t, future.IsDone())

	future, err = leaf.SetBytes(2 << 20)
	require.NoError(t, err)
	assert.False(t, future.IsDone())
}

func TestAggregatedContext_CloseForceFreesRemainder(t *testing.T) {
	handler := newRecordingHandler()
	root := NewRootAggregatedContext(handler, 0)
	task := root.NewChild()
	leaf := task.NewLocalContext("scan")

	_, err := leaf.SetBytes(100)
	require.NoError(t, err)

	// Closing the subtree releases its holdings under the force-free tag
	// rather than the tags that reserved them.
	require.NoError(t, task.Close())
	assert.Equal(t, int64(0), task.Bytes())
	assert.Equal(t, int64(0), root.Bytes())
	assert.Equal(t, int64(0), handler.totalBytes())
	assert.Equal(t, int64(100), handler.tagBytes("scan"))
	assert.Equal(t, int64(-100), handler.tagBytes(forceFreeTag))

	// Closing twice is a no-op.
	calls := handler.callCount()
	require.NoError(t, task.Close())
	assert.Equal(t, calls, handler.callCount())

	// The closed subtree refuses further updates.
	_, err = leaf.SetBytes(10)
	assert.Error(t, err)
	assert.False(t, leaf.TrySetBytes(10))
}

func TestLocalContext_CloseReleasesUnderOwnTag(t *testing.T) {
	handler := newRecordingHandler()
	root := NewRootAggregatedContext(handler, 0)
	leaf := root.NewLocalContext("sort")

	_, err := leaf.SetBytes(64)
	require.NoError(t, err)

	require.NoError(t, leaf.Close())
	assert.Equal(t, int64(0), leaf.Bytes())
	assert.Equal(t, int64(0), root.Bytes())
	assert.Equal(t, int64(0), handler.tagBytes("sort"), "a leaf settles its own tag")

	// Closed leaves refuse updates but tolerate another Close.
	_, err = leaf.AddBytes(1)
	assert.Error(t, err)
	require.NoError(t, leaf.Close())
}

func TestLocalContext_TrySetBytes(t *testing.T) {
	handler := newRecordingHandler()
	root := NewRootAggregatedContext(handler, 0)
	leaf := root.NewLocalContext("scan")

	require.True(t, leaf.TrySetBytes(100))
	assert.Equal(t, int64(100), leaf.Bytes())
	assert.Equal(t, int64(100), root.Bytes())

	handler.denyTry = true
	assert.False(t, leaf.TrySetBytes(200))
	assert.Equal(t, int64(100), leaf.Bytes(), "a refused try leaves the footprint unchanged")
	assert.Equal(t, int64(100), root.Bytes())

	// Shrinking always succeeds; refusal only applies to growth.
	require.True(t, leaf.TrySetBytes(25))
	assert.Equal(t, int64(25), root.Bytes())
}

func TestNewRootAggregatedContext_RequiresHandler(t *testing.T) {
	assert.Panics(t, func() { NewRootAggregatedContext(nil, 0) })
}

func TestTrackingContext_BundlesThreeTrees(t *testing.T) {
	user := newRecordingHandler()
	revocable := newRecordingHandler()
	system := newRecordingHandler()
	bundle := NewTrackingContext(
		NewRootAggregatedContext(user, 0),
		NewRootAggregatedContext(revocable, 0),
		NewRootAggregatedContext(system, 0),
	)

	child := bundle.NewChild()
	_, err := child.User().NewLocalContext("scan").SetBytes(10)
	require.NoError(t, err)
	_, err = child.Revocable().NewLocalContext("sort").SetBytes(20)
	require.NoError(t, err)
	_, err = child.System().NewLocalContext("buffers").SetBytes(30)
	require.NoError(t, err)

	assert.Equal(t, int64(10), bundle.UserMemory())
	assert.Equal(t, int64(20), bundle.RevocableMemory())
	assert.Equal(t, int64(30), bundle.SystemMemory())

	// Closing the child bundle returns everything to the roots.
	require.NoError(t, child.Close())
	assert.Equal(t, int64(0), bundle.UserMemory())
	assert.Equal(t, int64(0), bundle.RevocableMemory())
	assert.Equal(t, int64(0), bundle.SystemMemory())
	assert.Equal(t, int64(0), user.totalBytes())
	assert.Equal(t, int64(0), revocable.totalBytes())
	assert.Equal(t, int64(0), system.totalBytes())
}

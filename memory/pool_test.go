package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ReserveAndFree(t *testing.T) {
	p := NewPool("general", 1000, nil, nil)

	future := p.Reserve("q1", "scan", 400)
	require.True(t, future.IsDone(), "reservation with free capacity left over should not block")

	assert.Equal(t, int64(400), p.ReservedBytes())
	assert.Equal(t, int64(600), p.FreeBytes())
	assert.Equal(t, int64(400), p.QueryMemoryReservation("q1"))
	assert.Equal(t, map[string]int64{"scan": 400}, p.TaggedMemoryAllocations("q1"))

	p.Free("q1", "scan", 400)
	assert.Equal(t, int64(0), p.ReservedBytes())
	assert.Equal(t, int64(0), p.QueryMemoryReservation("q1"))
	assert.Nil(t, p.TaggedMemoryAllocations("q1"), "releasing the last byte should drop the tag breakdown")
}

func TestPool_TagBreakdownAccumulates(t *testing.T) {
	p := NewPool("general", 1000, nil, nil)

	p.Reserve("q1", "scan", 300)
	p.Reserve("q1", "join", 200)
	p.Reserve("q1", "scan", 100)

	assert.Equal(t, int64(600), p.QueryMemoryReservation("q1"))
	assert.Equal(t, map[string]int64{"scan": 400, "join": 200}, p.TaggedMemoryAllocations("q1"))

	// A partial free keeps the remaining tags.
	p.Free("q1", "join", 200)
	assert.Equal(t, map[string]int64{"scan": 400}, p.TaggedMemoryAllocations("q1"))
}

func TestPool_ReserveBlocksWhenExhausted(t *testing.T) {
	p := NewPool("general", 1000, nil, nil)

	f1 := p.Reserve("q1", "scan", 1000)
	assert.False(t, f1.IsDone(), "filling the pool exactly should leave the caller blocked")

	// Reservations never fail, the overrun is recorded and the caller parked.
	f2 := p.Reserve("q2", "join", 50)
	assert.False(t, f2.IsDone())
	assert.Equal(t, int64(-50), p.FreeBytes())

	// Freeing back to exactly full is not enough to wake anyone.
	p.Free("q2", "join", 50)
	assert.False(t, f1.IsDone())

	// Crossing back under the maximum wakes all waiters at once.
	p.Free("q1", "scan", 500)
	assert.True(t, f1.IsDone())
	assert.True(t, f2.IsDone())
}

func TestPool_ZeroByteReserveQueuesBehindBacklog(t *testing.T) {
	p := NewPool("general", 10, nil, nil)

	f1 := p.Reserve("q1", "scan", 10)
	require.False(t, f1.IsDone())

	// Even a zero-byte reservation waits for the backlog to clear, but it
	// records nothing against the query.
	f0 := p.Reserve("q2", "probe", 0)
	assert.False(t, f0.IsDone())
	assert.Equal(t, int64(0), p.QueryMemoryReservation("q2"))

	p.Free("q1", "scan", 10)
	assert.True(t, f0.IsDone())
}

func TestPool_TryReserve(t *testing.T) {
	p := NewPool("general", 100, nil, nil)

	assert.True(t, p.TryReserve("q1", "scan", 60))
	assert.Equal(t, int64(60), p.ReservedBytes())

	// Refusal leaves no partial state behind.
	assert.False(t, p.TryReserve("q1", "scan", 50))
	assert.Equal(t, int64(60), p.ReservedBytes())
	assert.Equal(t, map[string]int64{"scan": 60}, p.TaggedMemoryAllocations("q1"))

	// An exact fit is admitted.
	assert.True(t, p.TryReserve("q1", "join", 40))
	assert.Equal(t, int64(0), p.FreeBytes())
}

func TestPool_RevocableTrackedSeparately(t *testing.T) {
	p := NewPool("general", 100, nil, nil)

	p.Reserve("q1", "scan", 50)
	future := p.ReserveRevocable("q1", 30)
	require.True(t, future.IsDone())

	assert.Equal(t, int64(50), p.ReservedBytes())
	assert.Equal(t, int64(30), p.ReservedRevocableBytes())
	assert.Equal(t, int64(20), p.FreeBytes(), "revocable memory counts against pool capacity")
	assert.Equal(t, int64(50), p.QueryMemoryReservation("q1"))
	assert.Equal(t, int64(30), p.QueryRevocableMemoryReservation("q1"))

	p.FreeRevocable("q1", 30)
	assert.Equal(t, int64(0), p.ReservedRevocableBytes())
}

func TestPool_FreeingRevocableWakesWaiters(t *testing.T) {
	p := NewPool("general", 100, nil, nil)

	p.ReserveRevocable("q1", 100)
	blocked := p.Reserve("q2", "scan", 10)
	require.False(t, blocked.IsDone())

	p.FreeRevocable("q1", 50)
	assert.True(t, blocked.IsDone())
}

func TestPool_Panics(t *testing.T) {
	assert.Panics(t, func() { NewPool("bad", -1, nil, nil) })

	p := NewPool("general", 100, nil, nil)
	assert.Panics(t, func() { p.Reserve("q1", "t", -1) })
	assert.Panics(t, func() { p.TryReserve("q1", "t", -1) })
	assert.Panics(t, func() { p.Free("q1", "t", -1) })

	// Freeing with nothing reserved underflows the pool.
	assert.Panics(t, func() { p.Free("q1", "t", 10) })

	// Freeing more than the query holds underflows the query even when the
	// pool as a whole has enough.
	p.Reserve("q1", "t", 20)
	p.Reserve("q2", "t", 20)
	assert.Panics(t, func() { p.Free("q1", "t", 30) })
	assert.Panics(t, func() { p.FreeRevocable("q1", 1) })
}

func TestPool_MoveQuery(t *testing.T) {
	source := NewPool("general", 1000, nil, nil)
	target := NewPool("reserved", 2000, nil, nil)

	source.Reserve("q1", "scan", 300)
	source.Reserve("q1", "join", 200)
	source.ReserveRevocable("q1", 100)
	source.Reserve("q2", "scan", 50)

	admitted := source.MoveQuery("q1", target)
	require.True(t, admitted.IsDone(), "target has capacity, admission should be immediate")

	assert.Equal(t, int64(0), source.QueryMemoryReservation("q1"))
	assert.Equal(t, int64(0), source.QueryRevocableMemoryReservation("q1"))
	assert.Equal(t, int64(50), source.ReservedBytes(), "other queries stay behind")

	assert.Equal(t, int64(500), target.QueryMemoryReservation("q1"))
	assert.Equal(t, int64(100), target.QueryRevocableMemoryReservation("q1"))

	// The per-tag breakdown does not survive a move.
	assert.Equal(t, map[string]int64{moveQueryTag: 500}, target.TaggedMemoryAllocations("q1"))
}

func TestPool_MoveQueryIntoExhaustedPool(t *testing.T) {
	source := NewPool("general", 1000, nil, nil)
	target := NewPool("reserved", 400, nil, nil)

	source.Reserve("q1", "scan", 500)

	admitted := source.MoveQuery("q1", target)
	assert.False(t, admitted.IsDone(), "the move overcommits the target")
	assert.Equal(t, int64(500), target.QueryMemoryReservation("q1"))
	assert.Equal(t, int64(0), source.QueryMemoryReservation("q1"))

	target.Free("q1", moveQueryTag, 200)
	assert.True(t, admitted.IsDone())
}

func TestPool_MoveQueryWakesSourceWaiters(t *testing.T) {
	source := NewPool("general", 100, nil, nil)
	target := NewPool("reserved", 1000, nil, nil)

	source.Reserve("q1", "scan", 100)
	blocked := source.Reserve("q2", "scan", 20)
	require.False(t, blocked.IsDone())

	source.MoveQuery("q1", target)
	assert.True(t, blocked.IsDone(), "moving q1 out frees capacity for q2")
}

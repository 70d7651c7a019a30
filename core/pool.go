package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// DefaultFrameBufferSize is the pre-allocated capacity for buffers used to
// stage spill frames before they are written out. Frames larger than this
// grow the buffer, and the pool retains the grown buffer for reuse.
const DefaultFrameBufferSize = 4 * 1024

// defaultMaxIdleBuffers bounds how many staging buffers the pool retains
// between overflow episodes.
const defaultMaxIdleBuffers = 64

// BufferPool is the shared staging pool for page encoding and frame
// assembly.
var BufferPool = NewBufferPool(DefaultFrameBufferSize, defaultMaxIdleBuffers)

// PoolStats is a point-in-time snapshot of pool behavior.
type PoolStats struct {
	Hits    uint64 // Get was served from the pool
	Misses  uint64 // Get allocated a fresh buffer
	Dropped uint64 // Put discarded a buffer because the pool was full
	Idle    int    // buffers currently parked in the pool
}

// bufferPool recycles staging buffers through a mutex-protected stack.
// Unlike sync.Pool its contents survive garbage collection, so a buffer
// grown by one overflow episode keeps its capacity for the next. The idle
// cap stops a burst of concurrent spills from pinning that memory forever.
type bufferPool struct {
	mu      sync.Mutex
	idle    []*bytes.Buffer
	bufCap  int
	maxIdle int

	hits    atomic.Uint64
	misses  atomic.Uint64
	dropped atomic.Uint64
}

// NewBufferPool creates a pool handing out buffers pre-sized to bufCap
// bytes and parking at most maxIdle of them between uses.
func NewBufferPool(bufCap, maxIdle int) *bufferPool {
	if bufCap < 0 {
		bufCap = 0
	}
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleBuffers
	}
	return &bufferPool{
		idle:    make([]*bytes.Buffer, 0, maxIdle),
		bufCap:  bufCap,
		maxIdle: maxIdle,
	}
}

// Get returns an empty buffer, recycled when one is parked.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if n := len(bp.idle); n > 0 {
		buf := bp.idle[n-1]
		bp.idle[n-1] = nil
		bp.idle = bp.idle[:n-1]
		bp.mu.Unlock()
		bp.hits.Add(1)
		return buf
	}
	bp.mu.Unlock()
	bp.misses.Add(1)
	return bytes.NewBuffer(make([]byte, 0, bp.bufCap))
}

// Put resets buf and parks it for reuse. A full pool drops the buffer
// instead.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	bp.mu.Lock()
	if len(bp.idle) >= bp.maxIdle {
		bp.mu.Unlock()
		bp.dropped.Add(1)
		return
	}
	bp.idle = append(bp.idle, buf)
	bp.mu.Unlock()
}

// Stats returns a snapshot of the pool counters.
func (bp *bufferPool) Stats() PoolStats {
	bp.mu.Lock()
	idle := len(bp.idle)
	bp.mu.Unlock()
	return PoolStats{
		Hits:    bp.hits.Load(),
		Misses:  bp.misses.Load(),
		Dropped: bp.dropped.Load(),
		Idle:    idle,
	}
}

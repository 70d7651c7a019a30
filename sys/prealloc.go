package sys

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPreallocNotSupported is returned when the file or filesystem cannot
// preallocate storage. Callers treat it as non-fatal and fall back to plain
// buffered writes.
var ErrPreallocNotSupported = errors.New("preallocation not supported")

// Preallocation support is probed once per device: the first attempt on a
// mount decides, through filesystem checks and a real allocation call,
// whether the device supports it, and the verdict is cached so later spill
// files on the same mount skip the probing syscalls.
var (
	preallocVerdicts sync.Map // device id -> bool
	preallocHits     atomic.Uint64
	preallocMisses   atomic.Uint64
)

// preallocVerdict consults the per-device cache and counts the lookup as a
// hit or a miss. known is false when the device has not been probed yet.
func preallocVerdict(dev uint64) (allow, known bool) {
	if v, ok := preallocVerdicts.Load(dev); ok {
		preallocHits.Add(1)
		allow, _ = v.(bool)
		return allow, true
	}
	preallocMisses.Add(1)
	return false, false
}

func recordPreallocVerdict(dev uint64, allow bool) {
	preallocVerdicts.Store(dev, allow)
}

// PreallocCacheStats returns the hit and miss counts of the per-device
// preallocation cache, for diagnostics.
func PreallocCacheStats() (hits uint64, misses uint64) {
	return preallocHits.Load(), preallocMisses.Load()
}

// fileDescriptor extracts the raw descriptor when the handle exposes one.
// Test fakes usually do not, which disables preallocation for them.
func fileDescriptor(f FileHandle) (uintptr, bool) {
	fg, ok := f.(interface{ Fd() uintptr })
	if !ok {
		return 0, false
	}
	return fg.Fd(), true
}

//go:build !linux && !windows && !darwin

package sys

// Preallocate is unavailable on this platform.
func Preallocate(_ FileHandle, _ int64) error {
	return ErrPreallocNotSupported
}

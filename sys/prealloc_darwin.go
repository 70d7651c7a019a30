//go:build darwin

package sys

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

func preallocUnsupported(errno syscall.Errno) bool {
	return errno == unix.ENOTSUP || errno == unix.EINVAL || errno == unix.ENOSYS
}

// Preallocate reserves size bytes for f through the F_PREALLOCATE fcntl,
// trying contiguous allocation first and falling back to scattered blocks.
// The verdict is cached per device. Filesystems that cannot preallocate
// report ErrPreallocNotSupported.
func Preallocate(f FileHandle, size int64) error {
	if size <= 0 {
		return nil
	}
	fdp, ok := fileDescriptor(f)
	if !ok {
		return ErrPreallocNotSupported
	}
	fd := int(fdp)

	var stat unix.Stat_t
	var dev uint64
	if err := unix.Fstat(fd, &stat); err == nil {
		dev = uint64(stat.Dev)
		if allow, known := preallocVerdict(dev); known && !allow {
			return ErrPreallocNotSupported
		}
	}

	fst := unix.Fstore_t{
		Flags:   unix.F_ALLOCATECONTIG,
		Posmode: unix.F_PEOFPOSMODE,
		Offset:  0,
		Length:  size,
	}
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), uintptr(unix.F_PREALLOCATE), uintptr(unsafe.Pointer(&fst)))
	if errno == 0 {
		if dev != 0 {
			recordPreallocVerdict(dev, true)
		}
		return nil
	}

	fst.Flags = unix.F_ALLOCATEALL
	_, _, errno2 := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), uintptr(unix.F_PREALLOCATE), uintptr(unsafe.Pointer(&fst)))
	if errno2 == 0 {
		if dev != 0 {
			recordPreallocVerdict(dev, true)
		}
		return nil
	}

	if preallocUnsupported(errno) || preallocUnsupported(errno2) {
		if dev != 0 {
			recordPreallocVerdict(dev, false)
		}
		return ErrPreallocNotSupported
	}
	return fmt.Errorf("darwin preallocation failed: contiguous=%v scattered=%v", errno, errno2)
}

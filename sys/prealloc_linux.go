//go:build linux

package sys

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// fallocateUnsupported reports whether err means the filesystem cannot
// service fallocate at all, as opposed to a transient failure.
func fallocateUnsupported(err error) bool {
	return errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOTTY)
}

// Preallocate reserves size bytes of backing store for f, preferring
// FALLOC_FL_KEEP_SIZE so the visible file size stays untouched. The verdict
// is cached per device. Filesystems that cannot preallocate report
// ErrPreallocNotSupported.
func Preallocate(f FileHandle, size int64) error {
	if size <= 0 {
		return nil
	}
	fdp, ok := fileDescriptor(f)
	if !ok {
		return ErrPreallocNotSupported
	}
	fd := int(fdp)

	// Windows mounts under WSL do not support fallocate in a usable way.
	if strings.HasPrefix(f.Name(), "/mnt/") {
		return ErrPreallocNotSupported
	}

	var stat unix.Stat_t
	var dev uint64
	if err := unix.Fstat(fd, &stat); err == nil {
		dev = uint64(stat.Dev)
		if allow, known := preallocVerdict(dev); known {
			if !allow {
				return ErrPreallocNotSupported
			}
			// Verdict already recorded, skip the filesystem probe.
			return fallocate(fd, size, 0)
		}
	}

	// Only attempt fallocate on known local filesystems. Network and
	// virtual filesystems either reject it or lie about the reservation.
	var st unix.Statfs_t
	if err := unix.Fstatfs(fd, &st); err != nil {
		return ErrPreallocNotSupported
	}
	switch st.Type {
	case 0xEF53, // ext2/3/4
		0x58465342, // xfs
		0x9123683E, // btrfs
		0x01021994, // tmpfs
		0x794C7630, // overlayfs
		0xF2F52010, // f2fs
		0x2FC12FC1: // zfs
	default:
		if dev != 0 {
			recordPreallocVerdict(dev, false)
		}
		return ErrPreallocNotSupported
	}

	return fallocate(fd, size, dev)
}

// fallocate tries KEEP_SIZE first and falls back to a plain allocation. The
// fallback may extend the visible file size; callers are expected to
// truncate to their committed length before readers see the file. A nonzero
// dev records the verdict in the per-device cache.
func fallocate(fd int, size int64, dev uint64) error {
	err := unix.Fallocate(fd, unix.FALLOC_FL_KEEP_SIZE, 0, size)
	if err == nil {
		if dev != 0 {
			recordPreallocVerdict(dev, true)
		}
		return nil
	}
	if !fallocateUnsupported(err) {
		if err = unix.Fallocate(fd, 0, 0, size); err == nil {
			if dev != 0 {
				recordPreallocVerdict(dev, true)
			}
			return nil
		}
	}
	if fallocateUnsupported(err) {
		if dev != 0 {
			recordPreallocVerdict(dev, false)
		}
		return ErrPreallocNotSupported
	}
	return fmt.Errorf("preallocation failed for fd=%d: %w", fd, err)
}

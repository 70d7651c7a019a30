//go:build windows

package sys

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Preallocate asks the filesystem to back the file with size bytes of
// physical storage through SetFileInformationByHandle with
// FileAllocationInfo. The allocation does not change the logical file size.
// Filesystems that cannot service the request report
// ErrPreallocNotSupported.
func Preallocate(f FileHandle, size int64) error {
	if size <= 0 {
		return nil
	}
	fdp, ok := fileDescriptor(f)
	if !ok {
		return ErrPreallocNotSupported
	}
	h := windows.Handle(fdp)

	// FILE_ALLOCATION_INFO is a single LARGE_INTEGER.
	info := struct{ AllocationSize int64 }{AllocationSize: size}
	err := windows.SetFileInformationByHandle(h, windows.FileAllocationInfo, (*byte)(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info)))
	if err == nil {
		return nil
	}
	if err == windows.ERROR_INVALID_FUNCTION || err == windows.ERROR_NOT_SUPPORTED {
		return ErrPreallocNotSupported
	}
	return fmt.Errorf("SetFileInformationByHandle(%d bytes): %w", size, err)
}

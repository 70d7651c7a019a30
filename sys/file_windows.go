//go:build windows

package sys

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

// windowsFile opens files through CreateFile with FILE_SHARE_DELETE. A
// spill file is removed as soon as its writer closes, even while a reader
// handle may still be draining it; without the share flag that remove
// fails on Windows.
type windowsFile struct{}

// NewFile returns the platform file opener.
func NewFile() File {
	return &windowsFile{}
}

func (wf *windowsFile) Create(name string) (*os.File, error) {
	return wf.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (wf *windowsFile) Open(name string) (*os.File, error) {
	return wf.OpenFile(name, os.O_RDONLY, 0)
}

func (wf *windowsFile) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	var access uint32
	switch {
	case flag&os.O_RDWR != 0:
		access = windows.GENERIC_READ | windows.GENERIC_WRITE
	case flag&os.O_WRONLY != 0:
		access = windows.GENERIC_WRITE
	default: // os.O_RDONLY is 0
		access = windows.GENERIC_READ
	}

	var disposition uint32
	if flag&os.O_CREATE != 0 {
		if flag&os.O_EXCL != 0 {
			disposition = windows.CREATE_NEW
		} else {
			disposition = windows.OPEN_ALWAYS
		}
	} else {
		disposition = windows.OPEN_EXISTING
	}
	if flag&os.O_TRUNC != 0 {
		if disposition == windows.OPEN_EXISTING {
			disposition = windows.TRUNCATE_EXISTING
		} else {
			disposition = windows.CREATE_ALWAYS
		}
	}

	pathp, err := syscall.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}

	var shareMode uint32 = windows.FILE_SHARE_READ | windows.FILE_SHARE_WRITE | windows.FILE_SHARE_DELETE
	handle, err := windows.CreateFile(pathp, access, shareMode, nil, disposition, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		if errno, ok := err.(syscall.Errno); ok && errno == windows.ERROR_FILE_NOT_FOUND {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("CreateFileW %s: %w", name, err)
	}

	file := os.NewFile(uintptr(handle), name)
	if flag&os.O_APPEND != 0 {
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to seek to end of %s for append: %w", name, err)
		}
	}
	return file, nil
}

// Package sys routes spill file I/O through swappable handlers. Production
// code goes through the platform opener; tests substitute their own, and a
// debug mode wraps every handle with open/close tracking so leaked file
// descriptors can be listed.
package sys

import (
	"io"
	"os"
	"sync/atomic"
)

// File is the platform file opener. Implementations differ in how they map
// open flags: on Windows files must be opened with FILE_SHARE_DELETE so a
// spill file can be removed while a reader still holds a handle to it.
type File interface {
	Create(name string) (*os.File, error)
	Open(name string) (*os.File, error)
	OpenFile(name string, flag int, perm os.FileMode) (*os.File, error)
}

// FileHandle is the surface spill I/O needs from an open file.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

// fileWrapper gives the stored opener a stable concrete type: atomic.Value
// requires every Store to use the same type, which bare interface values
// would violate.
type fileWrapper struct {
	f File
}

var defaultFile atomic.Value // holds a fileWrapper
var debugMode atomic.Bool

func init() {
	debugMode.Store(false)
	defaultFile.Store(fileWrapper{f: NewFile()})
}

// SetDefaultFile swaps the platform opener. Tests use this to fake or
// observe file I/O.
func SetDefaultFile(file File) {
	defaultFile.Store(fileWrapper{f: file})
}

// SetDebugMode toggles handle tracking for files opened after the call.
func SetDebugMode(mode bool) {
	debugMode.Store(mode)
}

// DebugMode reports whether handle tracking is currently on.
func DebugMode() bool {
	return debugMode.Load()
}

func loadFile() (File, error) {
	v := defaultFile.Load()
	if v == nil {
		return nil, os.ErrInvalid
	}
	fw, ok := v.(fileWrapper)
	if !ok || fw.f == nil {
		return nil, os.ErrInvalid
	}
	return fw.f, nil
}

// Create creates or truncates the named file for reading and writing. Like
// the other operations it is a package variable, so tests can observe or
// fail file I/O wholesale.
var Create = func(name string) (FileHandle, error) {
	return openAs(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// Open opens the named file read-only.
var Open = func(name string) (FileHandle, error) {
	return openAs(name, os.O_RDONLY, 0)
}

// OpenFile is the generalized open with explicit flags and permissions;
// Create and Open are conveniences over it.
var OpenFile = openAs

// Remove deletes the named file.
var Remove = os.Remove

// openAs resolves the current platform opener and wraps the handle, tracked
// when debug mode is on.
func openAs(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := loadFile()
	if err != nil {
		return nil, err
	}
	if debugMode.Load() {
		return trackOpen(f, name, flag, perm)
	}
	return rawOpen(f, name, flag, perm)
}

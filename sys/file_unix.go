//go:build unix

package sys

import "os"

// unixFile opens files through the os package directly. POSIX systems
// already allow removing a file while handles to it remain open, so no
// flag translation is needed.
type unixFile struct{}

// NewFile returns the platform file opener.
func NewFile() File {
	return &unixFile{}
}

func (*unixFile) Create(name string) (*os.File, error) {
	return os.Create(name)
}

func (*unixFile) Open(name string) (*os.File, error) {
	return os.Open(name)
}

func (*unixFile) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}

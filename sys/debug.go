package sys

import (
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
)

var _ FileHandle = (*DebugFile)(nil)

var nextID atomic.Uint64
var openHandles sync.Map // id -> file name

// DebugFile wraps an open file with tracking so leaked handles can be
// listed. Every spiller is expected to close the files it opened;
// OpenFileNames turning up non-empty after shutdown points at the leak.
type DebugFile struct {
	id     uint64
	inner  *os.File
	logger *slog.Logger
}

// trackOpen opens name through the platform opener and wraps the handle
// with leak tracking.
func trackOpen(sysFile File, name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := sysFile.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}

	id := nextID.Add(1)
	logger := slog.Default().With("component", "DebugFile", "id", id, "file_name", name)
	logger.Debug("Tracking opened spill file handle.")
	openHandles.Store(id, f.Name())

	return &DebugFile{id: id, inner: f, logger: logger}, nil
}

func (d *DebugFile) Read(p []byte) (int, error)                { return d.inner.Read(p) }
func (d *DebugFile) ReadAt(p []byte, off int64) (int, error)   { return d.inner.ReadAt(p, off) }
func (d *DebugFile) Write(p []byte) (int, error)               { return d.inner.Write(p) }
func (d *DebugFile) Seek(off int64, whence int) (int64, error) { return d.inner.Seek(off, whence) }
func (d *DebugFile) Stat() (os.FileInfo, error)                { return d.inner.Stat() }
func (d *DebugFile) Sync() error                               { return d.inner.Sync() }
func (d *DebugFile) Truncate(size int64) error                 { return d.inner.Truncate(size) }
func (d *DebugFile) Name() string                              { return d.inner.Name() }

// Fd exposes the raw descriptor for platform calls such as preallocation.
func (d *DebugFile) Fd() uintptr { return d.inner.Fd() }

func (d *DebugFile) Close() error {
	d.logger.Debug("Closing tracked spill file handle.")
	openHandles.Delete(d.id)
	return d.inner.Close()
}

// OpenFileNames returns the names of files opened in debug mode and not yet
// closed, sorted for stable output.
func OpenFileNames() []string {
	var names []string
	openHandles.Range(func(_, value any) bool {
		if s, ok := value.(string); ok {
			names = append(names, s)
		}
		return true
	})
	sort.Strings(names)
	return names
}

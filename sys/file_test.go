package sys

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

// mockFile records which opener methods were called while delegating to os.
type mockFile struct {
	CreateCalled   bool
	OpenCalled     bool
	OpenFileCalled bool
}

func (m *mockFile) Create(name string) (*os.File, error) {
	m.CreateCalled = true
	return os.Create(name)
}

func (m *mockFile) Open(name string) (*os.File, error) {
	m.OpenCalled = true
	return os.Open(name)
}

func (m *mockFile) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	m.OpenFileCalled = true
	return os.OpenFile(name, flag, perm)
}

func TestHandlersUseConfiguredOpener(t *testing.T) {
	t.Cleanup(func() { SetDefaultFile(NewFile()) })

	mf := &mockFile{}
	SetDefaultFile(mf)

	path := filepath.Join(t.TempDir(), "spill.bin")
	f, err := Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Every open route funnels through the opener's OpenFile.
	if !mf.OpenFileCalled {
		t.Fatalf("expected mock OpenFile to be called by Create")
	}

	data := []byte("spilled-page-payload")
	if _, err := f.Write(data); err != nil {
		f.Close()
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("content mismatch: got %q want %q", got, data)
	}
}

func TestFileHandleLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lifecycle.bin")

	f, err := Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if f.Name() != path {
		t.Fatalf("Name mismatch: got %q want %q", f.Name(), path)
	}

	payload := []byte("0123456789")
	if _, err := f.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	info, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != int64(len(payload)) {
		t.Fatalf("size mismatch: got %d want %d", info.Size(), len(payload))
	}

	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, 3); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != "3456" {
		t.Fatalf("ReadAt content mismatch: got %q", buf)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen with explicit flags to shorten the file in place.
	f, err = OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if err := f.Truncate(5); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	rest, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll after truncate failed: %v", err)
	}
	if string(rest) != "01234" {
		t.Fatalf("truncated content mismatch: got %q", rest)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be gone, stat err=%v", err)
	}
}

func TestDebugModeTracksOpenHandles(t *testing.T) {
	SetDebugMode(true)
	t.Cleanup(func() { SetDebugMode(false) })

	path := filepath.Join(t.TempDir(), "tracked.bin")
	f, err := Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, ok := f.(*DebugFile); !ok {
		t.Fatalf("expected a DebugFile in debug mode, got %T", f)
	}
	if !slices.Contains(OpenFileNames(), path) {
		t.Fatalf("expected %q in open handle list, got %v", path, OpenFileNames())
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if slices.Contains(OpenFileNames(), path) {
		t.Fatalf("expected %q to be dropped from open handle list after Close", path)
	}
}

func TestRemoveMissingFile(t *testing.T) {
	err := Remove(filepath.Join(t.TempDir(), "never-created.bin"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

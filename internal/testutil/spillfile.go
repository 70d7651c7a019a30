// Package testutil holds small filesystem helpers shared by package tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusquery/core"
)

// ListSpillFiles returns every spill file directly under the given
// directories, skipping subdirectories and anything whose name does not
// match the spill file pattern.
func ListSpillFiles(t *testing.T, dirs ...string) []string {
	t.Helper()
	var files []string
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("failed to list spill directory %s: %v", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !core.IsSpillFileName(entry.Name()) {
				continue
			}
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files
}

// FlipByte inverts one byte of the file at path, in place. Tests use it to
// plant corruption at a known offset without disturbing the rest of the
// file.
func FlipByte(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	var b [1]byte
	if _, err := f.ReadAt(b[:], offset); err != nil {
		t.Fatalf("failed to read byte %d of %s: %v", offset, path, err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b[:], offset); err != nil {
		t.Fatalf("failed to write byte %d of %s: %v", offset, path, err)
	}
}

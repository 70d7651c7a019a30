package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusquery/core"
)

func Test_ListSpillFiles_FiltersNames(t *testing.T) {
	tmp := t.TempDir()

	spill := filepath.Join(tmp, core.FormatSpillFileName("0b7f3a"))
	if err := os.WriteFile(spill, []byte("frame"), 0644); err != nil {
		t.Fatalf("write spill file: %v", err)
	}
	// a decoy file and a directory with a spill-shaped name must both be skipped
	if err := os.WriteFile(filepath.Join(tmp, "notes.txt"), []byte("keep"), 0644); err != nil {
		t.Fatalf("write decoy file: %v", err)
	}
	if err := os.Mkdir(filepath.Join(tmp, core.FormatSpillFileName("not-a-file")), 0755); err != nil {
		t.Fatalf("mkdir decoy dir: %v", err)
	}

	files := ListSpillFiles(t, tmp)
	if len(files) != 1 {
		t.Fatalf("expected 1 spill file, got %d: %v", len(files), files)
	}
	if files[0] != spill {
		t.Fatalf("expected %s, got %s", spill, files[0])
	}

	// a second empty directory contributes nothing
	empty := t.TempDir()
	files = ListSpillFiles(t, tmp, empty)
	if len(files) != 1 {
		t.Fatalf("expected 1 spill file across both dirs, got %d", len(files))
	}
}

func Test_FlipByte_IsItsOwnInverse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, []byte{0x00, 0x5A, 0xFF}, 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	FlipByte(t, path, 1)
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got[1] != 0xA5 {
		t.Fatalf("byte 1 is 0x%02X after one flip, want 0xA5", got[1])
	}
	if got[0] != 0x00 || got[2] != 0xFF {
		t.Fatalf("neighbouring bytes changed: % X", got)
	}

	FlipByte(t, path, 1)
	got, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got[1] != 0x5A {
		t.Fatalf("byte 1 is 0x%02X after two flips, want 0x5A", got[1])
	}
}

package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSafeWrite_OverwriteExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")

	if err := SafeWrite(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("SafeWrite first: %v", err)
	}
	if err := SafeWrite(path, []byte("second"), 0o644); err != nil {
		t.Fatalf("SafeWrite second: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("got %q, want %q", got, "second")
	}
}

func TestSafeWrite_NoPartialFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	if err := SafeWrite(path, []byte("original"), 0o644); err != nil {
		t.Fatalf("SafeWrite: %v", err)
	}

	if err := SafeWrite(filepath.Join(dir, "nodir", "test.txt"), []byte("bad"), 0o644); err == nil {
		t.Fatal("expected error writing to nonexistent dir")
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "test.txt" {
			t.Fatalf("unexpected file left behind: %s", e.Name())
		}
	}
	got, _ := os.ReadFile(path)
	if string(got) != "original" {
		t.Fatalf("original corrupted: got %q", got)
	}
}

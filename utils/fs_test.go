package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileOperations_EnsureDir(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir := t.TempDir()

	dir := filepath.Join(tempDir, "work", "nested")
	if err := fileOps.EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat after EnsureDir: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected %s to be a directory", dir)
	}

	// Idempotent: calling again on an existing directory is not an error.
	if err := fileOps.EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir on existing dir: %v", err)
	}
}

func TestFileOperations_FileExists(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "test.txt")

	if fileOps.FileExists(path) {
		t.Fatalf("expected %s not to exist yet", path)
	}

	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	if !fileOps.FileExists(path) {
		t.Fatalf("expected %s to exist", path)
	}
}

func TestFileOperations_GetFileSize(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "test.bin")

	data := make([]byte, 1024)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	size, err := fileOps.GetFileSize(path)
	if err != nil {
		t.Fatalf("GetFileSize: %v", err)
	}
	if size != 1024 {
		t.Fatalf("expected size 1024, got %d", size)
	}
}

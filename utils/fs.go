// Package utils provides small filesystem helpers shared by manager and
// coordinator. It is grounded on the teacher's utils.FileOperations
// (utils/fs.go), trimmed to the operations this domain actually exercises:
// the teacher's ".part"-sidecar helpers (DetectPartialDownload,
// ValidatePartialFile, CreatePartialFile) assumed a single pre-sized
// partial file per download, a model this system replaces with one part
// file per Range plus the manifest.PartState derivation — see DESIGN.md.
package utils

import (
	"os"
)

// FileOperations provides the small set of filesystem primitives the
// Manager and Coordinator need beyond what os/os.MkdirAll already give
// directly: a named type keeps call sites grep-able and testable in
// isolation, matching the teacher's own FileOperations shape.
type FileOperations struct{}

// NewFileOperations creates a new FileOperations instance.
func NewFileOperations() *FileOperations {
	return &FileOperations{}
}

// EnsureDir creates dir (and any missing parents) if it doesn't already
// exist.
func (f *FileOperations) EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// FileExists reports whether path exists, regardless of type.
func (f *FileOperations) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// GetFileSize returns the size of the file at path.
func (f *FileOperations) GetFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

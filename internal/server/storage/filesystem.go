package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore defines the interface for ciphertext artifact storage.
// One opaque blob per transfer id; swapping filesystem for an object
// store later only touches this boundary.
type BlobStore interface {
	Save(transferID string, data io.Reader) (int64, error)
	Open(transferID string) (io.ReadCloser, error)
	Size(transferID string) (int64, error)
	Delete(transferID string) error
	EnsureDir() error
}

// FileSystemStore stores ciphertext blobs on the local filesystem.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Save writes data to a file named {transferID}.bin. The blob is
// written to a temp file first and renamed into place, so a failed or
// cancelled write never leaves a partial artifact behind.
// Returns the number of bytes written.
func (fs *FileSystemStore) Save(transferID string, data io.Reader) (int64, error) {
	filePath := fs.filePath(transferID)
	tmpPath := filePath + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", tmpPath, err)
	}

	n, err := io.Copy(file, data)
	if err != nil {
		file.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to finalize file: %w", err)
	}

	return n, nil
}

// Open returns a reader over the stored blob for a transfer.
func (fs *FileSystemStore) Open(transferID string) (io.ReadCloser, error) {
	file, err := os.Open(fs.filePath(transferID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact not found for transfer %s", transferID)
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return file, nil
}

// Size returns the stored blob's length in bytes.
func (fs *FileSystemStore) Size(transferID string) (int64, error) {
	info, err := os.Stat(fs.filePath(transferID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("artifact not found for transfer %s", transferID)
		}
		return 0, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return info.Size(), nil
}

// Delete removes the stored blob for a transfer.
func (fs *FileSystemStore) Delete(transferID string) error {
	filePath := fs.filePath(transferID)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	return nil
}

func (fs *FileSystemStore) filePath(transferID string) string {
	return filepath.Join(fs.basePath, transferID+".bin")
}

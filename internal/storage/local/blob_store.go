package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore writes downloaded assets to the local filesystem.
type BlobStore struct {
	baseDir string
}

// NewBlobStore creates a filesystem-backed blob store.
func NewBlobStore(cfg Config) (*BlobStore, error) {
	if err := prepareDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

// PutObject streams r into a file below the base directory and returns a
// file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	fullPath, err := resolve(s.baseDir, path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	// #nosec G304 -- fullPath is confined to baseDir by resolve.
	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	return fmt.Sprintf("file://%s", fullPath), nil
}

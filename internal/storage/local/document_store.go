package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
)

// DocumentStore keeps each state document as one file. Writes go to a temp
// file that is renamed over the target, so a crash mid-write leaves the
// previous version intact.
type DocumentStore struct {
	baseDir string
}

// NewDocumentStore creates a filesystem-backed document store.
func NewDocumentStore(cfg Config) (*DocumentStore, error) {
	if err := prepareDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	return &DocumentStore{baseDir: cfg.BaseDir}, nil
}

// ReadDocument returns the document contents or collector.ErrDocumentNotFound.
func (s *DocumentStore) ReadDocument(_ context.Context, name string) ([]byte, error) {
	path, err := resolve(s.baseDir, name)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is confined to baseDir by resolve.
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", name, collector.ErrDocumentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// WriteDocument atomically replaces the document.
func (s *DocumentStore) WriteDocument(_ context.Context, name string, data []byte) error {
	path, err := resolve(s.baseDir, name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

// Package local implements blob and state document stores on the local
// filesystem.
package local

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem stores.
type Config struct {
	// BaseDir is the root directory where files will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// prepareDir creates baseDir when missing and checks that it is writable.
func prepareDir(baseDir string) error {
	if strings.TrimSpace(baseDir) == "" {
		return errors.New("base directory is required")
	}

	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return errors.New("base directory path is not a directory")
	}

	probe := filepath.Join(baseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("failed to clean up test file: %w", err)
	}
	return nil
}

// resolve joins name onto baseDir and rejects paths escaping it.
func resolve(baseDir, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("path is required")
	}
	cleanBase := filepath.Clean(baseDir)
	full := filepath.Clean(filepath.Join(cleanBase, name))
	if !strings.HasPrefix(full, cleanBase+string(filepath.Separator)) {
		return "", errors.New("path traversal detected")
	}
	return full, nil
}

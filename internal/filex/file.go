// Package filex holds the filesystem primitives used for PHI files:
// directory setup, sibling temp files for atomic replacement, hashing,
// and the secure eraser.
package filex

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/justincihi/cognisync/internal/common"
)

// EnsureSubdDir creates dirName (relative to the working directory unless
// absolute) with owner/group-only permissions and returns its absolute path.
func EnsureSubdDir(dirName string) (string, error) {
	dir := dirName
	if !filepath.IsAbs(dir) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getwd: %w", err)
		}
		dir = filepath.Join(cwd, dirName)
	}

	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	return dir, nil
}

// CreateTempSibling creates an empty 0600 temp file in the directory of
// path, so that a later rename onto path stays on one filesystem.
func CreateTempSibling(path string) (*os.File, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", path, err)
	}
	return f, nil
}

// SyncDir fsyncs a directory so that a completed rename survives a crash.
// Platforms that cannot sync directories are tolerated.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}

// HashFile returns the lowercase hex SHA-256 digest of the file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w: %v", path, common.ErrFileIO, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w: %v", path, common.ErrFileIO, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

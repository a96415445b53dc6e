// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when a state file does not exist. Callers treat a
// missing file as "no prior state" rather than a failure.
var ErrNotFound = errors.New("state: file not found")

// FileStore is the persistence surface the state engine writes through.
// Implementations must make the written content durable before Write returns;
// read-back verification in the callers depends on that.
type FileStore interface {
	// Read returns the full content of path, or ErrNotFound.
	Read(path string) (string, error)

	// Write creates or truncates path with the given content and syncs it.
	Write(path, content string) error

	// Delete removes path. Removing a missing file is not an error.
	Delete(path string) error
}

// DirStore is a FileStore rooted at a directory on the local filesystem.
type DirStore struct {
	root string
}

// NewDirStore creates a store rooted at root, creating it if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("state: create root %s: %w", root, err)
	}
	return &DirStore{root: root}, nil
}

// Root returns the root directory of the store.
func (d *DirStore) Root() string { return d.root }

func (d *DirStore) resolve(path string) string {
	return filepath.Join(d.root, filepath.FromSlash(path))
}

// Read implements FileStore.
func (d *DirStore) Read(path string) (string, error) {
	data, err := os.ReadFile(d.resolve(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("state: read %s: %w", path, err)
	}
	return string(data), nil
}

// Write implements FileStore. The file is synced before returning so a
// subsequent Read observes the stored bytes even across a crash.
func (d *DirStore) Write(path, content string) error {
	full := d.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("state: create dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("state: create %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("state: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("state: sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("state: close %s: %w", path, err)
	}
	return nil
}

// Delete implements FileStore.
func (d *DirStore) Delete(path string) error {
	if err := os.Remove(d.resolve(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("state: delete %s: %w", path, err)
	}
	return nil
}

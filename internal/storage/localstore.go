package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore implements ObjectStore against a local directory — the backend
// selected when WDL_STORAGE_LOCAL_DIR is set instead of
// WDL_STORAGE_GS_PREFIX (spec.md §6: "WDL storage: local directory OR
// object-storage prefix").
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at dir, creating it if absent.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage root %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve local storage root %s: %w", dir, err)
	}
	return &LocalStore{root: abs}, nil
}

// LocationFor returns the file://-style location Put(key, ...) would produce.
func (s *LocalStore) LocationFor(key string) string {
	return "file://" + s.path(key)
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.Clean("/"+key))
}

func (s *LocalStore) locationPath(location string) string {
	if rest, ok := strings.CutPrefix(location, "file://"); ok {
		return rest
	}
	return location
}

// Put writes content under key, creating any parent directories needed.
func (s *LocalStore) Put(ctx context.Context, key string, content []byte) (string, error) {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent dirs for %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return s.LocationFor(key), nil
}

// Get reads the file at location.
func (s *LocalStore) Get(ctx context.Context, location string) ([]byte, error) {
	path := s.locationPath(location)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Exists reports whether Put(key, ...)'s target file already exists.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", s.path(key), err)
}

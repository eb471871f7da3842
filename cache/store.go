// Package cache persists downloaded artifacts in a flat directory keyed by
// geometry hash or extract id. The presence of a file at the canonical path
// is the whole cache record: there is no manifest, no invalidation and no
// content verification.
package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store maps keys to artifact files under Dir
type Store struct {
	dir string
	ext string
}

// NewStore creates the cache directory if needed.
// ext is the artifact extension without the leading dot, e.g. "osm.pbf".
func NewStore(dir, ext string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("NewStore: empty cache directory")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("NewStore.MkdirAll: %w", err)
	}
	return &Store{dir: dir, ext: ext}, nil
}

// Path returns the canonical artifact path for the key
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+"."+s.ext)
}

// Lookup returns the artifact path if a file exists at the canonical path.
// Existence alone constitutes a hit.
func (s *Store) Lookup(key string) (string, bool) {
	path := s.Path(key)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// StagingPath returns a unique path, in the cache directory, where an
// artifact can be downloaded before being committed. Keeping the staging
// file on the same filesystem makes Commit an atomic rename.
func (s *Store) StagingPath(key string) string {
	return s.Path(key) + ".tmp-" + uuid.New().String()
}

// Commit renames a fully written staging file to the canonical path
func (s *Store) Commit(stagingPath, key string) (string, error) {
	path := s.Path(key)
	if err := os.Rename(stagingPath, path); err != nil {
		return "", fmt.Errorf("Commit.Rename: %w", err)
	}
	return path, nil
}

// Store persists the artifact bytes at the canonical path, going through a
// staging file so a crash cannot leave a partial artifact behind.
func (s *Store) Store(key string, data []byte) (string, error) {
	staging := s.StagingPath(key)
	if err := os.WriteFile(staging, data, 0644); err != nil {
		return "", fmt.Errorf("Store.WriteFile: %w", err)
	}
	path, err := s.Commit(staging, key)
	if err != nil {
		os.Remove(staging)
		return "", fmt.Errorf("Store.%w", err)
	}
	return path, nil
}

// Package kv is a synchronous file-backed key-value string store. It
// stands in for the platform's durable local storage: the local reading
// collection and the cached permission state are persisted through it as
// serialized structures.
package kv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store persists one file per key under a data directory. All operations
// are synchronous; writes go through a temp file and rename.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates the data directory if needed and returns a store.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("kv: data directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kv: create data directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Get returns the stored value and whether the key exists.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path(key))
	if err != nil {
		return "", false
	}
	return string(b), true
}

// Set stores the value under key, replacing any previous value.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path(key)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o644); err != nil {
		return fmt.Errorf("kv: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("kv: rename %s: %w", key, err)
	}
	return nil
}

// Delete removes the key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) path(key string) string {
	// keys are app-controlled identifiers, sanitize anyway
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(s.dir, safe+".json")
}

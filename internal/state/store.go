// Package state persists the last confirmed outlet state between runs.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/chargekeeper/internal/policy"
)

// Store loads and saves the confirmed outlet state.
type Store interface {
	// Load returns nil when no state has been confirmed yet.
	Load() (*policy.Confirmed, error)
	Save(policy.Confirmed) error
}

// FileStore keeps the state in a small YAML file.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path. The file and its directory
// are created on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

type fileFormat struct {
	Confirmed *policy.Confirmed `yaml:"confirmed"`
}

func (s *FileStore) Load() (*policy.Confirmed, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", s.path, err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("state: parse %s: %w", s.path, err)
	}
	return f.Confirmed, nil
}

// Save writes the state atomically: a temp file in the same directory is
// renamed over the old one.
func (s *FileStore) Save(c policy.Confirmed) error {
	data, err := yaml.Marshal(fileFormat{Confirmed: &c})
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("state: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("state: rename: %w", err)
	}
	return nil
}

// Compile-time interface satisfaction check.
var _ Store = (*FileStore)(nil)

// MemoryStore is a Store that keeps state in memory only.
type MemoryStore struct {
	mu        sync.Mutex
	confirmed *policy.Confirmed
	saves     int
}

func (m *MemoryStore) Load() (*policy.Confirmed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.confirmed == nil {
		return nil, nil
	}
	c := *m.confirmed
	return &c, nil
}

func (m *MemoryStore) Save(c policy.Confirmed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed = &c
	m.saves++
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Package store persists small named JSON documents atomically.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dotsetgreg/presenced/pkg/logger"
)

var (
	// ErrStoreIO marks an underlying filesystem fault.
	ErrStoreIO = errors.New("store io failure")
	// ErrDecode marks a document that exists but cannot be parsed.
	// Loads treat it as absent; it is surfaced only through logs.
	ErrDecode = errors.New("store decode failure")
)

// Store is the persistence contract the ledgers use. Documents are
// keyed by stable names ("decay_ledger", "impulse_store", ...).
type Store interface {
	// Load decodes the named document into v. Returns false when the
	// document is missing or unparseable; err is non-nil only for I/O
	// faults.
	Load(name string, v any) (bool, error)
	Save(name string, v any) error
}

// FileStore keeps one JSON file per document under a base directory.
// Writes go to a temp file in the same directory and are renamed into
// place, so readers never observe a partial document.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create store dir: %v", ErrStoreIO, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStore) Load(name string, v any) (bool, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: read %s: %v", ErrStoreIO, name, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		// Corrupt documents are treated as absent. The caller builds a
		// fresh default and the next Save repairs disk.
		logger.WarnCF("store", "Document unparseable, treating as absent", map[string]any{
			"name":  name,
			"error": fmt.Sprintf("%v: %v", ErrDecode, err),
		})
		return false, nil
	}
	return true, nil
}

func (s *FileStore) Save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: temp for %s: %v", ErrStoreIO, name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %v", ErrStoreIO, name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close %s: %v", ErrStoreIO, name, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: chmod %s: %v", ErrStoreIO, name, err)
	}
	if err := os.Rename(tmpName, s.path(name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename %s: %v", ErrStoreIO, name, err)
	}
	return nil
}

// Memory is an in-memory Store for tests.
type Memory struct {
	docs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) Load(name string, v any) (bool, error) {
	data, ok := m.docs[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *Memory) Save(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.docs[name] = data
	return nil
}

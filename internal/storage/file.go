package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// FileStore persists all keys as a single JSON document on disk.
type FileStore struct {
	mu     sync.RWMutex
	path   string
	data   map[string]json.RawMessage
	closed bool
}

// NewFileStore initialises storage and loads existing values if present.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data directory: %w", err)
	}
	s := &FileStore{path: path, data: make(map[string]json.RawMessage)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set stores value, which must be valid JSON, and rewrites the file.
func (s *FileStore) Set(key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("value for %s is not valid JSON", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	v := make(json.RawMessage, len(value))
	copy(v, value)
	s.data[key] = v
	return s.persistLocked()
}

func (s *FileStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.persistLocked()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	entries := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt file must not prevent startup; values fall back to defaults.
		_ = os.Rename(s.path, s.path+".corrupt")
		return nil
	}
	s.data = entries
	return nil
}

func (s *FileStore) persistLocked() error {
	bytes, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, bytes, 0o644); err != nil {
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

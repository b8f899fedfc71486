package storage

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("storage: store closed")

// Store is a persistent key-value store. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	// Remove deletes key; removing a missing key is not an error.
	Remove(key string) error
	Close() error
}

// LoadJSON decodes the value stored under key into dest. It reports false
// when the key is absent.
func LoadJSON(s Store, key string, dest any) (bool, error) {
	data, ok, err := s.Get(key)
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if !ok || len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SaveJSON encodes v and stores it under key.
func SaveJSON(s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.Set(key, data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

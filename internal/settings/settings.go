// Package settings is the persistent key-value store the SDK keeps small
// scalars in, such as upload schedule timestamps.
package settings

import (
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
)

var ErrClosed = errors.New("settings: store closed")

type Store interface {
	// Get decodes the value stored under key into dst and reports whether
	// the key was present.
	Get(key string, dst any) (bool, error)
	Set(key string, value any) error
	Delete(key string) error
}

func encode(key string, value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("settings: encode %q: %w", key, err)
	}
	return data, nil
}

func decode(key string, data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("settings: decode %q: %w", key, err)
	}
	return nil
}

type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key string, dst any) (bool, error) {
	m.mu.RLock()
	data, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, decode(key, data, dst)
}

func (m *MemoryStore) Set(key string, value any) error {
	data, err := encode(key, value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.values[key] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

// Float returns the number stored under key.
func Float(s Store, key string) (float64, bool) {
	var v float64
	ok, err := s.Get(key, &v)
	if err != nil || !ok {
		return 0, false
	}
	return v, true
}

func String(s Store, key string) (string, bool) {
	var v string
	ok, err := s.Get(key, &v)
	if err != nil || !ok {
		return "", false
	}
	return v, true
}

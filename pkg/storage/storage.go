// Package storage defines the synchronous, durable key/value API the cache
// mirrors long-lived entries into so they survive a process restart.
//
// Implementations may refuse a write for lack of space by returning an error
// that matches [ErrQuotaExceeded] under errors.Is. Callers treat persistence as
// best effort.
package storage

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned by GetItem when no value is stored under the key.
	ErrNotFound = errors.New("storage: item not found")

	// ErrQuotaExceeded is returned by SetItem when storing the value would
	// exceed the storage budget.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")
)

// Storage is a persistent key/value store with string keys and opaque values.
type Storage interface {
	GetItem(key string) ([]byte, error)
	SetItem(key string, value []byte) error
	RemoveItem(key string) error
	// Keys returns every stored key in unspecified order.
	Keys() ([]string, error)
}

// KeysWithPrefix filters s.Keys() by prefix and returns them sorted.
func KeysWithPrefix(s Storage, prefix string) ([]string, error) {
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}
	matched := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)
	return matched, nil
}

// Memory is an in-process Storage with an optional byte quota.
// It is useful in tests and for hosts that have no durable medium.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
	used  int

	// QuotaBytes bounds the sum of len(key)+len(value) over all items.
	// Zero means unbounded.
	QuotaBytes int
}

var _ Storage = (*Memory)(nil)

func NewMemory(quotaBytes int) *Memory {
	return &Memory{
		items:      make(map[string][]byte),
		QuotaBytes: quotaBytes,
	}
}

func (m *Memory) GetItem(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) SetItem(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := m.used
	if old, ok := m.items[key]; ok {
		used -= len(key) + len(old)
	}
	used += len(key) + len(value)

	if m.QuotaBytes > 0 && used > m.QuotaBytes {
		return ErrQuotaExceeded
	}

	v := make([]byte, len(value))
	copy(v, value)
	m.items[key] = v
	m.used = used
	return nil
}

func (m *Memory) RemoveItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.items[key]; ok {
		m.used -= len(key) + len(old)
		delete(m.items, key)
	}
	return nil
}

func (m *Memory) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys, nil
}

// Used reports the bytes currently counted against the quota.
func (m *Memory) Used() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

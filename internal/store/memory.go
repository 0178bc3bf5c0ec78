// Package store provides the durable local store.
package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/openhabitat/accesscase/internal/models"
)

// MemStore is an in-memory Backend used by tests and ephemeral sessions.
// It honors the same contract as SQLiteStore minus durability.
type MemStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	quota int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(quota int64) *MemStore {
	return &MemStore{data: make(map[string][]byte), quota: quota}
}

// Get retrieves a value by key.
func (m *MemStore) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

// Set writes a value under key.
func (m *MemStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

// Remove deletes a key.
func (m *MemStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Clear deletes every key.
func (m *MemStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	return nil
}

// Keys returns all keys, sorted.
func (m *MemStore) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// GetByPrefix returns every key/value pair whose key starts with prefix.
func (m *MemStore) GetByPrefix(prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			cp := make([]byte, len(v))
			copy(cp, v)
			result[k] = cp
		}
	}
	return result, nil
}

// StorageEstimate reports the summed value sizes against the quota.
func (m *MemStore) StorageEstimate() (models.StorageQuotaInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var usage int64
	for k, v := range m.data {
		usage += int64(len(k) + len(v))
	}
	info := models.StorageQuotaInfo{Usage: usage, Quota: m.quota}
	if m.quota > 0 {
		info.Percentage = float64(usage) / float64(m.quota) * 100
	}
	return info, nil
}

var _ Backend = (*MemStore)(nil)

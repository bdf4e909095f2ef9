package cache

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStore implements Store in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemory creates a new in-memory store
func NewMemory() *MemoryStore {
	return &MemoryStore{
		buckets: map[string]map[string][]byte{},
	}
}

func (m *MemoryStore) Init() error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateBucket(bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = map[string][]byte{}
	}
	return nil
}

func (m *MemoryStore) HasBucket(bucket string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.buckets[bucket]
	return ok, nil
}

func (m *MemoryStore) Buckets() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) DeleteBucket(bucket string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		return false, nil
	}
	delete(m.buckets, bucket)
	return true, nil
}

func (m *MemoryStore) Get(bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.buckets[bucket][key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

func (m *MemoryStore) Set(bucket, key string, value []byte) error {
	return m.SetMany(bucket, map[string][]byte{key: value})
}

func (m *MemoryStore) SetMany(bucket string, entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	for key, value := range entries {
		b[key] = append([]byte(nil), value...)
	}
	return nil
}

func (m *MemoryStore) Delete(bucket, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return false, nil
	}
	if _, ok := b[key]; !ok {
		return false, nil
	}
	delete(b, key)
	return true, nil
}

func (m *MemoryStore) Keys(bucket string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.buckets[bucket]
	out := make([]string, 0, len(b))
	for key := range b {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

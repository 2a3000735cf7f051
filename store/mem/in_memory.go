package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/warriorguo/llmflow/store"
)

var (
	_ store.Store = &memStore{}
)

func NewMemStore() store.Store {
	return &memStore{buckets: make(map[string]map[string][]byte)}
}

/**
 * memStore keeps everything in process memory, one bucket per prefix.
 * It exists for tests and local development. NEVER use it in the
 * Production: nothing survives a restart.
 */
type memStore struct {
	mu sync.RWMutex

	buckets map[string]map[string][]byte
}

func (m *memStore) Get(ctx context.Context, prefix, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.buckets[prefix][key], nil
}

func (m *memStore) Set(ctx context.Context, prefix, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.buckets[prefix]
	if bucket == nil {
		bucket = make(map[string][]byte)
		m.buckets[prefix] = bucket
	}
	bucket[key] = value
	return nil
}

func (m *memStore) Remove(ctx context.Context, prefix, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.buckets[prefix], key)
	return nil
}

func (m *memStore) List(ctx context.Context, prefix string, iterator func(key string) bool) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.buckets[prefix]))
	for key := range m.buckets[prefix] {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	// ascending order, matching the postgres implementation
	sort.Strings(keys)

	for _, key := range keys {
		if !iterator(key) {
			break
		}
	}
	return nil
}

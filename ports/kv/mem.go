package kv

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type memItem struct {
	data      []byte
	expiresAt time.Time
}

type MemStore struct {
	mu   sync.RWMutex
	data map[string]memItem
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]memItem{}}
}

func (m *MemStore) Put(_ context.Context, key string, data []byte, opts PutOptions) error {
	var expiresAt time.Time
	if opts.TTL > 0 {
		expiresAt = time.Now().Add(opts.TTL)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memItem{data: bytes.Clone(data), expiresAt: expiresAt}
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !it.expiresAt.IsZero() && time.Now().After(it.expiresAt) {
		return nil, ErrNotFound
	}
	return it.data, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

var _ Store = (*MemStore)(nil)

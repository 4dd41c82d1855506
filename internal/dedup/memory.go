package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sent hashes in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	hashes map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hashes: make(map[string]time.Time)}
}

func (m *MemoryStore) ContainsSince(_ context.Context, hash string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.hashes[hash]
	return ok && !at.Before(since), nil
}

func (m *MemoryStore) RecordSent(_ context.Context, hash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[hash] = at
	return nil
}

func (m *MemoryStore) PurgeSent(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for h, at := range m.hashes {
		if at.Before(before) {
			delete(m.hashes, h)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hashes)
}

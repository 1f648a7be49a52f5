package gate

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxKeys = 100000

// MemoryStore keeps gate records in a bounded LRU. It serializes only within
// one process.
type MemoryStore struct {
	locks *KeyMutex
	mu    sync.RWMutex
	last  *lru.Cache[string, time.Time]
}

func NewMemoryStore(maxKeys int) *MemoryStore {
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	c, _ := lru.New[string, time.Time](maxKeys)
	return &MemoryStore{locks: NewKeyMutex(), last: c}
}

func (m *MemoryStore) Acquire(ctx context.Context, key string) (Lease, error) {
	release, err := m.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	return HeldLease(m.Commit, release), nil
}

func (m *MemoryStore) Last(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.last.Get(key)
	return ts, ok, nil
}

func (m *MemoryStore) Commit(_ context.Context, at time.Time, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.last.Add(k, at.UTC())
	}
	return nil
}

func (m *MemoryStore) Len() int {
	return m.last.Len()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last.Purge()
	return nil
}

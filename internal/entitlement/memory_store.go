package entitlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps keys in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Key
	byHash map[string]*Key
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Key),
		byHash: make(map[string]*Key),
	}
}

func (m *MemoryStore) Create(_ context.Context, key *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[key.ID]; ok {
		return ErrDuplicateKey
	}
	if _, ok := m.byHash[key.Hash]; ok {
		return ErrDuplicateKey
	}
	k := *key
	m.byID[k.ID] = &k
	m.byHash[k.Hash] = &k
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Key, 0, len(m.byID))
	for _, k := range m.byID {
		cp := *k
		out = append(out, &cp)
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) Consume(_ context.Context, hash string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.byHash[hash]
	if !ok || k.Revoked {
		return 0, ErrUnknownKey
	}
	if k.Remaining < amount {
		return k.Remaining, ErrExhausted
	}
	k.Remaining -= amount
	k.UpdatedAt = time.Now().UTC()
	return k.Remaining, nil
}

func (m *MemoryStore) TopUp(_ context.Context, id string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.byID[id]
	if !ok {
		return 0, ErrKeyNotFound
	}
	if k.Revoked {
		return 0, ErrKeyRevoked
	}
	k.Remaining += amount
	k.UpdatedAt = time.Now().UTC()
	return k.Remaining, nil
}

func (m *MemoryStore) Revoke(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.byID[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.Revoked = true
	k.UpdatedAt = time.Now().UTC()
	return nil
}

var _ Store = (*MemoryStore)(nil)

func sortNewestFirst(keys []*Key) {
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].CreatedAt.After(keys[j].CreatedAt)
		}
		return keys[i].ID > keys[j].ID
	})
}

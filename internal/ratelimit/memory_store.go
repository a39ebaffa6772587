package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int64
}

// MemoryStore keeps windows in process. Suitable for a single replica.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

func (m *MemoryStore) Increment(_ context.Context, class string, windowStart time.Time, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[class]
	switch {
	case !ok:
		w = &window{start: windowStart}
		m.windows[class] = w
	case w.start.Before(windowStart):
		w.start = windowStart
		w.count = 0
	}
	w.count++
	return w.count, nil
}

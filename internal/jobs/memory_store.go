package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory job store for development and single-replica use.
type MemoryStore struct {
	jobs map[string]*Job
	mu   sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from []State, t Transition) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !stateIn(job.State, from) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.State, t.To)
	}
	t.apply(job)
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Job
	for _, j := range m.jobs {
		if j.State.Terminal() && j.ExpiresAt != nil && !j.ExpiresAt.After(before) {
			expired = append(expired, j)
		}
	}
	sort.Slice(expired, func(a, b int) bool {
		return expired[a].ExpiresAt.Before(*expired[b].ExpiresAt)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	for _, j := range expired {
		delete(m.jobs, j.ID)
	}
	return len(expired), nil
}

package payment

import (
	"context"
	"sync"
)

// MemoryLedger is an in-process ledger for development and tests. It is
// only correct for a single replica.
type MemoryLedger struct {
	mu     sync.Mutex
	claims map[string]Claim
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{claims: make(map[string]Claim)}
}

func (m *MemoryLedger) Claim(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[c.Signature]; ok {
		return ErrAlreadyRedeemed
	}
	m.claims[c.Signature] = *c
	return nil
}

func (m *MemoryLedger) Get(_ context.Context, signature string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[signature]
	if !ok {
		return nil, ErrClaimNotFound
	}
	return &c, nil
}

// Len returns the number of claims.
func (m *MemoryLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claims)
}

var _ Ledger = (*MemoryLedger)(nil)

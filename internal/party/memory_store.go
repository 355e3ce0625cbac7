package party

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory party store for demo/development mode.
type MemoryStore struct {
	parties map[string]*Party
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory party store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{parties: make(map[string]*Party)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Party) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parties[p.ID] = p
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parties[id]
	if !ok {
		return nil, ErrPartyNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) SetRecipientCode(ctx context.Context, id, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parties[id]
	if !ok {
		return ErrPartyNotFound
	}
	p.RecipientCode = code
	return nil
}

var _ Store = (*MemoryStore)(nil)

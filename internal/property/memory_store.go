package property

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory property store for demo/development mode.
type MemoryStore struct {
	properties map[string]*Property
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory property store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{properties: make(map[string]*Property)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Property) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.properties[p.ID] = p
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.properties[id]
	if !ok {
		return nil, ErrPropertyNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) SetAvailability(ctx context.Context, id string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.properties[id]
	if !ok {
		return ErrPropertyNotFound
	}
	p.Available = available
	p.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)

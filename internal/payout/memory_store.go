package payout

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory payout store for demo/development mode.
type MemoryStore struct {
	payouts map[string]*Payout
	byTxn   map[string]string // transactionID -> payout ID
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payouts: make(map[string]*Payout),
		byTxn:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byTxn[p.TransactionID]; ok {
		return ErrPayoutExists
	}
	m.payouts[p.ID] = p
	m.byTxn[p.TransactionID] = p.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByTransaction(ctx context.Context, transactionID string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTxn[transactionID]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	cp := *m.payouts[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payouts[p.ID]; !ok {
		return ErrPayoutNotFound
	}
	m.payouts[p.ID] = p
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payout
	for _, p := range m.payouts {
		if p.Status == status {
			cp := *p
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)

package escrow

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

var _ Store = (*MemoryStore)(nil)

func clone(e *Escrow) *Escrow {
	c := *e
	c.ProviderEventIDs = slices.Clone(e.ProviderEventIDs)
	return &c
}

func (s *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escrows[e.ID] = clone(e)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return clone(e), nil
}

func (s *MemoryStore) GetByProviderTx(ctx context.Context, providerTxID string) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if providerTxID == "" {
		return nil, ErrEscrowNotFound
	}
	for _, e := range s.escrows {
		if e.ProviderTxID == providerTxID {
			return clone(e), nil
		}
	}
	return nil, ErrEscrowNotFound
}

func (s *MemoryStore) ApplyEvent(ctx context.Context, id, eventID string, status Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return false, ErrEscrowNotFound
	}
	if slices.Contains(e.ProviderEventIDs, eventID) {
		return false, nil
	}
	e.ProviderEventIDs = append(e.ProviderEventIDs, eventID)
	if status != "" {
		e.Status = status
	}
	e.UpdatedAt = time.Now()
	return true, nil
}

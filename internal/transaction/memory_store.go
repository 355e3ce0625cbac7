package transaction

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	txns map[string]*Transaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txns: make(map[string]*Transaction)}
}

var _ Store = (*MemoryStore)(nil)

func clone(t *Transaction) *Transaction {
	c := *t
	if t.ProviderMetadata != nil {
		c.ProviderMetadata = append([]byte(nil), t.ProviderMetadata...)
	}
	return &c
}

func (s *MemoryStore) Create(ctx context.Context, txn *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txns[txn.ID] = clone(txn)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return clone(t), nil
}

func (s *MemoryStore) Update(ctx context.Context, txn *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txns[txn.ID]; !ok {
		return ErrTransactionNotFound
	}
	s.txns[txn.ID] = clone(txn)
	return nil
}

func (s *MemoryStore) GetByProviderTx(ctx context.Context, providerTxID string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.txns {
		if t.ProviderTxID == providerTxID && providerTxID != "" {
			return clone(t), nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (s *MemoryStore) LatestForUser(ctx context.Context, propertyID, userID string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Transaction
	for _, t := range s.txns {
		if t.PropertyID != propertyID {
			continue
		}
		if t.BuyerID != userID && t.OwnerID != userID {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrTransactionNotFound
	}
	return clone(latest), nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, t := range s.txns {
		if t.Status == status {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPage(ctx context.Context, status Status, before time.Time, beforeID string, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, t := range s.txns {
		if t.Status != status {
			continue
		}
		if !before.IsZero() {
			if t.CreatedAt.After(before) {
				continue
			}
			if t.CreatedAt.Equal(before) && t.ID >= beforeID {
				continue
			}
		}
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SetConfirmation(ctx context.Context, id string, role Role) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	switch role {
	case RoleBuyer:
		t.Confirmations.Buyer = true
	case RoleOwner:
		t.Confirmations.Owner = true
	default:
		return nil, ErrInvalidRole
	}
	t.UpdatedAt = time.Now()
	return clone(t), nil
}

func (s *MemoryStore) ClaimRelease(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if t.Status != StatusPendingConfirmation || !t.Confirmations.Both() || t.EscrowState != EscrowHeld {
		return false, nil
	}
	t.EscrowState = EscrowReleasing
	t.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) CompleteRelease(ctx context.Context, id string, commission float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if t.EscrowState != EscrowReleasing {
		return ErrInvalidStatus
	}
	t.Status = StatusCompleted
	t.EscrowState = EscrowReleased
	t.Commission = commission
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ReleaseFailed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if t.EscrowState == EscrowReleasing {
		t.EscrowState = EscrowHeld
		t.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) MarkFunded(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if t.Status != StatusInitiatedPayment && t.Status != StatusVerified {
		return false, nil
	}
	t.Status = StatusPendingConfirmation
	t.EscrowState = EscrowHeld
	t.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) MarkReversed(ctx context.Context, id string, reversalCount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if t.Status != StatusPendingConfirmation {
		return false, nil
	}
	t.Status = StatusReversed
	t.EscrowState = EscrowRefunded
	t.ReversalCount = reversalCount
	t.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) MarkDisputed(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if t.EscrowState != EscrowHeld {
		return false, nil
	}
	t.EscrowState = EscrowDisputed
	t.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) CountReversedByBuyer(ctx context.Context, buyerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, t := range s.txns {
		if t.BuyerID == buyerID && t.Status == StatusReversed {
			count++
		}
	}
	return count, nil
}

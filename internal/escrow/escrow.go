// Package escrow holds the provider-generic escrow records and the inbound
// webhook ingestion that mutates them.
//
// Flow:
//  1. Escrow created → provider checkout opened, waiting for funding
//  2. Provider events arrive via webhook → verified, de-duplicated, applied
//  3. Funds move through funded → released/cancelled/refunded/disputed
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEscrowNotFound   = errors.New("escrow not found")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidAmount    = errors.New("invalid amount")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated     Status = "created"
	StatusPendingFund Status = "pending_fund" // Provider checkout opened, unpaid
	StatusFunded      Status = "funded"
	StatusReleased    Status = "released"
	StatusCancelled   Status = "cancelled"
	StatusRefunded    Status = "refunded"
	StatusDisputed    Status = "disputed"
)

// Escrow is a provider-generic custody record between a buyer and a seller.
type Escrow struct {
	ID         string `json:"id"`
	BuyerID    string `json:"buyerId"`
	SellerID   string `json:"sellerId"`
	PropertyID string `json:"propertyId,omitempty"`

	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	Status       Status `json:"status"`
	ProviderTxID string `json:"providerTransactionId,omitempty"`
	CheckoutURL  string `json:"checkoutUrl,omitempty"`

	// ProviderEventIDs is the append-only de-duplication log: an event id
	// present here must never be re-applied.
	ProviderEventIDs []string `json:"providerEventIds,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByProviderTx(ctx context.Context, providerTxID string) (*Escrow, error)

	// ApplyEvent appends the event id and sets the status as one atomic
	// conditional mutation. Returns false without touching the record when
	// the event id is already in the log. An empty status keeps the
	// current one.
	ApplyEvent(ctx context.Context, id, eventID string, status Status) (bool, error)
}

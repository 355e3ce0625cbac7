// Package payout computes the commission split for settled transactions and
// disburses net proceeds to proprietors.
package payout

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	ErrPayoutNotFound = errors.New("payout not found")
	ErrPayoutExists   = errors.New("payout already exists for transaction")
	ErrMissingBank    = errors.New("owner has no complete bank details")
)

// Status represents the state of a payout.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAwaiting   Status = "awaiting_disbursement"
	StatusQueued     Status = "queued"     // Recoverable: retried by an operator or a later run
	StatusProcessing Status = "processing" // A disbursement attempt is in flight
	StatusDisbursed  Status = "disbursed"
	StatusFailed     Status = "failed" // Terminal: cannot self-heal without new owner input
	StatusReversed   Status = "reversed"
)

// Method is the disbursement rail.
type Method string

const (
	MethodBankTransfer Method = "bank_transfer"
	MethodWallet       Method = "wallet"
	MethodManual       Method = "manual"
	MethodOther        Method = "other"
)

// Payout represents money owed to a proprietor for one settled transaction.
type Payout struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	OwnerID       string `json:"ownerId"`
	BuyerID       string `json:"buyerId"`

	Amount         float64 `json:"amount"`
	AmountMinor    int64   `json:"amountMinor"`
	Commission     float64 `json:"commission"`
	NetAmount      float64 `json:"netAmount"`
	NetAmountMinor int64   `json:"netAmountMinor"`
	Currency       string  `json:"currency"`

	Status Status `json:"status"`
	Method Method `json:"method"`

	// ProviderTxID links back to the provider transaction that received the
	// original payment; empty for cash/alternate rails.
	ProviderTxID      string     `json:"-"`
	ProviderReference string     `json:"providerReference,omitempty"`
	FailureReason     string     `json:"failureReason,omitempty"`
	ScheduledAt       *time.Time `json:"scheduledAt,omitempty"`
	DisbursedAt       *time.Time `json:"disbursedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot is the non-sensitive view embedded in transaction reads.
type Snapshot struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Method      Method     `json:"method"`
	Commission  float64    `json:"commission"`
	NetAmount   float64    `json:"netAmount"`
	Currency    string     `json:"currency"`
	DisbursedAt *time.Time `json:"disbursedAt,omitempty"`
}

// Snapshot returns the non-sensitive view of the payout.
func (p *Payout) Snapshot() *Snapshot {
	return &Snapshot{
		ID:          p.ID,
		Status:      p.Status,
		Method:      p.Method,
		Commission:  p.Commission,
		NetAmount:   p.NetAmount,
		Currency:    p.Currency,
		DisbursedAt: p.DisbursedAt,
	}
}

// Store persists payouts.
type Store interface {
	// Create inserts a payout; returns ErrPayoutExists if the transaction
	// already has one. Uniqueness by transaction id is the idempotency guard.
	Create(ctx context.Context, p *Payout) error
	Get(ctx context.Context, id string) (*Payout, error)
	GetByTransaction(ctx context.Context, transactionID string) (*Payout, error)
	Update(ctx context.Context, p *Payout) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Payout, error)
}

// Round2 rounds a monetary amount to 2 decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Split computes the commission and net amount for a transaction amount.
// Invariant: commission + net == amount after 2-decimal rounding.
func Split(amount, rate float64) (commission, net float64) {
	commission = Round2(amount * rate)
	net = Round2(amount - commission)
	return commission, net
}

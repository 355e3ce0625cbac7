// Package transaction owns the escrow-mediated deal lifecycle between a
// buyer and a property owner.
//
// Flow:
//  1. Buyer requests a code → draft transaction with a property snapshot
//  2. Buyer verifies the emailed code → verified
//  3. Buyer pays through the provider checkout (or a saved card) → funds held
//  4. Both parties confirm → funds released exactly once, deal completed
//  5. Missed confirmation deadline → automatic reversal with tiered penalty
package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/XaidenLabs/lemonzee-settlement/internal/property"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrCodeExpired         = errors.New("verification code expired")
	ErrInvalidCode         = errors.New("invalid verification code")
	ErrInvalidStatus       = errors.New("invalid transaction status for this operation")
	ErrInvalidRole         = errors.New("role must be buyer or owner")
	ErrInvalidCursor       = errors.New("invalid pagination cursor")
)

// Status represents the state of a transaction.
type Status string

const (
	StatusInitiated           Status = "initiated"
	StatusCodeSent            Status = "code_sent"
	StatusVerified            Status = "verified"
	StatusInitiatedPayment    Status = "initiated_payment"
	StatusPendingConfirmation Status = "pending_confirmation" // Funds held, awaiting dual confirmation
	StatusCompleted           Status = "completed"
	StatusReversed            Status = "reversed"
	StatusFailed              Status = "failed"
)

// EscrowState tracks fund custody independently of the coarse status.
type EscrowState string

const (
	EscrowNone      EscrowState = ""
	EscrowHeld      EscrowState = "held"
	EscrowReleasing EscrowState = "releasing" // Transient claim while a release call is in flight
	EscrowReleased  EscrowState = "released"
	EscrowRefunded  EscrowState = "refunded"
	EscrowDisputed  EscrowState = "disputed"
)

// Role identifies which side of the deal is acting.
type Role string

const (
	RoleBuyer Role = "buyer"
	RoleOwner Role = "owner"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleBuyer, RoleOwner:
		return Role(s), nil
	}
	return "", ErrInvalidRole
}

// Confirmations is the dual-confirmation set keyed by role.
type Confirmations struct {
	Buyer bool `json:"buyer"`
	Owner bool `json:"owner"`
}

// Both reports whether the deal is fully confirmed.
func (c Confirmations) Both() bool { return c.Buyer && c.Owner }

// DraftSnapshot is an immutable copy of the property taken at code-generation
// time, used for display and emails even if the listing later changes.
type DraftSnapshot struct {
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Price        float64 `json:"price"`
	PhotoURL     string  `json:"photoUrl,omitempty"`
	ContactPhone string  `json:"contactPhone,omitempty"`
}

// Transaction represents one buyer↔owner deal for one property.
// Financial record: never physically deleted.
type Transaction struct {
	ID         string `json:"id"`
	PropertyID string `json:"propertyId"`
	BuyerID    string `json:"buyerId"`
	OwnerID    string `json:"ownerId"`

	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	CodeHash   string    `json:"-"`
	CodeExpiry time.Time `json:"-"`

	ProviderTxID     string          `json:"providerTransactionId,omitempty"`
	PaymentReference string          `json:"paymentReference,omitempty"`
	CheckoutURL      string          `json:"checkoutAuthorizationUrl,omitempty"`
	ProviderMetadata json.RawMessage `json:"-"` // last raw provider payload, retained for audit

	Snapshot      DraftSnapshot     `json:"snapshot"`
	DealType      property.DealType `json:"dealType"`
	Confirmations Confirmations     `json:"confirmations"`

	Status      Status      `json:"status"`
	EscrowState EscrowState `json:"escrowStatus,omitempty"`

	// ReversalCount is the buyer's lifetime reversal count as of this
	// transaction's reversal, denormalized to drive the penalty tier.
	ReversalCount int `json:"reversalCountForBuyer"`

	// Commission is the platform fee, recorded at release time.
	Commission float64 `json:"commission,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusReversed, StatusFailed:
		return true
	}
	return false
}

// Store persists transaction data. The conditional mutations (SetConfirmation,
// ClaimRelease, MarkFunded, MarkReversed, MarkDisputed) must each execute as a
// single atomic compare-and-set against the persisted record.
type Store interface {
	Create(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, txn *Transaction) error

	GetByProviderTx(ctx context.Context, providerTxID string) (*Transaction, error)
	LatestForUser(ctx context.Context, propertyID, userID string) (*Transaction, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)
	// ListPage returns transactions with the given status newest first,
	// strictly after the (before, beforeID) keyset position. A zero before
	// starts from the newest record.
	ListPage(ctx context.Context, status Status, before time.Time, beforeID string, limit int) ([]*Transaction, error)

	// SetConfirmation sets the role's confirmation flag (idempotent) and
	// returns the updated record.
	SetConfirmation(ctx context.Context, id string, role Role) (*Transaction, error)

	// ClaimRelease claims the one release slot: moves escrow state
	// held→releasing iff the transaction is pending_confirmation with both
	// confirmations set. Returns false if the claim was not won.
	ClaimRelease(ctx context.Context, id string) (bool, error)

	// CompleteRelease finishes a claimed release: releasing→released,
	// status completed, commission recorded.
	CompleteRelease(ctx context.Context, id string, commission float64) error

	// ReleaseFailed reverts a claimed release to held, keeping both
	// confirmations so the parties need not resubmit.
	ReleaseFailed(ctx context.Context, id string) error

	// MarkFunded moves a transaction awaiting payment to
	// pending_confirmation with funds held. Returns false if the
	// transaction was not in a fundable state.
	MarkFunded(ctx context.Context, id string) (bool, error)

	// MarkReversed moves pending_confirmation→reversed with funds refunded,
	// recording the buyer's new reversal count. Returns false if the
	// transaction was not pending confirmation.
	MarkReversed(ctx context.Context, id string, reversalCount int) (bool, error)

	// MarkDisputed flags held funds as disputed. Returns false if funds
	// were not held.
	MarkDisputed(ctx context.Context, id string) (bool, error)

	// CountReversedByBuyer returns how many of the buyer's transactions
	// have been reversed.
	CountReversedByBuyer(ctx context.Context, buyerID string) (int, error)
}

// Package party is the user collaborator boundary for the settlement engine.
// Registration and authentication live elsewhere; the engine only needs
// contact details for notifications and the owner's bank details for payout
// recipient registration.
package party

import (
	"context"
	"errors"
)

var ErrPartyNotFound = errors.New("party not found")

// Party is a buyer or proprietor as seen by the settlement engine.
type Party struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`

	// Bank details, required before a payout recipient can be registered.
	BankAccountNumber string `json:"bankAccountNumber,omitempty"`
	BankCode          string `json:"bankCode,omitempty"`
	BankAccountName   string `json:"bankAccountName,omitempty"`

	// RecipientCode is the provider-side payout recipient identifier,
	// persisted after first registration and reused on later disbursements.
	RecipientCode string `json:"-"`
}

// HasBankDetails reports whether the party can be registered as a payout recipient.
func (p *Party) HasBankDetails() bool {
	return p.BankAccountNumber != "" && p.BankCode != "" && p.BankAccountName != ""
}

// Store persists party records.
type Store interface {
	Create(ctx context.Context, p *Party) error
	Get(ctx context.Context, id string) (*Party, error)
	// SetRecipientCode persists the provider recipient identifier for reuse.
	SetRecipientCode(ctx context.Context, id, code string) error
}

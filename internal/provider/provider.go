// Package provider adapts the external escrow/payment provider behind a
// single Gateway interface.
//
// Provider responses vary in shape (id vs transaction_id vs reference); the
// lenient decoding is isolated to this package and everything else consumes
// only the normalized types below. Amounts cross this boundary in minor units.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Gateway is the provider boundary the settlement engine talks to.
type Gateway interface {
	// CreateTransaction opens a provider-side checkout/escrow session.
	CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*CreateTransactionResponse, error)
	// ChargeAuthorization charges a saved card authorization directly.
	ChargeAuthorization(ctx context.Context, req ChargeRequest) (*ChargeResponse, error)
	// RequestRelease releases custodied funds for a provider transaction.
	RequestRelease(ctx context.Context, providerTxID string, req ReleaseRequest) (*ReleaseResponse, error)
	// CancelTransaction cancels/refunds a provider transaction.
	CancelTransaction(ctx context.Context, providerTxID string, req CancelRequest) (*CancelResponse, error)
	// CreateRecipient registers a payout recipient from bank details.
	CreateRecipient(ctx context.Context, req RecipientRequest) (*Recipient, error)
	// Transfer moves funds to a registered recipient.
	Transfer(ctx context.Context, req TransferRequest) (*TransferResponse, error)
	// ListBanks lists supported banks for recipient registration.
	ListBanks(ctx context.Context) ([]Bank, error)
	// ResolveAccount resolves an account number to its registered name.
	ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*AccountDetail, error)
}

// CreateTransactionRequest opens a checkout session.
type CreateTransactionRequest struct {
	Reference   string
	AmountMinor int64
	Currency    string
	Email       string
	Metadata    map[string]any
}

// CreateTransactionResponse is the normalized session result.
type CreateTransactionResponse struct {
	ProviderTxID string
	CheckoutURL  string
	Reference    string
	Raw          []byte // last raw provider payload, retained for audit
}

// ChargeRequest charges a saved authorization.
type ChargeRequest struct {
	AuthorizationCode string
	Email             string
	Reference         string
	AmountMinor       int64
	Currency          string
}

// ChargeResponse is the normalized charge result.
type ChargeResponse struct {
	ProviderTxID string
	Reference    string
	Status       string
	Raw          []byte
}

// ReleaseRequest releases custodied funds.
type ReleaseRequest struct {
	AmountMinor int64
	Reason      string
}

// ReleaseResponse is the normalized release result.
type ReleaseResponse struct {
	Reference string
	Raw       []byte
}

// CancelRequest cancels/refunds a transaction. AmountMinor may be less than
// the original charge when a penalty is withheld.
type CancelRequest struct {
	AmountMinor int64
	Reason      string
}

// CancelResponse is the normalized cancellation result.
type CancelResponse struct {
	Reference string
	Raw       []byte
}

// RecipientRequest registers a payout recipient.
type RecipientRequest struct {
	Name          string
	AccountNumber string
	BankCode      string
	Currency      string
}

// Recipient is a registered payout destination.
type Recipient struct {
	Code string
}

// TransferRequest moves funds to a recipient.
type TransferRequest struct {
	RecipientCode string
	AmountMinor   int64
	Currency      string
	Reason        string
	Reference     string
}

// TransferResponse is the normalized transfer result.
type TransferResponse struct {
	Reference string
	Status    string
	Raw       []byte
}

// Bank is one entry from the provider's bank directory.
type Bank struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// AccountDetail is a resolved bank account.
type AccountDetail struct {
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
}

// Error is a typed provider failure. Retryable errors (network, timeout,
// 5xx, 429) leave the caller's state unchanged or queued for retry; fatal
// errors (rejection, misconfiguration) should not be retried.
type Error struct {
	Op        string
	Status    int // HTTP status, 0 for transport errors
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s: status %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Op, e.Message)
}

// IsRetryable reports whether err is a retryable provider failure.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// ToMinor converts a major-unit amount to provider minor units (e.g. NGN→kobo).
func ToMinor(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// FromMinor converts provider minor units back to a major-unit amount.
func FromMinor(minor int64) float64 {
	return float64(minor) / 100
}

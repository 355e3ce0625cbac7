package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Mock is a deterministic in-process gateway used when no provider
// credentials are configured. Every operation returns a synthetic success
// whose identifiers are derived from the request, so repeated calls with the
// same input produce the same output and the rest of the system stays
// independently testable.
type Mock struct {
	logger *slog.Logger
}

// NewMock creates a deterministic mock gateway.
func NewMock(logger *slog.Logger) *Mock {
	return &Mock{logger: logger}
}

// mockRef derives a stable identifier from the operation and seed.
func mockRef(op, seed string) string {
	sum := sha256.Sum256([]byte(op + ":" + seed))
	return "mock_" + op + "_" + hex.EncodeToString(sum[:6])
}

func (m *Mock) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*CreateTransactionResponse, error) {
	id := mockRef("tx", req.Reference)
	m.logger.Debug("mock gateway: create transaction", "reference", req.Reference, "provider_tx", id)
	return &CreateTransactionResponse{
		ProviderTxID: id,
		CheckoutURL:  "https://checkout.mock.lemonzee.app/" + id,
		Reference:    req.Reference,
		Raw:          []byte(fmt.Sprintf(`{"status":true,"data":{"id":%q,"reference":%q}}`, id, req.Reference)),
	}, nil
}

func (m *Mock) ChargeAuthorization(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	id := mockRef("charge", req.Reference+":"+req.AuthorizationCode)
	return &ChargeResponse{
		ProviderTxID: id,
		Reference:    req.Reference,
		Status:       "success",
		Raw:          []byte(fmt.Sprintf(`{"status":true,"data":{"id":%q,"status":"success"}}`, id)),
	}, nil
}

func (m *Mock) RequestRelease(ctx context.Context, providerTxID string, req ReleaseRequest) (*ReleaseResponse, error) {
	ref := mockRef("release", providerTxID)
	return &ReleaseResponse{
		Reference: ref,
		Raw:       []byte(fmt.Sprintf(`{"status":true,"data":{"reference":%q}}`, ref)),
	}, nil
}

func (m *Mock) CancelTransaction(ctx context.Context, providerTxID string, req CancelRequest) (*CancelResponse, error) {
	ref := mockRef("cancel", providerTxID)
	return &CancelResponse{
		Reference: ref,
		Raw:       []byte(fmt.Sprintf(`{"status":true,"data":{"reference":%q}}`, ref)),
	}, nil
}

func (m *Mock) CreateRecipient(ctx context.Context, req RecipientRequest) (*Recipient, error) {
	return &Recipient{Code: mockRef("rcp", req.AccountNumber+":"+req.BankCode)}, nil
}

func (m *Mock) Transfer(ctx context.Context, req TransferRequest) (*TransferResponse, error) {
	return &TransferResponse{
		Reference: mockRef("trf", req.Reference),
		Status:    "success",
	}, nil
}

func (m *Mock) ListBanks(ctx context.Context) ([]Bank, error) {
	return []Bank{
		{Code: "044", Name: "Access Bank"},
		{Code: "058", Name: "Guaranty Trust Bank"},
		{Code: "057", Name: "Zenith Bank"},
	}, nil
}

func (m *Mock) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*AccountDetail, error) {
	return &AccountDetail{
		AccountNumber: accountNumber,
		AccountName:   "MOCK ACCOUNT " + accountNumber,
	}, nil
}

var _ Gateway = (*Mock)(nil)

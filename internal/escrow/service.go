package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/XaidenLabs/lemonzee-settlement/internal/idgen"
	"github.com/XaidenLabs/lemonzee-settlement/internal/party"
	"github.com/XaidenLabs/lemonzee-settlement/internal/provider"
)

// CreateRequest contains the parameters for opening an escrow.
type CreateRequest struct {
	BuyerID    string  `json:"buyerId" binding:"required"`
	SellerID   string  `json:"sellerId" binding:"required"`
	PropertyID string  `json:"propertyId"`
	Amount     float64 `json:"amount" binding:"required"`
	Currency   string  `json:"currency"`
}

// Service implements the generic escrow lifecycle.
type Service struct {
	store           Store
	parties         party.Store
	gateway         provider.Gateway
	defaultCurrency string
	logger          *slog.Logger
	now             func() time.Time
}

// NewService creates an escrow service.
func NewService(store Store, parties party.Store, gateway provider.Gateway, defaultCurrency string, logger *slog.Logger) *Service {
	return &Service{
		store:           store,
		parties:         parties,
		gateway:         gateway,
		defaultCurrency: defaultCurrency,
		logger:          logger,
		now:             time.Now,
	}
}

// Create opens an escrow and its provider checkout session.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	buyer, err := s.parties.Get(ctx, req.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("resolve buyer %s: %w", req.BuyerID, err)
	}
	if _, err := s.parties.Get(ctx, req.SellerID); err != nil {
		return nil, fmt.Errorf("resolve seller %s: %w", req.SellerID, err)
	}

	currency := req.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}

	now := s.now()
	e := &Escrow{
		ID:         idgen.WithPrefix("esc_"),
		BuyerID:    req.BuyerID,
		SellerID:   req.SellerID,
		PropertyID: req.PropertyID,
		Amount:     req.Amount,
		Currency:   currency,
		Status:     StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	session, err := s.gateway.CreateTransaction(ctx, provider.CreateTransactionRequest{
		Reference:   e.ID,
		AmountMinor: provider.ToMinor(e.Amount),
		Currency:    currency,
		Email:       buyer.Email,
		Metadata:    map[string]any{"escrow_id": e.ID},
	})
	if err != nil {
		return nil, err
	}
	e.ProviderTxID = session.ProviderTxID
	e.CheckoutURL = session.CheckoutURL
	e.Status = StatusPendingFund

	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}

	s.logger.Info("escrow created",
		"escrow", e.ID, "buyer", e.BuyerID, "seller", e.SellerID,
		"amount", e.Amount, "currency", e.Currency)
	return e, nil
}

// Get returns an escrow by id.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

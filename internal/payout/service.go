package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/XaidenLabs/lemonzee-settlement/internal/idgen"
	"github.com/XaidenLabs/lemonzee-settlement/internal/metrics"
	"github.com/XaidenLabs/lemonzee-settlement/internal/notify"
	"github.com/XaidenLabs/lemonzee-settlement/internal/party"
	"github.com/XaidenLabs/lemonzee-settlement/internal/provider"
)

// SettlementInput describes the charged transaction a payout is owed for.
type SettlementInput struct {
	TransactionID string
	OwnerID       string
	BuyerID       string
	Amount        float64
	Currency      string
	ProviderTxID  string
}

// Service implements payout computation and disbursement.
type Service struct {
	store    Store
	parties  party.Store
	gateway  provider.Gateway
	notifier *notify.Service
	rate     float64
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a payout service. rate is the platform commission rate.
func NewService(store Store, parties party.Store, gateway provider.Gateway, notifier *notify.Service, rate float64, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		parties:  parties,
		gateway:  gateway,
		notifier: notifier,
		rate:     rate,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// EnsureForTransaction creates the payout for a charged transaction if none
// exists yet. Keyed by transaction id, so concurrent callers converge on the
// same record.
func (s *Service) EnsureForTransaction(ctx context.Context, in SettlementInput) (*Payout, error) {
	if existing, err := s.store.GetByTransaction(ctx, in.TransactionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrPayoutNotFound) {
		return nil, err
	}

	commission, net := Split(in.Amount, s.rate)
	now := s.now()
	p := &Payout{
		ID:             idgen.WithPrefix("pay_"),
		TransactionID:  in.TransactionID,
		OwnerID:        in.OwnerID,
		BuyerID:        in.BuyerID,
		Amount:         Round2(in.Amount),
		AmountMinor:    provider.ToMinor(in.Amount),
		Commission:     commission,
		NetAmount:      net,
		NetAmountMinor: provider.ToMinor(net),
		Currency:       in.Currency,
		Status:         StatusQueued,
		Method:         MethodBankTransfer,
		ProviderTxID:   in.ProviderTxID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Create(ctx, p); err != nil {
		if errors.Is(err, ErrPayoutExists) {
			// Lost the race; the winner's record is the payout.
			return s.store.GetByTransaction(ctx, in.TransactionID)
		}
		return nil, err
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusQueued)).Inc()
	return p, nil
}

// Get returns a payout by id.
func (s *Service) Get(ctx context.Context, id string) (*Payout, error) {
	return s.store.Get(ctx, id)
}

// SnapshotForTransaction returns the non-sensitive payout view for a
// transaction, or nil if no payout exists.
func (s *Service) SnapshotForTransaction(ctx context.Context, transactionID string) (*Snapshot, error) {
	p, err := s.store.GetByTransaction(ctx, transactionID)
	if errors.Is(err, ErrPayoutNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p.Snapshot(), nil
}

// Disburse attempts to pay out net proceeds to the owner.
//
// Provider failures land the payout back in `queued` with the reason recorded
// and an administrator escalation; only a missing-bank-details condition is
// terminal, since it cannot self-heal without new owner input. A payout with
// no provider transaction (cash/alternate rail) becomes a manual queue entry
// for an operator — a deliberate fallback, not an error.
func (s *Service) Disburse(ctx context.Context, payoutID string) (*Payout, error) {
	p, err := s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusDisbursed {
		return p, nil
	}

	owner, err := s.parties.Get(ctx, p.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("resolve owner %s: %w", p.OwnerID, err)
	}

	recipientCode, err := s.ensureRecipient(ctx, owner, p.Currency)
	if err != nil {
		if errors.Is(err, ErrMissingBank) {
			return s.markFailed(ctx, p, "owner bank details incomplete")
		}
		// Provider trouble registering the recipient: recoverable, keep queued.
		return s.requeue(ctx, p, "recipient registration failed: "+err.Error())
	}
	_ = recipientCode // Registered and persisted; the release path doesn't need it directly.

	if p.ProviderTxID == "" {
		return s.queueManual(ctx, p)
	}

	// Prefer releasing through the provider transaction that received the
	// original payment; the money is already custodied there.
	release, err := s.gateway.RequestRelease(ctx, p.ProviderTxID, provider.ReleaseRequest{
		AmountMinor: p.NetAmountMinor,
		Reason:      "payout " + p.ID,
	})
	if err != nil {
		return s.requeue(ctx, p, "release failed: "+err.Error())
	}

	return s.markDisbursed(ctx, p, release.Reference, MethodBankTransfer)
}

// DisburseViaTransfer pays out through a generic provider bank transfer to
// the owner's registered recipient. Used by operators for payouts whose
// provider transaction cannot be released (manual queue entries).
func (s *Service) DisburseViaTransfer(ctx context.Context, payoutID string) (*Payout, error) {
	p, err := s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusDisbursed {
		return p, nil
	}

	owner, err := s.parties.Get(ctx, p.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("resolve owner %s: %w", p.OwnerID, err)
	}

	recipientCode, err := s.ensureRecipient(ctx, owner, p.Currency)
	if err != nil {
		if errors.Is(err, ErrMissingBank) {
			return s.markFailed(ctx, p, "owner bank details incomplete")
		}
		return s.requeue(ctx, p, "recipient registration failed: "+err.Error())
	}

	transfer, err := s.gateway.Transfer(ctx, provider.TransferRequest{
		RecipientCode: recipientCode,
		AmountMinor:   p.NetAmountMinor,
		Currency:      p.Currency,
		Reason:        "payout " + p.ID,
		Reference:     p.ID,
	})
	if err != nil {
		return s.requeue(ctx, p, "transfer failed: "+err.Error())
	}

	return s.markDisbursed(ctx, p, transfer.Reference, MethodBankTransfer)
}

// MarkFulfilled records an operator-completed manual payout.
func (s *Service) MarkFulfilled(ctx context.Context, payoutID, operatorReference string) (*Payout, error) {
	p, err := s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusDisbursed {
		return p, nil
	}
	return s.markDisbursed(ctx, p, operatorReference, MethodManual)
}

// ensureRecipient returns the owner's provider recipient code, registering
// one from bank details when absent and persisting it for reuse.
func (s *Service) ensureRecipient(ctx context.Context, owner *party.Party, currency string) (string, error) {
	if owner.RecipientCode != "" {
		return owner.RecipientCode, nil
	}
	if !owner.HasBankDetails() {
		return "", ErrMissingBank
	}

	rcp, err := s.gateway.CreateRecipient(ctx, provider.RecipientRequest{
		Name:          owner.BankAccountName,
		AccountNumber: owner.BankAccountNumber,
		BankCode:      owner.BankCode,
		Currency:      currency,
	})
	if err != nil {
		return "", err
	}

	if err := s.parties.SetRecipientCode(ctx, owner.ID, rcp.Code); err != nil {
		// Registration succeeded; a persistence failure only costs a re-registration later.
		s.logger.Warn("failed to persist recipient code", "owner", owner.ID, "error", err)
	}
	return rcp.Code, nil
}

func (s *Service) markDisbursed(ctx context.Context, p *Payout, reference string, method Method) (*Payout, error) {
	now := s.now()
	p.Status = StatusDisbursed
	p.Method = method
	p.ProviderReference = reference
	p.FailureReason = ""
	p.DisbursedAt = &now
	p.UpdatedAt = now
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusDisbursed)).Inc()
	s.logger.Info("payout disbursed",
		"payout", p.ID, "transaction", p.TransactionID,
		"net", p.NetAmount, "currency", p.Currency, "reference", reference,
	)
	s.notifier.UserAsync(p.OwnerID, "Payout on its way",
		fmt.Sprintf("Your payout of %.2f %s has been disbursed (ref %s).", p.NetAmount, p.Currency, reference))
	return p, nil
}

func (s *Service) requeue(ctx context.Context, p *Payout, reason string) (*Payout, error) {
	p.Status = StatusQueued
	p.FailureReason = reason
	p.UpdatedAt = s.now()
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusQueued)).Inc()
	s.logger.Warn("payout left queued for retry", "payout", p.ID, "reason", reason)
	s.notifier.AdminAsync("Payout needs attention",
		fmt.Sprintf("Payout %s (transaction %s) could not be disbursed: %s", p.ID, p.TransactionID, reason))
	return p, nil
}

func (s *Service) markFailed(ctx context.Context, p *Payout, reason string) (*Payout, error) {
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = s.now()
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusFailed)).Inc()
	s.logger.Warn("payout failed", "payout", p.ID, "reason", reason)
	s.notifier.UserAsync(p.OwnerID, "Payout blocked",
		"We can't pay you out until your bank details are complete. Please update them.")
	return p, nil
}

func (s *Service) queueManual(ctx context.Context, p *Payout) (*Payout, error) {
	now := s.now()
	p.Status = StatusQueued
	p.Method = MethodManual
	p.ScheduledAt = &now
	p.UpdatedAt = now
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusQueued)).Inc()
	s.logger.Info("payout queued for manual transfer", "payout", p.ID, "transaction", p.TransactionID)
	s.notifier.AdminAsync("Manual payout queued",
		fmt.Sprintf("Payout %s (transaction %s, %.2f %s net) has no provider transaction and needs a manual transfer.",
			p.ID, p.TransactionID, p.NetAmount, p.Currency))
	return p, nil
}

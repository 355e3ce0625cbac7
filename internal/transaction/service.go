package transaction

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/XaidenLabs/lemonzee-settlement/internal/idgen"
	"github.com/XaidenLabs/lemonzee-settlement/internal/metrics"
	"github.com/XaidenLabs/lemonzee-settlement/internal/notify"
	"github.com/XaidenLabs/lemonzee-settlement/internal/pagination"
	"github.com/XaidenLabs/lemonzee-settlement/internal/party"
	"github.com/XaidenLabs/lemonzee-settlement/internal/payout"
	"github.com/XaidenLabs/lemonzee-settlement/internal/property"
	"github.com/XaidenLabs/lemonzee-settlement/internal/provider"
	"github.com/XaidenLabs/lemonzee-settlement/internal/syncutil"
)

// ConfirmOutcome tells the confirming client what actually happened.
type ConfirmOutcome string

const (
	// OutcomeConfirmed: this party's confirmation recorded, other party pending.
	OutcomeConfirmed ConfirmOutcome = "confirmed"
	// OutcomeSealed: both parties confirmed and funds were released.
	OutcomeSealed ConfirmOutcome = "sealed"
	// OutcomeConfirmedPending: both parties confirmed but the release call
	// failed; confirmations are persisted and release awaits a retry.
	OutcomeConfirmedPending ConfirmOutcome = "confirmed_pending"
)

// Service implements the transaction state machine.
type Service struct {
	store    Store
	props    property.Store
	parties  party.Store
	gateway  provider.Gateway
	payouts  *payout.Service
	notifier *notify.Service
	logger   *slog.Logger

	codeSecret      []byte
	codeTTL         time.Duration
	commissionRate  float64
	defaultCurrency string

	locks  syncutil.ShardedMutex // per-transaction ID locks
	now    func() time.Time
	digits func(n int) string
	bg     sync.WaitGroup
}

// NewService creates a transaction service.
func NewService(store Store, props property.Store, parties party.Store, gateway provider.Gateway,
	payouts *payout.Service, notifier *notify.Service, codeSecret string, codeTTL time.Duration,
	commissionRate float64, defaultCurrency string, logger *slog.Logger) *Service {
	return &Service{
		store:           store,
		props:           props,
		parties:         parties,
		gateway:         gateway,
		payouts:         payouts,
		notifier:        notifier,
		logger:          logger,
		codeSecret:      []byte(codeSecret),
		codeTTL:         codeTTL,
		commissionRate:  commissionRate,
		defaultCurrency: defaultCurrency,
		now:             time.Now,
		digits:          idgen.Digits,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithCodeSource overrides code generation, for tests.
func (s *Service) WithCodeSource(digits func(n int) string) *Service {
	s.digits = digits
	return s
}

// Wait blocks until background side effects finish. Used in tests and shutdown.
func (s *Service) Wait() {
	s.bg.Wait()
	s.notifier.Wait()
}

// GenerateCode creates a draft transaction for a property with a one-time
// verification code. Only the code's hash is persisted; the plaintext goes to
// the buyer by email. Repeated calls create new drafts.
func (s *Service) GenerateCode(ctx context.Context, propertyID, userID string) (*Transaction, error) {
	prop, err := s.props.Get(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	buyer, err := s.parties.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	id := idgen.WithPrefix("txn_")
	code := s.digits(6)
	now := s.now()

	currency := prop.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}

	txn := &Transaction{
		ID:         id,
		PropertyID: prop.ID,
		BuyerID:    buyer.ID,
		OwnerID:    prop.OwnerID,
		Amount:     prop.Price,
		Currency:   currency,
		CodeHash:   s.hashCode(id, code),
		CodeExpiry: now.Add(s.codeTTL),
		Snapshot: DraftSnapshot{
			Title:        prop.Title,
			Description:  prop.Description,
			Price:        prop.Price,
			PhotoURL:     prop.PhotoURL,
			ContactPhone: prop.ContactPhone,
		},
		DealType:  prop.DealType,
		Status:    StatusCodeSent,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, txn); err != nil {
		return nil, err
	}

	metrics.TransactionsTotal.WithLabelValues(string(StatusCodeSent)).Inc()
	s.notifier.UserAsync(buyer.ID, "Your LemonZee verification code",
		fmt.Sprintf("Your code for %q is %s. It expires in %d minutes.",
			prop.Title, code, int(s.codeTTL.Minutes())))

	s.logger.Info("transaction draft created",
		"transaction", txn.ID, "property", prop.ID, "buyer", buyer.ID)
	return txn, nil
}

// VerifyCode checks the buyer's code and advances the transaction to verified.
func (s *Service) VerifyCode(ctx context.Context, id, code string) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if txn.Status != StatusCodeSent && txn.Status != StatusInitiated {
		return nil, ErrInvalidStatus
	}
	if s.now().After(txn.CodeExpiry) {
		return nil, ErrCodeExpired
	}
	if !hmac.Equal([]byte(s.hashCode(id, code)), []byte(txn.CodeHash)) {
		return nil, ErrInvalidCode
	}

	txn.Status = StatusVerified
	txn.UpdatedAt = s.now()
	if err := s.store.Update(ctx, txn); err != nil {
		return nil, err
	}

	metrics.TransactionsTotal.WithLabelValues(string(StatusVerified)).Inc()
	return txn, nil
}

// InitiatePayment opens a provider checkout session for a verified
// transaction. Provider failure leaves the transaction in its prior state so
// the buyer can retry.
func (s *Service) InitiatePayment(ctx context.Context, id, buyerEmail, currency string) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if txn.Status != StatusVerified && txn.Status != StatusInitiated {
		return nil, ErrInvalidStatus
	}

	if currency != "" {
		txn.Currency = currency
	}
	if buyerEmail == "" {
		if buyer, err := s.parties.Get(ctx, txn.BuyerID); err == nil {
			buyerEmail = buyer.Email
		}
	}

	resp, err := s.gateway.CreateTransaction(ctx, provider.CreateTransactionRequest{
		Reference:   txn.ID,
		AmountMinor: provider.ToMinor(txn.Amount),
		Currency:    txn.Currency,
		Email:       buyerEmail,
		Metadata:    map[string]any{"propertyId": txn.PropertyID},
	})
	if err != nil {
		return nil, err
	}

	txn.Status = StatusInitiatedPayment
	txn.ProviderTxID = resp.ProviderTxID
	txn.PaymentReference = resp.Reference
	txn.CheckoutURL = resp.CheckoutURL
	txn.ProviderMetadata = resp.Raw
	txn.UpdatedAt = s.now()
	if err := s.store.Update(ctx, txn); err != nil {
		return nil, err
	}

	metrics.TransactionsTotal.WithLabelValues(string(StatusInitiatedPayment)).Inc()
	s.logger.Info("payment initiated",
		"transaction", txn.ID, "provider_tx", txn.ProviderTxID, "amount", txn.Amount, "currency", txn.Currency)
	return txn, nil
}

// ChargeWithAuthorization charges a saved card authorization directly, moving
// the transaction straight to pending_confirmation. Side effects (owner
// notification, payout pre-computation) are fire-and-forget and never fail
// the charge.
func (s *Service) ChargeWithAuthorization(ctx context.Context, id, authorizationCode, buyerEmail string) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch txn.Status {
	case StatusVerified, StatusInitiated, StatusInitiatedPayment:
	default:
		return nil, ErrInvalidStatus
	}

	resp, err := s.gateway.ChargeAuthorization(ctx, provider.ChargeRequest{
		AuthorizationCode: authorizationCode,
		Email:             buyerEmail,
		Reference:         txn.ID,
		AmountMinor:       provider.ToMinor(txn.Amount),
		Currency:          txn.Currency,
	})
	if err != nil {
		return nil, err
	}

	txn.Status = StatusPendingConfirmation
	txn.EscrowState = EscrowHeld
	txn.ProviderTxID = resp.ProviderTxID
	txn.PaymentReference = resp.Reference
	txn.ProviderMetadata = resp.Raw
	txn.UpdatedAt = s.now()
	if err := s.store.Update(ctx, txn); err != nil {
		return nil, err
	}

	metrics.TransactionsTotal.WithLabelValues(string(StatusPendingConfirmation)).Inc()
	s.spawnPostCharge(txn)

	return txn, nil
}

// spawnPostCharge runs the after-charge side effects in the background:
// owner notification and payout pre-computation.
func (s *Service) spawnPostCharge(txn *Transaction) {
	snapshot := *txn
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("post-charge task panicked", "transaction", snapshot.ID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s.notifier.UserAsync(snapshot.OwnerID, "Payment received for your listing",
			fmt.Sprintf("A buyer has paid %.2f %s for %q. Funds are held in escrow until you both confirm.",
				snapshot.Amount, snapshot.Currency, snapshot.Snapshot.Title))

		if _, err := s.payouts.EnsureForTransaction(ctx, payout.SettlementInput{
			TransactionID: snapshot.ID,
			OwnerID:       snapshot.OwnerID,
			BuyerID:       snapshot.BuyerID,
			Amount:        snapshot.Amount,
			Currency:      snapshot.Currency,
			ProviderTxID:  snapshot.ProviderTxID,
		}); err != nil {
			s.logger.Error("payout pre-computation failed", "transaction", snapshot.ID, "error", err)
		}
	}()
}

// Confirm records a party's confirmation. Re-confirming is a no-op. The
// second confirmation triggers the release protocol: funds are released at
// most once regardless of how the two confirmations interleave.
func (s *Service) Confirm(ctx context.Context, id string, role Role) (*Transaction, ConfirmOutcome, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}

	if txn.Status == StatusCompleted {
		return txn, OutcomeSealed, nil
	}
	if txn.Status != StatusPendingConfirmation {
		return nil, "", ErrInvalidStatus
	}

	txn, err = s.store.SetConfirmation(ctx, id, role)
	if err != nil {
		return nil, "", err
	}

	if !txn.Confirmations.Both() {
		return txn, OutcomeConfirmed, nil
	}

	return s.release(ctx, txn)
}

// release performs the at-most-once fund release for a fully confirmed
// transaction. The store-level claim is the cross-process guard; losing the
// claim means another writer is releasing or already released.
func (s *Service) release(ctx context.Context, txn *Transaction) (*Transaction, ConfirmOutcome, error) {
	claimed, err := s.store.ClaimRelease(ctx, txn.ID)
	if err != nil {
		return nil, "", err
	}
	if !claimed {
		fresh, err := s.store.Get(ctx, txn.ID)
		if err != nil {
			return nil, "", err
		}
		if fresh.Status == StatusCompleted {
			return fresh, OutcomeSealed, nil
		}
		return fresh, OutcomeConfirmedPending, nil
	}

	if txn.ProviderTxID != "" {
		_, err = s.gateway.RequestRelease(ctx, txn.ProviderTxID, provider.ReleaseRequest{
			AmountMinor: provider.ToMinor(txn.Amount),
			Reason:      "transaction " + txn.ID + " sealed",
		})
		if err != nil {
			if revertErr := s.store.ReleaseFailed(ctx, txn.ID); revertErr != nil {
				s.logger.Error("failed to revert release claim", "transaction", txn.ID, "error", revertErr)
			}
			metrics.ReleasesTotal.WithLabelValues("failed").Inc()
			s.logger.Warn("fund release failed, confirmations kept", "transaction", txn.ID, "error", err)
			s.notifier.AdminAsync("Fund release needs attention",
				fmt.Sprintf("Transaction %s is fully confirmed but the provider release failed: %v", txn.ID, err))

			fresh, getErr := s.store.Get(ctx, txn.ID)
			if getErr != nil {
				return nil, "", getErr
			}
			return fresh, OutcomeConfirmedPending, nil
		}
	}

	commission, _ := payout.Split(txn.Amount, s.commissionRate)
	if err := s.store.CompleteRelease(ctx, txn.ID, commission); err != nil {
		return nil, "", err
	}

	metrics.ReleasesTotal.WithLabelValues("released").Inc()
	metrics.TransactionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.SettlementDuration.Observe(s.now().Sub(txn.CreatedAt).Seconds())

	s.logger.Info("transaction sealed",
		"transaction", txn.ID, "amount", txn.Amount, "commission", commission)
	s.notifier.UserAsync(txn.BuyerID, "Deal completed",
		fmt.Sprintf("Your transaction for %q is complete. Funds have been released.", txn.Snapshot.Title))
	s.notifier.UserAsync(txn.OwnerID, "Deal completed",
		fmt.Sprintf("Your transaction for %q is complete. Your payout is being prepared.", txn.Snapshot.Title))

	s.spawnDisbursement(txn.ID)

	fresh, err := s.store.Get(ctx, txn.ID)
	if err != nil {
		return nil, "", err
	}
	return fresh, OutcomeSealed, nil
}

// spawnDisbursement kicks off payout disbursement in the background; a
// failure there leaves the payout queued for operator retry and never
// affects the confirmation response.
func (s *Service) spawnDisbursement(transactionID string) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("disbursement task panicked", "transaction", transactionID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		snap, err := s.payouts.SnapshotForTransaction(ctx, transactionID)
		if err != nil || snap == nil {
			if err != nil {
				s.logger.Error("payout lookup failed", "transaction", transactionID, "error", err)
			}
			return
		}
		if _, err := s.payouts.Disburse(ctx, snap.ID); err != nil {
			s.logger.Error("automatic disbursement failed", "transaction", transactionID, "error", err)
		}
	}()
}

// Get returns a transaction with its payout snapshot when one exists.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, *payout.Snapshot, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.payouts.SnapshotForTransaction(ctx, id)
	if err != nil {
		s.logger.Warn("payout snapshot lookup failed", "transaction", id, "error", err)
		snap = nil
	}
	return txn, snap, nil
}

// LatestForUser returns the most recent transaction where the user is buyer
// or owner of the property, with its payout snapshot when present.
func (s *Service) LatestForUser(ctx context.Context, propertyID, userID string) (*Transaction, *payout.Snapshot, error) {
	txn, err := s.store.LatestForUser(ctx, propertyID, userID)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.payouts.SnapshotForTransaction(ctx, txn.ID)
	if err != nil {
		snap = nil
	}
	return txn, snap, nil
}

// ListByStatusPage returns a page of transactions in the given status,
// newest first, with an opaque cursor for the next page. Used by operator
// tooling to review pending or stuck deals.
func (s *Service) ListByStatusPage(ctx context.Context, status Status, cursor string, limit int) ([]*Transaction, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", ErrInvalidCursor
	}

	var before time.Time
	var beforeID string
	if cur != nil {
		before = cur.CreatedAt
		beforeID = cur.ID
	}

	txns, err := s.store.ListPage(ctx, status, before, beforeID, limit+1)
	if err != nil {
		return nil, "", err
	}

	page, next, _ := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}

// ApplyFunded moves the transaction behind a provider payment event to
// pending_confirmation. It reports false for duplicate or out-of-order
// events, which are no-ops.
func (s *Service) ApplyFunded(ctx context.Context, providerTxID string) (bool, error) {
	txn, err := s.store.GetByProviderTx(ctx, providerTxID)
	if err != nil {
		return false, err
	}
	applied, err := s.store.MarkFunded(ctx, txn.ID)
	if err != nil {
		return false, err
	}
	if applied {
		metrics.TransactionsTotal.WithLabelValues(string(StatusPendingConfirmation)).Inc()
		s.spawnPostChargeForFunded(ctx, txn.ID)
	}
	return applied, nil
}

func (s *Service) spawnPostChargeForFunded(ctx context.Context, id string) {
	fresh, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Error("funded transaction re-read failed", "transaction", id, "error", err)
		return
	}
	s.spawnPostCharge(fresh)
}

// ApplyRefunded marks the transaction behind a provider refund event as
// reversed. It reports false for duplicate events, which are no-ops.
func (s *Service) ApplyRefunded(ctx context.Context, providerTxID string) (bool, error) {
	txn, err := s.store.GetByProviderTx(ctx, providerTxID)
	if err != nil {
		return false, err
	}
	prior, err := s.store.CountReversedByBuyer(ctx, txn.BuyerID)
	if err != nil {
		return false, err
	}
	applied, err := s.store.MarkReversed(ctx, txn.ID, prior+1)
	if err != nil {
		return false, err
	}
	if applied {
		metrics.TransactionsTotal.WithLabelValues(string(StatusReversed)).Inc()
	}
	return applied, nil
}

// ApplyDisputed flags the transaction behind a provider dispute event. It
// reports false for duplicate events.
func (s *Service) ApplyDisputed(ctx context.Context, providerTxID string) (bool, error) {
	txn, err := s.store.GetByProviderTx(ctx, providerTxID)
	if err != nil {
		return false, err
	}
	applied, err := s.store.MarkDisputed(ctx, txn.ID)
	if err != nil {
		return false, err
	}
	if applied {
		s.notifier.AdminAsync("Transaction disputed",
			fmt.Sprintf("Transaction %s (provider %s) was flagged as disputed by the provider.", txn.ID, providerTxID))
	}
	return applied, nil
}

// hashCode produces the stored one-way hash of a verification code, keyed by
// the transaction id so identical codes hash differently across transactions.
func (s *Service) hashCode(transactionID, code string) string {
	mac := hmac.New(sha256.New, s.codeSecret)
	mac.Write([]byte(transactionID + ":" + code))
	return hex.EncodeToString(mac.Sum(nil))
}

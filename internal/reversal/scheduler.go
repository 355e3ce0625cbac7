// Package reversal implements the deadline-driven automatic refund-and-relist
// of stalled transactions.
package reversal

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/XaidenLabs/lemonzee-settlement/internal/metrics"
	"github.com/XaidenLabs/lemonzee-settlement/internal/notify"
	"github.com/XaidenLabs/lemonzee-settlement/internal/payout"
	"github.com/XaidenLabs/lemonzee-settlement/internal/property"
	"github.com/XaidenLabs/lemonzee-settlement/internal/provider"
	"github.com/XaidenLabs/lemonzee-settlement/internal/transaction"
)

const sweepBatchSize = 500

// Config carries the deadline and penalty rules.
type Config struct {
	// SaleDeadline is the confirmation window for sale deals, RentDeadline
	// for rent and lease deals, both measured from transaction creation.
	SaleDeadline time.Duration
	RentDeadline time.Duration

	// PenaltyRate is withheld from the refund once the buyer's reversal
	// count passes PenaltyThreshold prior reversals.
	PenaltyRate      float64
	PenaltyThreshold int

	// Interval between sweeps.
	Interval time.Duration
}

// Scheduler periodically reverses pending transactions past their deadline.
type Scheduler struct {
	txns     transaction.Store
	props    property.Store
	gateway  provider.Gateway
	notifier *notify.Service
	cfg      Config
	logger   *slog.Logger

	stop    chan struct{}
	running atomic.Bool
	now     func() time.Time
}

// NewScheduler creates a reversal scheduler.
func NewScheduler(txns transaction.Store, props property.Store, gateway provider.Gateway,
	notifier *notify.Service, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	return &Scheduler{
		txns:     txns,
		props:    props,
		gateway:  gateway,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Running reports whether the sweep loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in reversal sweep", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep reverses every pending_confirmation transaction past its deadline.
// Exported so a cron-style caller or test can run a single pass.
func (s *Scheduler) Sweep(ctx context.Context) {
	pending, err := s.txns.ListByStatus(ctx, transaction.StatusPendingConfirmation, sweepBatchSize)
	if err != nil {
		s.logger.Warn("failed to list pending transactions", "error", err)
		return
	}

	now := s.now()
	for _, txn := range pending {
		deadline := s.deadlineFor(txn.DealType)
		if !now.After(txn.CreatedAt.Add(deadline)) {
			continue
		}
		s.reverse(ctx, txn)
	}
}

func (s *Scheduler) deadlineFor(deal property.DealType) time.Duration {
	if deal == property.DealSale {
		return s.cfg.SaleDeadline
	}
	return s.cfg.RentDeadline
}

func (s *Scheduler) reverse(ctx context.Context, txn *transaction.Transaction) {
	prior, err := s.txns.CountReversedByBuyer(ctx, txn.BuyerID)
	if err != nil {
		s.logger.Warn("failed to count buyer reversals", "transaction", txn.ID, "error", err)
		return
	}

	penaltyRate := 0.0
	if prior >= s.cfg.PenaltyThreshold {
		penaltyRate = s.cfg.PenaltyRate
	}
	amountToReturn := payout.Round2(txn.Amount * (1 - penaltyRate))

	// Without a provider transaction there is nothing to refund through; a
	// failed refund leaves funds in an uncertain place. Either way the
	// record stays untouched and an operator takes over, so the property is
	// never freed while money is unaccounted for.
	if txn.ProviderTxID == "" {
		s.escalate(txn, "no provider transaction to refund through")
		return
	}

	_, err = s.gateway.CancelTransaction(ctx, txn.ProviderTxID, provider.CancelRequest{
		AmountMinor: provider.ToMinor(amountToReturn),
		Reason:      fmt.Sprintf("confirmation deadline missed for transaction %s", txn.ID),
	})
	if err != nil {
		s.escalate(txn, "provider refund failed: "+err.Error())
		return
	}

	applied, err := s.txns.MarkReversed(ctx, txn.ID, prior+1)
	if err != nil {
		s.logger.Error("failed to mark transaction reversed", "transaction", txn.ID, "error", err)
		return
	}
	if !applied {
		// Confirmed or reversed by another writer between listing and now.
		s.logger.Info("transaction no longer reversible, skipping", "transaction", txn.ID)
		return
	}

	if err := s.props.SetAvailability(ctx, txn.PropertyID, true); err != nil {
		s.logger.Warn("failed to relist property", "property", txn.PropertyID, "error", err)
	}

	metrics.ReversalsTotal.WithLabelValues("reversed").Inc()
	metrics.TransactionsTotal.WithLabelValues(string(transaction.StatusReversed)).Inc()
	s.logger.Info("transaction reversed",
		"transaction", txn.ID, "buyer", txn.BuyerID,
		"returned", amountToReturn, "penalty_rate", penaltyRate)

	s.notifier.UserAsync(txn.BuyerID, "Transaction reversed",
		fmt.Sprintf("Your deal for %q was not confirmed in time and has been reversed. %.2f %s will be returned to you.",
			txn.Snapshot.Title, amountToReturn, txn.Currency))
	s.notifier.UserAsync(txn.OwnerID, "Transaction reversed",
		fmt.Sprintf("The deal for %q was not confirmed in time. The listing is available again.",
			txn.Snapshot.Title))
}

func (s *Scheduler) escalate(txn *transaction.Transaction, reason string) {
	metrics.ReversalsTotal.WithLabelValues("escalated").Inc()
	s.logger.Warn("reversal needs manual handling", "transaction", txn.ID, "reason", reason)
	s.notifier.AdminAsync("Reversal needs manual handling",
		fmt.Sprintf("Transaction %s is past its confirmation deadline but could not be auto-reversed: %s", txn.ID, reason))
}

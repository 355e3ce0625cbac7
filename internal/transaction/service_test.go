package transaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XaidenLabs/lemonzee-settlement/internal/notify"
	"github.com/XaidenLabs/lemonzee-settlement/internal/party"
	"github.com/XaidenLabs/lemonzee-settlement/internal/payout"
	"github.com/XaidenLabs/lemonzee-settlement/internal/property"
	"github.com/XaidenLabs/lemonzee-settlement/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingGateway wraps the mock gateway, counting release calls and
// optionally failing them.
type countingGateway struct {
	*provider.Mock
	releases    atomic.Int64
	failRelease atomic.Bool
}

func (g *countingGateway) RequestRelease(ctx context.Context, providerTxID string, req provider.ReleaseRequest) (*provider.ReleaseResponse, error) {
	g.releases.Add(1)
	if g.failRelease.Load() {
		return nil, errors.New("provider unavailable")
	}
	return g.Mock.RequestRelease(ctx, providerTxID, req)
}

type fixture struct {
	service *Service
	store   *MemoryStore
	props   *property.MemoryStore
	parties *party.MemoryStore
	payouts *payout.Service
	gateway *countingGateway
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()
	props := property.NewMemoryStore()
	parties := party.NewMemoryStore()
	notifier := notify.NewService(&notify.LogSender{Logger: logger}, parties, "ops@lemonzee.app", logger)
	gateway := &countingGateway{Mock: provider.NewMock(logger)}
	payouts := payout.NewService(payout.NewMemoryStore(), parties, gateway, notifier, 0.04, logger)
	store := NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	svc := NewService(store, props, parties, gateway, payouts, notifier,
		"test-code-secret", 15*time.Minute, 0.04, "NGN", logger).
		WithClock(clock.Now).
		WithCodeSource(func(int) string { return "123456" })

	ctx := context.Background()
	require.NoError(t, parties.Create(ctx, &party.Party{
		ID: "owner_1", Name: "Ada Obi", Email: "ada@example.com",
		BankAccountNumber: "0123456789", BankCode: "058", BankAccountName: "Ada Obi",
	}))
	require.NoError(t, parties.Create(ctx, &party.Party{
		ID: "buyer_1", Name: "Bayo Ade", Email: "bayo@example.com",
	}))
	require.NoError(t, props.Create(ctx, &property.Property{
		ID: "prop_1", OwnerID: "owner_1", Title: "2-bed flat, Lekki",
		Price: 100000, Currency: "NGN", DealType: property.DealSale, Available: true,
	}))

	return &fixture{service: svc, store: store, props: props, parties: parties,
		payouts: payouts, gateway: gateway, clock: clock}
}

// charged walks a draft through verify and saved-card charge so it sits in
// pending_confirmation with funds held.
func (f *fixture) charged(t *testing.T) *Transaction {
	t.Helper()
	ctx := context.Background()

	txn, err := f.service.GenerateCode(ctx, "prop_1", "buyer_1")
	require.NoError(t, err)

	txn, err = f.service.VerifyCode(ctx, txn.ID, "123456")
	require.NoError(t, err)

	txn, err = f.service.ChargeWithAuthorization(ctx, txn.ID, "AUTH_abc", "bayo@example.com")
	require.NoError(t, err)
	require.Equal(t, StatusPendingConfirmation, txn.Status)
	require.Equal(t, EscrowHeld, txn.EscrowState)

	f.service.Wait()
	return txn
}

func TestGenerateCodeNeverPersistsPlaintext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.service.GenerateCode(ctx, "prop_1", "buyer_1")
	require.NoError(t, err)

	stored, err := f.store.Get(ctx, txn.ID)
	require.NoError(t, err)

	assert.NotEmpty(t, stored.CodeHash)
	assert.NotContains(t, stored.CodeHash, "123456")
	assert.Equal(t, StatusCodeSent, stored.Status)
	assert.Equal(t, "2-bed flat, Lekki", stored.Snapshot.Title)
	assert.Equal(t, 100000.0, stored.Amount)
	assert.Equal(t, property.DealSale, stored.DealType)
}

func TestGenerateCodeUnknownPropertyOrBuyer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.GenerateCode(ctx, "prop_missing", "buyer_1")
	assert.ErrorIs(t, err, property.ErrPropertyNotFound)

	_, err = f.service.GenerateCode(ctx, "prop_1", "buyer_missing")
	assert.ErrorIs(t, err, party.ErrPartyNotFound)
}

func TestVerifyCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.service.GenerateCode(ctx, "prop_1", "buyer_1")
	require.NoError(t, err)

	_, err = f.service.VerifyCode(ctx, txn.ID, "654321")
	assert.ErrorIs(t, err, ErrInvalidCode)

	got, err := f.service.VerifyCode(ctx, txn.ID, "123456")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, got.Status)
}

func TestVerifyCodeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.service.GenerateCode(ctx, "prop_1", "buyer_1")
	require.NoError(t, err)

	f.clock.Advance(16 * time.Minute)

	// Correct code, but past expiry.
	_, err = f.service.VerifyCode(ctx, txn.ID, "123456")
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestSnapshotSurvivesPropertyChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.service.GenerateCode(ctx, "prop_1", "buyer_1")
	require.NoError(t, err)

	prop, err := f.props.Get(ctx, "prop_1")
	require.NoError(t, err)
	prop.Title = "renamed listing"
	prop.Price = 999999
	require.NoError(t, f.props.Create(ctx, prop))

	stored, err := f.store.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, "2-bed flat, Lekki", stored.Snapshot.Title)
	assert.Equal(t, 100000.0, stored.Amount)
}

func TestInitiatePaymentStoresCheckoutSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.service.GenerateCode(ctx, "prop_1", "buyer_1")
	require.NoError(t, err)
	_, err = f.service.VerifyCode(ctx, txn.ID, "123456")
	require.NoError(t, err)

	got, err := f.service.InitiatePayment(ctx, txn.ID, "bayo@example.com", "")
	require.NoError(t, err)

	assert.Equal(t, StatusInitiatedPayment, got.Status)
	assert.NotEmpty(t, got.ProviderTxID)
	assert.NotEmpty(t, got.CheckoutURL)
	assert.Equal(t, "NGN", got.Currency)
}

func TestInitiatePaymentGuardsState(t *testing.T) {
	f := newFixture(t)
	txn := f.charged(t)

	_, err := f.service.InitiatePayment(context.Background(), txn.ID, "", "")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestConfirmIdempotentPerRole(t *testing.T) {
	f := newFixture(t)
	txn := f.charged(t)
	ctx := context.Background()

	got, outcome, err := f.service.Confirm(ctx, txn.ID, RoleBuyer)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome)
	assert.True(t, got.Confirmations.Buyer)
	assert.False(t, got.Confirmations.Owner)

	// Re-confirming the same role is a no-op, not an error.
	got, outcome, err = f.service.Confirm(ctx, txn.ID, RoleBuyer)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome)
	assert.Equal(t, int64(0), f.gateway.releases.Load())
	assert.Equal(t, StatusPendingConfirmation, got.Status)
}

func TestReleaseTriggersExactlyOnce(t *testing.T) {
	orderings := []struct {
		name          string
		first, second Role
	}{
		{"buyer then owner", RoleBuyer, RoleOwner},
		{"owner then buyer", RoleOwner, RoleBuyer},
	}
	for _, tc := range orderings {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			txn := f.charged(t)
			ctx := context.Background()

			_, outcome, err := f.service.Confirm(ctx, txn.ID, tc.first)
			require.NoError(t, err)
			assert.Equal(t, OutcomeConfirmed, outcome)

			got, outcome, err := f.service.Confirm(ctx, txn.ID, tc.second)
			require.NoError(t, err)
			assert.Equal(t, OutcomeSealed, outcome)
			assert.Equal(t, StatusCompleted, got.Status)
			assert.Equal(t, EscrowReleased, got.EscrowState)
			assert.Equal(t, 4000.0, got.Commission)
			assert.Equal(t, int64(1), f.gateway.releases.Load())

			// Confirming after completion reports sealed without re-releasing.
			_, outcome, err = f.service.Confirm(ctx, txn.ID, tc.first)
			require.NoError(t, err)
			assert.Equal(t, OutcomeSealed, outcome)
			assert.Equal(t, int64(1), f.gateway.releases.Load())
		})
	}
}

func TestConcurrentConfirmationsReleaseOnce(t *testing.T) {
	f := newFixture(t)
	txn := f.charged(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, role := range []Role{RoleBuyer, RoleOwner} {
		wg.Add(1)
		go func(r Role) {
			defer wg.Done()
			_, _, err := f.service.Confirm(ctx, txn.ID, r)
			assert.NoError(t, err)
		}(role)
	}
	wg.Wait()

	got, err := f.store.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int64(1), f.gateway.releases.Load())
}

func TestReleaseFailureKeepsConfirmations(t *testing.T) {
	f := newFixture(t)
	txn := f.charged(t)
	ctx := context.Background()

	_, _, err := f.service.Confirm(ctx, txn.ID, RoleBuyer)
	require.NoError(t, err)

	f.gateway.failRelease.Store(true)
	got, outcome, err := f.service.Confirm(ctx, txn.ID, RoleOwner)
	require.NoError(t, err)

	// Soft success: confirmed but release pending.
	assert.Equal(t, OutcomeConfirmedPending, outcome)
	assert.Equal(t, StatusPendingConfirmation, got.Status)
	assert.Equal(t, EscrowHeld, got.EscrowState)
	assert.True(t, got.Confirmations.Both())

	// Once the provider recovers, a re-confirmation completes the release.
	f.gateway.failRelease.Store(false)
	got, outcome, err = f.service.Confirm(ctx, txn.ID, RoleOwner)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSealed, outcome)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestEndToEndSettlement(t *testing.T) {
	f := newFixture(t)
	txn := f.charged(t)
	ctx := context.Background()

	_, _, err := f.service.Confirm(ctx, txn.ID, RoleBuyer)
	require.NoError(t, err)
	got, outcome, err := f.service.Confirm(ctx, txn.ID, RoleOwner)
	require.NoError(t, err)
	f.service.Wait()

	assert.Equal(t, OutcomeSealed, outcome)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, EscrowReleased, got.EscrowState)
	assert.Equal(t, 4000.0, got.Commission)

	snap, err := f.payouts.SnapshotForTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 96000.0, snap.NetAmount)
	assert.Equal(t, 4000.0, snap.Commission)
}

func TestConfirmBeforeChargeRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.service.GenerateCode(ctx, "prop_1", "buyer_1")
	require.NoError(t, err)

	_, _, err = f.service.Confirm(ctx, txn.ID, RoleBuyer)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestLatestForUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.GenerateCode(ctx, "prop_1", "buyer_1")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.service.GenerateCode(ctx, "prop_1", "buyer_1")
	require.NoError(t, err)

	got, _, err := f.service.LatestForUser(ctx, "prop_1", "buyer_1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.NotEqual(t, first.ID, got.ID)

	// Owner sees the same deal.
	got, _, err = f.service.LatestForUser(ctx, "prop_1", "owner_1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, _, err = f.service.LatestForUser(ctx, "prop_1", "stranger")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestApplyFundedAdvancesCheckoutPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.service.GenerateCode(ctx, "prop_1", "buyer_1")
	require.NoError(t, err)
	_, err = f.service.VerifyCode(ctx, txn.ID, "123456")
	require.NoError(t, err)
	initiated, err := f.service.InitiatePayment(ctx, txn.ID, "bayo@example.com", "")
	require.NoError(t, err)

	applied, err := f.service.ApplyFunded(ctx, initiated.ProviderTxID)
	require.NoError(t, err)
	assert.True(t, applied)
	f.service.Wait()

	got, err := f.store.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingConfirmation, got.Status)
	assert.Equal(t, EscrowHeld, got.EscrowState)

	// Duplicate delivery is a reported no-op.
	applied, err = f.service.ApplyFunded(ctx, initiated.ProviderTxID)
	require.NoError(t, err)
	assert.False(t, applied)
	f.service.Wait()

	snap, err := f.payouts.SnapshotForTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 96000.0, snap.NetAmount)
}

func TestApplyRefundedMarksReversed(t *testing.T) {
	f := newFixture(t)
	txn := f.charged(t)
	ctx := context.Background()

	applied, err := f.service.ApplyRefunded(ctx, txn.ProviderTxID)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := f.store.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReversed, got.Status)
	assert.Equal(t, EscrowRefunded, got.EscrowState)
	assert.Equal(t, 1, got.ReversalCount)

	// Duplicate refund events report false and do not bump the count.
	applied, err = f.service.ApplyRefunded(ctx, txn.ProviderTxID)
	require.NoError(t, err)
	assert.False(t, applied)
	got, err = f.store.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ReversalCount)
}

func TestApplyDisputedFlagsEscrow(t *testing.T) {
	f := newFixture(t)
	txn := f.charged(t)
	ctx := context.Background()

	applied, err := f.service.ApplyDisputed(ctx, txn.ProviderTxID)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := f.store.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, EscrowDisputed, got.EscrowState)
	assert.Equal(t, StatusPendingConfirmation, got.Status)
}

func TestListByStatusPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.Create(ctx, &Transaction{
			ID:         fmt.Sprintf("txn_%d", i),
			PropertyID: "prop_1", BuyerID: "buyer_1", OwnerID: "owner_1",
			Amount: 100000, Currency: "NGN", DealType: property.DealSale,
			Status:    StatusPendingConfirmation,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	page, cursor, err := f.service.ListByStatusPage(ctx, StatusPendingConfirmation, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "txn_4", page[0].ID)
	assert.Equal(t, "txn_3", page[1].ID)
	require.NotEmpty(t, cursor)

	page, cursor, err = f.service.ListByStatusPage(ctx, StatusPendingConfirmation, cursor, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "txn_2", page[0].ID)
	assert.Equal(t, "txn_1", page[1].ID)
	require.NotEmpty(t, cursor)

	page, cursor, err = f.service.ListByStatusPage(ctx, StatusPendingConfirmation, cursor, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "txn_0", page[0].ID)
	assert.Empty(t, cursor)

	_, _, err = f.service.ListByStatusPage(ctx, StatusPendingConfirmation, "not-base64!", 2)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

package transaction

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XaidenLabs/lemonzee-settlement/internal/party"
	"github.com/XaidenLabs/lemonzee-settlement/internal/property"
	"github.com/XaidenLabs/lemonzee-settlement/internal/testutil"
)

func seedPGFixture(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()
	parties := party.NewPostgresStore(db)
	require.NoError(t, parties.Create(ctx, &party.Party{
		ID: "owner_1", Name: "Ada", Email: "ada@example.com",
	}))
	require.NoError(t, parties.Create(ctx, &party.Party{
		ID: "buyer_1", Name: "Bayo", Email: "bayo@example.com",
	}))
	props := property.NewPostgresStore(db)
	require.NoError(t, props.Create(ctx, &property.Property{
		ID: "prop_1", OwnerID: "owner_1", Title: "2-bed flat, Lekki",
		Price: 100000, Currency: "NGN", DealType: property.DealSale, Available: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
}

func pgTransaction(status Status, escrowState EscrowState) *Transaction {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Transaction{
		ID:           "txn_pg_1",
		PropertyID:   "prop_1",
		BuyerID:      "buyer_1",
		OwnerID:      "owner_1",
		Amount:       100000,
		Currency:     "NGN",
		DealType:     property.DealSale,
		Status:       status,
		EscrowState:  escrowState,
		ProviderTxID: "ps_pg_1",
		Snapshot:     DraftSnapshot{Title: "2-bed flat, Lekki", Price: 100000},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestPostgresRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedPGFixture(t, db)

	ctx := context.Background()
	store := NewPostgresStore(db)

	txn := pgTransaction(StatusCodeSent, "")
	txn.CodeHash = "deadbeef"
	txn.CodeExpiry = time.Now().Add(15 * time.Minute).UTC().Truncate(time.Millisecond)
	require.NoError(t, store.Create(ctx, txn))

	got, err := store.Get(ctx, "txn_pg_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCodeSent, got.Status)
	assert.Equal(t, "deadbeef", got.CodeHash)
	assert.Equal(t, "2-bed flat, Lekki", got.Snapshot.Title)
	assert.False(t, got.CodeExpiry.IsZero())

	byProvider, err := store.GetByProviderTx(ctx, "ps_pg_1")
	require.NoError(t, err)
	assert.Equal(t, "txn_pg_1", byProvider.ID)

	_, err = store.Get(ctx, "txn_missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestPostgresEmptyOptionalColumns(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedPGFixture(t, db)

	ctx := context.Background()

	// The fixture parties carry no phone or bank details and the fixture
	// transaction has no escrow state or snapshot extras yet. All of those
	// must survive a create/read cycle as empty strings.
	parties := party.NewPostgresStore(db)
	owner, err := parties.Get(ctx, "owner_1")
	require.NoError(t, err)
	assert.Empty(t, owner.Phone)
	assert.Empty(t, owner.BankAccountNumber)
	assert.Empty(t, owner.RecipientCode)

	props := property.NewPostgresStore(db)
	require.NoError(t, props.Create(ctx, &property.Property{
		ID: "prop_bare", OwnerID: "owner_1", Title: "Land, Epe",
		Price: 50000, DealType: property.DealSale, Available: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	prop, err := props.Get(ctx, "prop_bare")
	require.NoError(t, err)
	assert.Empty(t, prop.Description)
	assert.Empty(t, prop.PhotoURL)
	assert.Empty(t, prop.ContactPhone)

	store := NewPostgresStore(db)
	txn := pgTransaction(StatusCodeSent, "")
	require.NoError(t, store.Create(ctx, txn))
	got, err := store.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, EscrowState(""), got.EscrowState)
	assert.Empty(t, got.Snapshot.Description)
	assert.Empty(t, got.Snapshot.PhotoURL)
}

func TestPostgresClaimRelease(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedPGFixture(t, db)

	ctx := context.Background()
	store := NewPostgresStore(db)

	txn := pgTransaction(StatusPendingConfirmation, EscrowHeld)
	require.NoError(t, store.Create(ctx, txn))

	// Not claimable until both parties confirm.
	claimed, err := store.ClaimRelease(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	_, err = store.SetConfirmation(ctx, txn.ID, RoleBuyer)
	require.NoError(t, err)
	_, err = store.SetConfirmation(ctx, txn.ID, RoleOwner)
	require.NoError(t, err)

	claimed, err = store.ClaimRelease(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim loses.
	claimed, err = store.ClaimRelease(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, store.CompleteRelease(ctx, txn.ID, 4000))

	got, err := store.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, EscrowReleased, got.EscrowState)
	assert.Equal(t, 4000.0, got.Commission)
}

func TestPostgresMarkFundedIdempotent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedPGFixture(t, db)

	ctx := context.Background()
	store := NewPostgresStore(db)

	txn := pgTransaction(StatusInitiatedPayment, "")
	require.NoError(t, store.Create(ctx, txn))

	applied, err := store.MarkFunded(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.MarkFunded(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingConfirmation, got.Status)
	assert.Equal(t, EscrowHeld, got.EscrowState)
}

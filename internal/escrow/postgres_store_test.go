package escrow

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XaidenLabs/lemonzee-settlement/internal/party"
	"github.com/XaidenLabs/lemonzee-settlement/internal/testutil"
)

func seedPGParties(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()
	parties := party.NewPostgresStore(db)
	require.NoError(t, parties.Create(ctx, &party.Party{
		ID: "buyer_1", Name: "Bayo", Email: "bayo@example.com",
	}))
	require.NoError(t, parties.Create(ctx, &party.Party{
		ID: "seller_1", Name: "Seyi", Email: "seyi@example.com",
	}))
}

func TestPostgresApplyEventOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedPGParties(t, db)

	ctx := context.Background()
	store := NewPostgresStore(db)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.Create(ctx, &Escrow{
		ID: "esc_1", BuyerID: "buyer_1", SellerID: "seller_1",
		Amount: 50000, Currency: "NGN", Status: StatusPendingFund,
		ProviderTxID: "ps_esc_1", CreatedAt: now, UpdatedAt: now,
	}))

	applied, err := store.ApplyEvent(ctx, "esc_1", "evt_1", StatusFunded)
	require.NoError(t, err)
	assert.True(t, applied)

	// Replay is swallowed without touching the row.
	applied, err = store.ApplyEvent(ctx, "esc_1", "evt_1", StatusRefunded)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.Get(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, got.Status)
	assert.Equal(t, []string{"evt_1"}, got.ProviderEventIDs)

	// A later distinct event still lands.
	applied, err = store.ApplyEvent(ctx, "esc_1", "evt_2", StatusReleased)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err = store.Get(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Equal(t, []string{"evt_1", "evt_2"}, got.ProviderEventIDs)

	_, err = store.ApplyEvent(ctx, "esc_missing", "evt_3", StatusFunded)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestPostgresGetByProviderTx(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedPGParties(t, db)

	ctx := context.Background()
	store := NewPostgresStore(db)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.Create(ctx, &Escrow{
		ID: "esc_1", BuyerID: "buyer_1", SellerID: "seller_1",
		Amount: 50000, Currency: "NGN", Status: StatusPendingFund,
		ProviderTxID: "ps_esc_1", CreatedAt: now, UpdatedAt: now,
	}))

	got, err := store.GetByProviderTx(ctx, "ps_esc_1")
	require.NoError(t, err)
	assert.Equal(t, "esc_1", got.ID)

	_, err = store.GetByProviderTx(ctx, "ps_unknown")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

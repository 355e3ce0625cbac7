package escrow

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists escrows in PostgreSQL. Event application is a single
// guarded UPDATE, so two concurrent deliveries of the same event cannot both
// mutate the record.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const escrowColumns = `id, buyer_id, seller_id, property_id, amount, currency,
		       status, provider_tx_id, checkout_url, provider_event_ids,
		       created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.BuyerID, e.SellerID, nullString(e.PropertyID), e.Amount, e.Currency,
		string(e.Status), nullString(e.ProviderTxID), nullString(e.CheckoutURL),
		pq.Array(append([]string{}, e.ProviderEventIDs...)), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (s *PostgresStore) GetByProviderTx(ctx context.Context, providerTxID string) (*Escrow, error) {
	if providerTxID == "" {
		return nil, ErrEscrowNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE provider_tx_id = $1`, providerTxID)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (s *PostgresStore) ApplyEvent(ctx context.Context, id, eventID string, status Status) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE escrows
		SET provider_event_ids = array_append(provider_event_ids, $2),
		    status = CASE WHEN $3 = '' THEN status ELSE $3 END,
		    updated_at = NOW()
		WHERE id = $1 AND NOT ($2 = ANY(provider_event_ids))`,
		id, eventID, string(status))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}

	// No row touched: duplicate event, or the escrow does not exist.
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrEscrowNotFound
	}
	return false, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(sc scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		propertyID   sql.NullString
		status       string
		providerTxID sql.NullString
		checkoutURL  sql.NullString
		eventIDs     pq.StringArray
	)
	err := sc.Scan(
		&e.ID, &e.BuyerID, &e.SellerID, &propertyID, &e.Amount, &e.Currency,
		&status, &providerTxID, &checkoutURL, &eventIDs,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.PropertyID = propertyID.String
	e.Status = Status(status)
	e.ProviderTxID = providerTxID.String
	e.CheckoutURL = checkoutURL.String
	e.ProviderEventIDs = []string(eventIDs)
	return e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

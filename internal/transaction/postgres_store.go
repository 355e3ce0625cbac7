package transaction

import (
	"context"
	"database/sql"
	"time"

	"github.com/XaidenLabs/lemonzee-settlement/internal/property"
)

// PostgresStore persists transactions in PostgreSQL. The conditional
// mutations are single guarded UPDATE statements, so concurrent writers
// cannot double-apply a transition.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const txnColumns = `id, property_id, buyer_id, owner_id, amount, currency,
		    code_hash, code_expiry,
		    provider_tx_id, payment_reference, checkout_url, provider_metadata,
		    snapshot_title, snapshot_description, snapshot_price, snapshot_photo_url, snapshot_contact_phone,
		    deal_type, confirmed_buyer, confirmed_owner,
		    status, escrow_state, reversal_count, commission,
		    created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		t.ID, t.PropertyID, t.BuyerID, t.OwnerID, t.Amount, t.Currency,
		nullString(t.CodeHash), t.CodeExpiry,
		nullString(t.ProviderTxID), nullString(t.PaymentReference), nullString(t.CheckoutURL), nullBytes(t.ProviderMetadata),
		t.Snapshot.Title, nullString(t.Snapshot.Description), t.Snapshot.Price,
		nullString(t.Snapshot.PhotoURL), nullString(t.Snapshot.ContactPhone),
		string(t.DealType), t.Confirmations.Buyer, t.Confirmations.Owner,
		string(t.Status), nullString(string(t.EscrowState)), t.ReversalCount, t.Commission,
		t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (s *PostgresStore) Update(ctx context.Context, t *Transaction) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET
			amount = $1, currency = $2, code_hash = $3, code_expiry = $4,
			provider_tx_id = $5, payment_reference = $6, checkout_url = $7, provider_metadata = $8,
			confirmed_buyer = $9, confirmed_owner = $10,
			status = $11, escrow_state = $12, reversal_count = $13, commission = $14,
			updated_at = $15
		WHERE id = $16`,
		t.Amount, t.Currency, nullString(t.CodeHash), t.CodeExpiry,
		nullString(t.ProviderTxID), nullString(t.PaymentReference), nullString(t.CheckoutURL), nullBytes(t.ProviderMetadata),
		t.Confirmations.Buyer, t.Confirmations.Owner,
		string(t.Status), nullString(string(t.EscrowState)), t.ReversalCount, t.Commission,
		t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (s *PostgresStore) GetByProviderTx(ctx context.Context, providerTxID string) (*Transaction, error) {
	if providerTxID == "" {
		return nil, ErrTransactionNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE provider_tx_id = $1`, providerTxID)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (s *PostgresStore) LatestForUser(ctx context.Context, propertyID, userID string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE property_id = $1 AND (buyer_id = $2 OR owner_id = $2)
		ORDER BY created_at DESC
		LIMIT 1`, propertyID, userID)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListPage(ctx context.Context, status Status, before time.Time, beforeID string, limit int) ([]*Transaction, error) {
	query := `
		SELECT ` + txnColumns + `
		FROM transactions
		WHERE status = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	args := []interface{}{string(status), limit}
	if !before.IsZero() {
		query = `
		SELECT ` + txnColumns + `
		FROM transactions
		WHERE status = $1 AND (created_at, id) < ($3, $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
		args = append(args, before, beforeID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SetConfirmation(ctx context.Context, id string, role Role) (*Transaction, error) {
	col := "confirmed_buyer"
	switch role {
	case RoleBuyer:
	case RoleOwner:
		col = "confirmed_owner"
	default:
		return nil, ErrInvalidRole
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET `+col+` = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrTransactionNotFound
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) ClaimRelease(ctx context.Context, id string) (bool, error) {
	return s.guardedUpdate(ctx, `
		UPDATE transactions
		SET escrow_state = 'releasing', updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending_confirmation'
		  AND escrow_state = 'held'
		  AND confirmed_buyer AND confirmed_owner`, id)
}

func (s *PostgresStore) CompleteRelease(ctx context.Context, id string, commission float64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = 'completed', escrow_state = 'released', commission = $2, updated_at = NOW()
		WHERE id = $1 AND escrow_state = 'releasing'`, id, commission)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvalidStatus
	}
	return nil
}

func (s *PostgresStore) ReleaseFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET escrow_state = 'held', updated_at = NOW()
		WHERE id = $1 AND escrow_state = 'releasing'`, id)
	return err
}

func (s *PostgresStore) MarkFunded(ctx context.Context, id string) (bool, error) {
	return s.guardedUpdate(ctx, `
		UPDATE transactions
		SET status = 'pending_confirmation', escrow_state = 'held', updated_at = NOW()
		WHERE id = $1 AND status IN ('initiated_payment', 'verified')`, id)
}

func (s *PostgresStore) MarkReversed(ctx context.Context, id string, reversalCount int) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = 'reversed', escrow_state = 'refunded', reversal_count = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending_confirmation'`, id, reversalCount)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (s *PostgresStore) MarkDisputed(ctx context.Context, id string) (bool, error) {
	return s.guardedUpdate(ctx, `
		UPDATE transactions
		SET escrow_state = 'disputed', updated_at = NOW()
		WHERE id = $1 AND escrow_state = 'held'`, id)
}

func (s *PostgresStore) CountReversedByBuyer(ctx context.Context, buyerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE buyer_id = $1 AND status = 'reversed'`,
		buyerID).Scan(&count)
	return count, err
}

func (s *PostgresStore) guardedUpdate(ctx context.Context, query, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func scanTransaction(sc scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		codeHash     sql.NullString
		providerTxID sql.NullString
		paymentRef   sql.NullString
		checkoutURL  sql.NullString
		metadata     []byte
		description  sql.NullString
		photoURL     sql.NullString
		contactPhone sql.NullString
		dealType     string
		status       string
		escrowState  sql.NullString
	)
	err := sc.Scan(
		&t.ID, &t.PropertyID, &t.BuyerID, &t.OwnerID, &t.Amount, &t.Currency,
		&codeHash, &t.CodeExpiry,
		&providerTxID, &paymentRef, &checkoutURL, &metadata,
		&t.Snapshot.Title, &description, &t.Snapshot.Price, &photoURL, &contactPhone,
		&dealType, &t.Confirmations.Buyer, &t.Confirmations.Owner,
		&status, &escrowState, &t.ReversalCount, &t.Commission,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.CodeHash = codeHash.String
	t.ProviderTxID = providerTxID.String
	t.PaymentReference = paymentRef.String
	t.CheckoutURL = checkoutURL.String
	t.ProviderMetadata = metadata
	t.Snapshot.Description = description.String
	t.Snapshot.PhotoURL = photoURL.String
	t.Snapshot.ContactPhone = contactPhone.String
	t.DealType = property.DealType(dealType)
	t.Status = Status(status)
	t.EscrowState = EscrowState(escrowState.String)
	return t, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

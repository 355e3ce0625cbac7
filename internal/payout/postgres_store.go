package payout

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists payouts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const payoutColumns = `id, transaction_id, owner_id, buyer_id,
		       amount, amount_minor, commission, net_amount, net_amount_minor, currency,
		       status, method, provider_tx_id, provider_reference, failure_reason,
		       scheduled_at, disbursed_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Payout) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		p.ID, p.TransactionID, p.OwnerID, p.BuyerID,
		p.Amount, p.AmountMinor, p.Commission, p.NetAmount, p.NetAmountMinor, p.Currency,
		string(p.Status), string(p.Method),
		nullString(p.ProviderTxID), nullString(p.ProviderReference), nullString(p.FailureReason),
		nullTime(p.ScheduledAt), nullTime(p.DisbursedAt), p.CreatedAt, p.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation on transaction_id
		return ErrPayoutExists
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payout, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
	p, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	return p, err
}

func (s *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Payout, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE transaction_id = $1`, transactionID)
	p, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	return p, err
}

func (s *PostgresStore) Update(ctx context.Context, p *Payout) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payouts SET
			status = $1, method = $2, provider_reference = $3, failure_reason = $4,
			scheduled_at = $5, disbursed_at = $6, updated_at = $7
		WHERE id = $8`,
		string(p.Status), string(p.Method),
		nullString(p.ProviderReference), nullString(p.FailureReason),
		nullTime(p.ScheduledAt), nullTime(p.DisbursedAt), p.UpdatedAt,
		p.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payout, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayout(s scanner) (*Payout, error) {
	p := &Payout{}
	var (
		status       string
		method       string
		providerTxID sql.NullString
		providerRef  sql.NullString
		failReason   sql.NullString
		scheduledAt  sql.NullTime
		disbursedAt  sql.NullTime
	)
	err := s.Scan(
		&p.ID, &p.TransactionID, &p.OwnerID, &p.BuyerID,
		&p.Amount, &p.AmountMinor, &p.Commission, &p.NetAmount, &p.NetAmountMinor, &p.Currency,
		&status, &method, &providerTxID, &providerRef, &failReason,
		&scheduledAt, &disbursedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	p.Method = Method(method)
	p.ProviderTxID = providerTxID.String
	p.ProviderReference = providerRef.String
	p.FailureReason = failReason.String
	if scheduledAt.Valid {
		p.ScheduledAt = &scheduledAt.Time
	}
	if disbursedAt.Valid {
		p.DisbursedAt = &disbursedAt.Time
	}
	return p, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)

package party

import (
	"context"
	"database/sql"
)

// PostgresStore persists party records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed party store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const partyColumns = `id, name, email, phone, bank_account_number, bank_code,
		       bank_account_name, recipient_code`

func (s *PostgresStore) Create(ctx context.Context, p *Party) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parties (`+partyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Name, p.Email, nullString(p.Phone),
		nullString(p.BankAccountNumber), nullString(p.BankCode),
		nullString(p.BankAccountName), nullString(p.RecipientCode),
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Party, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+partyColumns+` FROM parties WHERE id = $1`, id)

	p := &Party{}
	var phone, acctNumber, bankCode, acctName, recipientCode sql.NullString
	err := row.Scan(
		&p.ID, &p.Name, &p.Email, &phone,
		&acctNumber, &bankCode, &acctName, &recipientCode,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPartyNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Phone = phone.String
	p.BankAccountNumber = acctNumber.String
	p.BankCode = bankCode.String
	p.BankAccountName = acctName.String
	p.RecipientCode = recipientCode.String
	return p, nil
}

func (s *PostgresStore) SetRecipientCode(ctx context.Context, id, code string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE parties SET recipient_code = $1 WHERE id = $2`, code, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPartyNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)

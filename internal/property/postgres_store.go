package property

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists property records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed property store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const propertyColumns = `id, owner_id, title, description, price, currency, deal_type,
		       photo_url, contact_phone, available, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pr *Property) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO properties (`+propertyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		pr.ID, pr.OwnerID, pr.Title, nullString(pr.Description),
		pr.Price, nullString(pr.Currency), string(pr.DealType),
		nullString(pr.PhotoURL), nullString(pr.ContactPhone),
		pr.Available, pr.CreatedAt, pr.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Property, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id = $1`, id)

	pr := &Property{}
	var (
		description  sql.NullString
		currency     sql.NullString
		photoURL     sql.NullString
		contactPhone sql.NullString
		dealType     string
	)
	err := row.Scan(
		&pr.ID, &pr.OwnerID, &pr.Title, &description,
		&pr.Price, &currency, &dealType,
		&photoURL, &contactPhone, &pr.Available,
		&pr.CreatedAt, &pr.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPropertyNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.Description = description.String
	pr.Currency = currency.String
	pr.PhotoURL = photoURL.String
	pr.ContactPhone = contactPhone.String
	pr.DealType = DealType(dealType)
	return pr, nil
}

func (p *PostgresStore) SetAvailability(ctx context.Context, id string, available bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE properties SET available = $1, updated_at = $2 WHERE id = $3`,
		available, time.Now(), id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPropertyNotFound
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

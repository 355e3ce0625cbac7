// Package property is the listing collaborator boundary for the settlement
// engine. Listing CRUD lives elsewhere; the engine only needs enough of a
// property record to snapshot it into a transaction draft and to relist it
// after an automatic reversal.
package property

import (
	"context"
	"errors"
	"time"
)

var ErrPropertyNotFound = errors.New("property not found")

// DealType determines the confirmation deadline window for a transaction.
type DealType string

const (
	DealSale  DealType = "sale"
	DealRent  DealType = "rent"
	DealLease DealType = "lease"
)

// Property is the subset of a listing the settlement engine reads.
type Property struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Price        float64   `json:"price"`
	Currency     string    `json:"currency,omitempty"`
	DealType     DealType  `json:"dealType"`
	PhotoURL     string    `json:"photoUrl,omitempty"`
	ContactPhone string    `json:"contactPhone,omitempty"`
	Available    bool      `json:"available"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store persists property records.
type Store interface {
	Create(ctx context.Context, p *Property) error
	Get(ctx context.Context, id string) (*Property, error)
	// SetAvailability flips the listing's availability, e.g. relisting a
	// property after a reversed transaction.
	SetAvailability(ctx context.Context, id string, available bool) error
}

// Package store defines the persistence interface for the ledger service and
// provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for the ledger service.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)

	// Credit ledger. GrantCredits atomically appends a ledger row keyed by the
	// source event ID and increments the user's balance. Redelivery of the
	// same event ID is a no-op that returns the original receipt with
	// Duplicate set.
	GrantCredits(ctx context.Context, grant *Grant) (*GrantReceipt, error)
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)

	// Catalog mirror
	UpsertProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)
	UpsertPrice(ctx context.Context, p *Price) error
	GetPrice(ctx context.Context, id string) (*Price, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a Flowgrid account mirrored from the auth provider.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
}

// Grant describes one credit grant to apply.
type Grant struct {
	ID        string `json:"id"`       // ledger row ID
	EventID   string `json:"event_id"` // de-duplication key: the source webhook event ID
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
	Credits   int    `json:"credits"`
}

// GrantReceipt is the result of an applied (or deduplicated) grant.
type GrantReceipt struct {
	LedgerID  string `json:"ledger_id"`
	UserID    string `json:"user_id"`
	Credits   int    `json:"credits"`
	Balance   int    `json:"balance"`   // balance after the grant
	Duplicate bool   `json:"duplicate"` // true when the event was already applied
}

// LedgerEntry is one row of the credit ledger.
type LedgerEntry struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	UserID    string    `json:"user_id"`
	ProductID string    `json:"product_id"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
}

// Product mirrors a Stripe product pushed by catalog webhooks.
type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Active    bool            `json:"active"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Price mirrors a Stripe price pushed by catalog webhooks.
type Price struct {
	ID         string    `json:"id"`
	ProductID  string    `json:"product_id"`
	UnitAmount int64     `json:"unit_amount"`
	Currency   string    `json:"currency"`
	Active     bool      `json:"active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

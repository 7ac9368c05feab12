package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			credits INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS credit_ledger (
			id TEXT PRIMARY KEY,
			event_id TEXT UNIQUE NOT NULL,
			user_id TEXT NOT NULL REFERENCES users(id),
			product_id TEXT NOT NULL DEFAULT '',
			credits INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_ledger_user_id ON credit_ledger(user_id)`,
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			metadata TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS prices (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL DEFAULT '',
			unit_amount INTEGER NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, credits, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Email, user.Credits, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, credits, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.Credits, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GrantCredits applies a grant inside a single transaction. The UNIQUE
// constraint on event_id makes retried webhook deliveries a detected no-op.
func (s *SQLiteStore) GrantCredits(ctx context.Context, grant *Grant) (*GrantReceipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin grant tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO credit_ledger (id, event_id, user_id, product_id, credits, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		grant.ID, grant.EventID, grant.UserID, grant.ProductID, grant.Credits, time.Now())
	if err != nil {
		return nil, fmt.Errorf("insert ledger row: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert ledger row: %w", err)
	}

	if inserted == 0 {
		// Event already applied; report the original row.
		var receipt GrantReceipt
		err := tx.QueryRowContext(ctx,
			`SELECT l.id, l.user_id, l.credits, u.credits
			 FROM credit_ledger l JOIN users u ON u.id = l.user_id
			 WHERE l.event_id = ?`, grant.EventID).
			Scan(&receipt.LedgerID, &receipt.UserID, &receipt.Credits, &receipt.Balance)
		if err != nil {
			return nil, fmt.Errorf("load duplicate grant: %w", err)
		}
		receipt.Duplicate = true
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit grant tx: %w", err)
		}
		return &receipt, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET credits = credits + ? WHERE id = ?`, grant.Credits, grant.UserID); err != nil {
		return nil, fmt.Errorf("increment balance: %w", err)
	}

	var balance int
	if err := tx.QueryRowContext(ctx,
		`SELECT credits FROM users WHERE id = ?`, grant.UserID).Scan(&balance); err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit grant tx: %w", err)
	}

	return &GrantReceipt{
		LedgerID: grant.ID,
		UserID:   grant.UserID,
		Credits:  grant.Credits,
		Balance:  balance,
	}, nil
}

func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, user_id, product_id, credits, created_at
		 FROM credit_ledger WHERE user_id = ?
		 ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.EventID, &e.UserID, &e.ProductID, &e.Credits, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) UpsertProduct(ctx context.Context, p *Product) error {
	metadata := "{}"
	if len(p.Metadata) > 0 {
		metadata = string(p.Metadata)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO products (id, name, active, metadata, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Active, metadata, time.Now())
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	var p Product
	var metadata string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, active, metadata, updated_at FROM products WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Active, &metadata, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	p.Metadata = []byte(metadata)
	return &p, nil
}

func (s *SQLiteStore) UpsertPrice(ctx context.Context, p *Price) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prices (id, product_id, unit_amount, currency, active, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			product_id = excluded.product_id,
			unit_amount = excluded.unit_amount,
			currency = excluded.currency,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		p.ID, p.ProductID, p.UnitAmount, p.Currency, p.Active, time.Now())
	if err != nil {
		return fmt.Errorf("upsert price: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPrice(ctx context.Context, id string) (*Price, error) {
	var p Price
	err := s.db.QueryRowContext(ctx,
		`SELECT id, product_id, unit_amount, currency, active, updated_at FROM prices WHERE id = ?`, id).
		Scan(&p.ID, &p.ProductID, &p.UnitAmount, &p.Currency, &p.Active, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get price: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			credits INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS credit_ledger (
			id TEXT PRIMARY KEY,
			event_id TEXT UNIQUE NOT NULL,
			user_id TEXT NOT NULL REFERENCES users(id),
			product_id TEXT NOT NULL DEFAULT '',
			credits INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_ledger_user_id ON credit_ledger(user_id)`,
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			metadata JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS prices (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL DEFAULT '',
			unit_amount BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, credits, created_at) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Email, user.Credits, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, credits, created_at FROM users WHERE id = $1`, id).
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
func (s *PostgresStore) GrantCredits(ctx context.Context, grant *Grant) (*GrantReceipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin grant tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO credit_ledger (id, event_id, user_id, product_id, credits, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (event_id) DO NOTHING`,
		grant.ID, grant.EventID, grant.UserID, grant.ProductID, grant.Credits)
	if err != nil {
		return nil, fmt.Errorf("insert ledger row: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert ledger row: %w", err)
	}

	if inserted == 0 {
		var receipt GrantReceipt
		err := tx.QueryRowContext(ctx,
			`SELECT l.id, l.user_id, l.credits, u.credits
			 FROM credit_ledger l JOIN users u ON u.id = l.user_id
			 WHERE l.event_id = $1`, grant.EventID).
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

	var balance int
	if err := tx.QueryRowContext(ctx,
		`UPDATE users SET credits = credits + $1 WHERE id = $2 RETURNING credits`,
		grant.Credits, grant.UserID).Scan(&balance); err != nil {
		return nil, fmt.Errorf("increment balance: %w", err)
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

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, user_id, product_id, credits, created_at
		 FROM credit_ledger WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`, userID, limit)
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

func (s *PostgresStore) UpsertProduct(ctx context.Context, p *Product) error {
	metadata := []byte("{}")
	if len(p.Metadata) > 0 {
		metadata = p.Metadata
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO products (id, name, active, metadata, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.Active, metadata)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	var p Product
	var metadata []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, active, metadata, updated_at FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Active, &metadata, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	p.Metadata = metadata
	return &p, nil
}

func (s *PostgresStore) UpsertPrice(ctx context.Context, p *Price) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prices (id, product_id, unit_amount, currency, active, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (id) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			unit_amount = EXCLUDED.unit_amount,
			currency = EXCLUDED.currency,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.ProductID, p.UnitAmount, p.Currency, p.Active)
	if err != nil {
		return fmt.Errorf("upsert price: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPrice(ctx context.Context, id string) (*Price, error) {
	var p Price
	err := s.db.QueryRowContext(ctx,
		`SELECT id, product_id, unit_amount, currency, active, updated_at FROM prices WHERE id = $1`, id).
		Scan(&p.ID, &p.ProductID, &p.UnitAmount, &p.Currency, &p.Active, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get price: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

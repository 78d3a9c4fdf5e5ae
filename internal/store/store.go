package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// SchemaError reports a table/column that the legacy schema under this
// deployment does not carry. Probes happen once at startup; consumers fall
// back to an alternate query shape where one exists.
type SchemaError struct {
	Table  string
	Column string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: no usable column on %s (tried %s)", e.Table, e.Column)
}

// providerBalanceColumns lists the legacy aliases the provider balance has
// been stored under, in probe priority order.
var providerBalanceColumns = []string{
	"provider_balance",
	"balance_provider",
	"seller_balance",
	"earnings",
}

type Store struct {
	db *sqlx.DB

	// resolved once by probeSchema; empty means the profiles table carries
	// no provider balance column and provider credits must be skipped.
	providerBalanceColumn string
}

// NewStore connects to the backing relational store and resolves the legacy
// provider-balance column.
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.probeSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// probeSchema resolves which provider-balance alias this deployment's
// profiles table carries. Resolution is cached for the process lifetime.
func (s *Store) probeSchema(ctx context.Context) error {
	var present []string
	query, args, err := sqlx.In(
		"SELECT column_name FROM information_schema.columns WHERE table_name = 'profiles' AND column_name IN (?)",
		providerBalanceColumns)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)
	if err := s.db.SelectContext(ctx, &present, query, args...); err != nil {
		return fmt.Errorf("failed to probe profiles schema: %w", err)
	}

	found := make(map[string]bool, len(present))
	for _, c := range present {
		found[c] = true
	}
	for _, c := range providerBalanceColumns {
		if found[c] {
			s.providerBalanceColumn = c
			return nil
		}
	}
	return nil
}

// ProviderBalanceColumn returns the resolved provider-balance column, or a
// SchemaError when the table carries none of the known aliases.
func (s *Store) ProviderBalanceColumn() (string, error) {
	if s.providerBalanceColumn == "" {
		return "", &SchemaError{Table: "profiles", Column: fmt.Sprintf("%v", providerBalanceColumns)}
	}
	return s.providerBalanceColumn, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByProvider retrieves all products owned by a provider
func (s *Store) GetProductsByProvider(ctx context.Context, providerID int64) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products,
		"SELECT * FROM products WHERE provider_id = $1 ORDER BY id", providerID)
	return products, err
}

// UpdateProductStock rewrites a product's cached stock value. The cache is
// never authoritative; this is the only writer.
func (s *Store) UpdateProductStock(ctx context.Context, productID int64, stock int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE products SET stock_available = $1 WHERE id = $2", stock, productID)
	return err
}

// GetBuyerBalance reads a buyer's current balance.
func (s *Store) GetBuyerBalance(ctx context.Context, profileID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.GetContext(ctx, &balance,
		"SELECT balance FROM profiles WHERE id = $1", profileID)
	if err == sql.ErrNoRows {
		return decimal.Zero, fmt.Errorf("profile not found: %d", profileID)
	}
	return balance, err
}

// AdjustBuyerBalance applies a signed delta to a buyer balance as a single
// atomic statement. A debit that would take the balance below zero updates
// nothing and returns ErrInsufficientFunds.
func (s *Store) AdjustBuyerBalance(ctx context.Context, profileID int64, delta decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET balance = balance + $1 WHERE id = $2 AND balance + $1 >= 0",
		delta, profileID)
	if err != nil {
		return fmt.Errorf("failed to adjust buyer balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists,
			"SELECT EXISTS(SELECT 1 FROM profiles WHERE id = $1)", profileID); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("profile not found: %d", profileID)
		}
		return models.ErrInsufficientFunds
	}
	return nil
}

// GetProviderBalance reads a provider's current balance from the resolved
// legacy column.
func (s *Store) GetProviderBalance(ctx context.Context, profileID int64) (decimal.Decimal, error) {
	col, err := s.ProviderBalanceColumn()
	if err != nil {
		return decimal.Zero, err
	}
	var balance decimal.Decimal
	err = s.db.GetContext(ctx, &balance,
		fmt.Sprintf("SELECT COALESCE(%s, 0) FROM profiles WHERE id = $1", col), profileID)
	if err == sql.ErrNoRows {
		return decimal.Zero, fmt.Errorf("profile not found: %d", profileID)
	}
	return balance, err
}

// AdjustProviderBalance applies a signed delta to a provider balance as a
// single atomic statement, refusing to go below zero.
func (s *Store) AdjustProviderBalance(ctx context.Context, profileID int64, delta decimal.Decimal) error {
	col, err := s.ProviderBalanceColumn()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE profiles SET %s = COALESCE(%s, 0) + $1 WHERE id = $2 AND COALESCE(%s, 0) + $1 >= 0", col, col, col),
		delta, profileID)
	if err != nil {
		return fmt.Errorf("failed to adjust provider balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrInsufficientFunds
	}
	return nil
}

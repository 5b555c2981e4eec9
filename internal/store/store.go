package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"order-engine/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the Postgres-backed Order Store and catalog reader.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
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

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

const productSnapshotQuery = `
	SELECT p.id AS product_id, p.seller_id, p.name, p.price, s.commission_rate, p.available_quantity
	FROM products p
	JOIN sellers s ON s.id = p.seller_id
	WHERE p.id = $1`

// GetProduct returns the current catalog snapshot of a product.
func (s *Store) GetProduct(ctx context.Context, productID string) (*models.ProductSnapshot, error) {
	var p models.ProductSnapshot
	err := s.db.GetContext(ctx, &p, productSnapshotQuery, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetSellerCommissionRates returns the current commission percentage per seller.
// Sellers without a row are absent from the result.
func (s *Store) GetSellerCommissionRates(ctx context.Context, sellerIDs []string) (map[string]decimal.Decimal, error) {
	return sellerCommissionRates(ctx, s.db, sellerIDs)
}

func sellerCommissionRates(ctx context.Context, q sqlx.QueryerContext, sellerIDs []string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal, len(sellerIDs))
	if len(sellerIDs) == 0 {
		return rates, nil
	}

	query, args, err := sqlx.In("SELECT id, commission_rate FROM sellers WHERE id IN (?)", sellerIDs)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ID   string          `db:"id"`
		Rate decimal.Decimal `db:"commission_rate"`
	}
	if err := sqlx.SelectContext(ctx, q, &rows, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return nil, err
	}
	for _, r := range rows {
		rates[r.ID] = r.Rate
	}
	return rates, nil
}

// UpsertSeller creates or updates a seller's commission rate.
func (s *Store) UpsertSeller(ctx context.Context, sellerID string, rate decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sellers (id, commission_rate) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET commission_rate = EXCLUDED.commission_rate, updated_at = NOW()`,
		sellerID, rate)
	return err
}

// UpsertProduct creates or updates a catalog product.
func (s *Store) UpsertProduct(ctx context.Context, p models.ProductSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, seller_id, name, price, available_quantity) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			seller_id = EXCLUDED.seller_id, name = EXCLUDED.name, price = EXCLUDED.price,
			available_quantity = EXCLUDED.available_quantity, updated_at = NOW()`,
		p.ProductID, p.SellerID, p.Name, p.Price, p.AvailableQuantity)
	return err
}

// ProductStock returns the available quantity of every catalog product.
func (s *Store) ProductStock(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		ID        string `db:"id"`
		Available int    `db:"available_quantity"`
	}
	if err := s.db.SelectContext(ctx, &rows, "SELECT id, available_quantity FROM products"); err != nil {
		return nil, err
	}
	stock := make(map[string]int, len(rows))
	for _, r := range rows {
		stock[r.ID] = r.Available
	}
	return stock, nil
}

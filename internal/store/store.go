package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

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

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetItem retrieves an inventory item by ID
func (s *Store) GetItem(ctx context.Context, tenantID, itemID string) (*models.InventoryItem, error) {
	var item models.InventoryItem
	err := s.db.GetContext(ctx, &item,
		"SELECT * FROM inventory_items WHERE tenant_id = $1 AND id = $2", tenantID, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory item %s: %w", itemID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetItemByProduct retrieves the inventory item backing a product
func (s *Store) GetItemByProduct(ctx context.Context, tenantID, productID string) (*models.InventoryItem, error) {
	var item models.InventoryItem
	err := s.db.GetContext(ctx, &item,
		"SELECT * FROM inventory_items WHERE tenant_id = $1 AND product_id = $2", tenantID, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory for product %s: %w", productID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// UpdateItemCounts writes new stock counters for an item. The update only
// lands if the row still carries the version the caller read; otherwise
// models.ErrVersionConflict is returned and the caller re-reads and retries.
func (s *Store) UpdateItemCounts(ctx context.Context, item *models.InventoryItem) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_items
		SET available_quantity = $1, reserved_quantity = $2, version = version + 1, updated_at = NOW()
		WHERE tenant_id = $3 AND id = $4 AND version = $5`,
		item.AvailableQuantity, item.ReservedQuantity, item.TenantID, item.ID, item.Version)
	if err != nil {
		return fmt.Errorf("failed to update inventory counts: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return models.ErrVersionConflict
	}

	item.Version++
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
)

// LoadOrder retrieves an order with its items
func (s *Store) LoadOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	err = s.db.SelectContext(ctx, &order.Items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}

	return &order, nil
}

// SaveOrder writes back mutable order fields
func (s *Store) SaveOrder(ctx context.Context, order *models.Order) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		order.Status, order.ID)
	return err
}

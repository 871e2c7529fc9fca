package store

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
)

// CreateReservation inserts a new reservation line
func (s *Store) CreateReservation(ctx context.Context, r *models.Reservation) error {
	query := `
		INSERT INTO reservations
			(id, tenant_id, order_id, inventory_item_id, product_id, sku,
			 reserved_quantity, status, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		r.ID, r.TenantID, r.OrderID, r.InventoryItemID, r.ProductID, r.SKU,
		r.ReservedQuantity, r.Status, r.ExpiresAt, r.Version).
		Scan(&r.CreatedAt, &r.UpdatedAt)
}

// GetReservations retrieves all lines of a reservation
func (s *Store) GetReservations(ctx context.Context, tenantID, reservationID string) ([]models.Reservation, error) {
	var rs []models.Reservation
	err := s.db.SelectContext(ctx, &rs,
		"SELECT * FROM reservations WHERE tenant_id = $1 AND id = $2 ORDER BY inventory_item_id",
		tenantID, reservationID)
	return rs, err
}

// GetReservationsByOrderID retrieves all reservation lines for an order
func (s *Store) GetReservationsByOrderID(ctx context.Context, tenantID, orderID string) ([]models.Reservation, error) {
	var rs []models.Reservation
	err := s.db.SelectContext(ctx, &rs,
		"SELECT * FROM reservations WHERE tenant_id = $1 AND order_id = $2 ORDER BY inventory_item_id",
		tenantID, orderID)
	return rs, err
}

// TransitionReservation flips one reservation line from one status to
// another. It reports whether the flip happened; a line already out of the
// from status is left untouched so terminal lines are skipped, not errored.
func (s *Store) TransitionReservation(ctx context.Context, tenantID, reservationID, itemID string, from, to models.ReservationStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE tenant_id = $2 AND id = $3 AND inventory_item_id = $4 AND status = $5`,
		to, tenantID, reservationID, itemID, from)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ListExpiredReservations returns Active lines whose TTL has elapsed
func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	var rs []models.Reservation
	err := s.db.SelectContext(ctx, &rs, `
		SELECT * FROM reservations
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3`,
		models.ReservationStatusActive, now, limit)
	return rs, err
}

package service

import (
	"context"
	"time"

	"fulfillment-service/internal/reservation"
	"fulfillment-service/internal/saga"
)

// InventoryClient adapts the in-process reservation engine to the saga's
// inventory port.
type InventoryClient struct {
	engine *reservation.Engine
}

// NewInventoryClient creates the saga-side inventory adapter
func NewInventoryClient(engine *reservation.Engine) *InventoryClient {
	return &InventoryClient{engine: engine}
}

// Reserve places a hold for the order's items
func (ic *InventoryClient) Reserve(ctx context.Context, tc saga.TenantContext, orderID string, items []reservation.ItemRequest, ttl time.Duration) (*reservation.ReserveResult, error) {
	return ic.engine.Reserve(ctx, tc.TenantID, orderID, items, ttl)
}

// Confirm converts the order's hold into a final stock deduction
func (ic *InventoryClient) Confirm(ctx context.Context, tc saga.TenantContext, reservationID string) error {
	return ic.engine.Confirm(ctx, tc.TenantID, reservationID)
}

// Release returns the order's hold to available stock
func (ic *InventoryClient) Release(ctx context.Context, tc saga.TenantContext, reservationID, reason string) error {
	_, err := ic.engine.Release(ctx, tc.TenantID, reservationID, reason)
	return err
}

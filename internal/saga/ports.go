package saga

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/reservation"
)

// TenantContext identifies the tenant and acting user on remote calls.
type TenantContext struct {
	TenantID string
	UserID   string
}

// ValidationResult is the user validator's answer.
type ValidationResult struct {
	IsValid  bool `json:"is_valid"`
	IsActive bool `json:"is_active"`
}

// UserValidator checks the ordering user. Read-only: it needs no
// compensation.
type UserValidator interface {
	Validate(ctx context.Context, tc TenantContext, userID string) (*ValidationResult, error)
}

// ChargeRequest asks the gateway to charge an order.
type ChargeRequest struct {
	OrderID          string `json:"order_id"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Currency         string `json:"currency"`
	Method           string `json:"method"`
	Token            string `json:"token"`
	IdempotencyKey   string `json:"idempotency_key"`
}

// ChargeResult is the gateway's answer.
type ChargeResult struct {
	Success       bool   `json:"success"`
	Status        string `json:"status"`
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
	ErrorMessage  string `json:"error_message"`
}

// PaymentGateway charges and refunds orders.
type PaymentGateway interface {
	Charge(ctx context.Context, tc TenantContext, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, tc TenantContext, paymentID string, amount int64, reason string) error
}

// InventoryClient is the saga-side reservation surface.
type InventoryClient interface {
	Reserve(ctx context.Context, tc TenantContext, orderID string, items []reservation.ItemRequest, ttl time.Duration) (*reservation.ReserveResult, error)
	Confirm(ctx context.Context, tc TenantContext, reservationID string) error
	Release(ctx context.Context, tc TenantContext, reservationID, reason string) error
}

// OrderStore loads and saves the order aggregate.
type OrderStore interface {
	LoadOrder(ctx context.Context, orderID string) (*models.Order, error)
	SaveOrder(ctx context.Context, order *models.Order) error
}

// SagaStore persists saga executions so restarts do not drop in-flight
// sagas.
type SagaStore interface {
	CreateSaga(ctx context.Context, sx *models.SagaExecution) error
	UpdateSaga(ctx context.Context, sx *models.SagaExecution) error
	GetSagaByOrderID(ctx context.Context, orderID string) (*models.SagaExecution, error)
	ListOverdueSagas(ctx context.Context, now time.Time, limit int) ([]models.SagaExecution, error)
	DeleteTerminalSagasBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// EventSink publishes lifecycle events, fire-and-forget.
type EventSink interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
}

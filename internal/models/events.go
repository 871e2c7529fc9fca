package models

import "time"

// Event types published to the event sink
const (
	EventTypeSagaStarted         = "SAGA_STARTED"
	EventTypeSagaStepCompleted   = "SAGA_STEP_COMPLETED"
	EventTypeSagaCompleted       = "SAGA_COMPLETED"
	EventTypeSagaCompensated     = "SAGA_COMPENSATED"
	EventTypeSagaFailed          = "SAGA_FAILED"
	EventTypeOrderConfirmed      = "ORDER_CONFIRMED"
	EventTypeOrderCancelled      = "ORDER_CANCELLED"
	EventTypeReservationReleased = "RESERVATION_RELEASED"
	EventTypeReservationExpired  = "RESERVATION_EXPIRED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// SagaStartedEvent published when order processing begins
type SagaStartedEvent struct {
	BaseEvent
	SagaID   string `json:"saga_id"`
	OrderID  string `json:"order_id"`
	TenantID string `json:"tenant_id"`
}

// SagaStepCompletedEvent published after each successful step
type SagaStepCompletedEvent struct {
	BaseEvent
	SagaID  string   `json:"saga_id"`
	OrderID string   `json:"order_id"`
	Step    SagaStep `json:"step"`
}

// SagaCompletedEvent published when the saga reaches Completed
type SagaCompletedEvent struct {
	BaseEvent
	SagaID    string `json:"saga_id"`
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id,omitempty"`
}

// SagaCompensatedEvent published after compensation finishes
type SagaCompensatedEvent struct {
	BaseEvent
	SagaID        string   `json:"saga_id"`
	OrderID       string   `json:"order_id"`
	FailedStep    SagaStep `json:"failed_step"`
	Reason        string   `json:"reason"`
	ActionsFailed int      `json:"actions_failed"`
}

// SagaFailedEvent published when a saga is failed by the timeout sweep
type SagaFailedEvent struct {
	BaseEvent
	SagaID  string `json:"saga_id"`
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderConfirmedEvent published when the order is fully confirmed
type OrderConfirmedEvent struct {
	BaseEvent
	OrderID  string `json:"order_id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// OrderCancelledEvent published when compensation cancels an order
type OrderCancelledEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// ReservationReleasedEvent published when a hold returns to stock
type ReservationReleasedEvent struct {
	BaseEvent
	ReservationID string `json:"reservation_id"`
	OrderID       string `json:"order_id"`
	Reason        string `json:"reason"`
	Lines         int    `json:"lines"`
}

// OrderProcessingRequest is the intake message that starts a saga for an
// existing order. It arrives over HTTP or the intake topic.
type OrderProcessingRequest struct {
	OrderID          string    `json:"order_id"`
	PaymentMethod    string    `json:"payment_method"`
	PaymentToken     string    `json:"payment_token"`
	IdempotencyToken string    `json:"idempotency_token,omitempty"`
	RequestedAt      time.Time `json:"requested_at"`
}

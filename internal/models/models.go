package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared between the stores and the engines.
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

// SagaStatus is the lifecycle state of a saga execution.
type SagaStatus string

const (
	SagaStatusStarted      SagaStatus = "STARTED"
	SagaStatusInProgress   SagaStatus = "IN_PROGRESS"
	SagaStatusCompleted    SagaStatus = "COMPLETED"
	SagaStatusCompensating SagaStatus = "COMPENSATING"
	SagaStatusCompensated  SagaStatus = "COMPENSATED"
	SagaStatusFailed       SagaStatus = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s SagaStatus) Terminal() bool {
	return s == SagaStatusCompleted || s == SagaStatusCompensated || s == SagaStatusFailed
}

// SagaStep identifies the current position in the step sequence.
type SagaStep string

const (
	StepUserValidation       SagaStep = "USER_VALIDATION"
	StepInventoryReservation SagaStep = "INVENTORY_RESERVATION"
	StepPaymentProcessing    SagaStep = "PAYMENT_PROCESSING"
	StepOrderConfirmation    SagaStep = "ORDER_CONFIRMATION"
	StepCompleted            SagaStep = "COMPLETED"
)

// StringMap is a string→string map stored as JSONB.
type StringMap map[string]string

// Value implements driver.Valuer.
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *StringMap) Scan(src interface{}) error {
	if src == nil {
		*m = StringMap{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into StringMap", src)
	}
	return json.Unmarshal(b, m)
}

// SagaExecution tracks one order-processing saga. Step advances
// forward-only on the happy path; status transitions are one-directional
// except the compensation branch.
type SagaExecution struct {
	ID            string     `db:"id" json:"id"`
	OrderID       string     `db:"order_id" json:"order_id"`
	TenantID      string     `db:"tenant_id" json:"tenant_id"`
	Status        SagaStatus `db:"status" json:"status"`
	CurrentStep   SagaStep   `db:"current_step" json:"current_step"`
	SagaData      StringMap  `db:"saga_data" json:"saga_data"`
	StartedAt     time.Time  `db:"started_at" json:"started_at"`
	LastUpdatedAt time.Time  `db:"last_updated_at" json:"last_updated_at"`
	TimeoutAt     time.Time  `db:"timeout_at" json:"timeout_at"`
	RetryCount    int        `db:"retry_count" json:"retry_count"`
	ErrorMessage  string     `db:"error_message" json:"error_message,omitempty"`
}

// ReservationStatus is the lifecycle state of an inventory hold.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "ACTIVE"
	ReservationStatusConfirmed ReservationStatus = "CONFIRMED"
	ReservationStatusReleased  ReservationStatus = "RELEASED"
	ReservationStatusExpired   ReservationStatus = "EXPIRED"
)

// Terminal reports whether the hold can no longer change.
func (s ReservationStatus) Terminal() bool {
	return s != ReservationStatusActive
}

// Reservation is a TTL-bounded hold on inventory quantity. One row exists
// per inventory item in the reservation; rows of a multi-item reservation
// share the same ID and are keyed by (ID, InventoryItemID).
type Reservation struct {
	ID               string            `db:"id" json:"id"`
	TenantID         string            `db:"tenant_id" json:"tenant_id"`
	OrderID          string            `db:"order_id" json:"order_id"`
	InventoryItemID  string            `db:"inventory_item_id" json:"inventory_item_id"`
	ProductID        string            `db:"product_id" json:"product_id"`
	SKU              string            `db:"sku" json:"sku"`
	ReservedQuantity int               `db:"reserved_quantity" json:"reserved_quantity"`
	Status           ReservationStatus `db:"status" json:"status"`
	ExpiresAt        time.Time         `db:"expires_at" json:"expires_at"`
	Version          int64             `db:"version" json:"version"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at" json:"updated_at"`
}

// Inventory item statuses
const (
	InventoryItemStatusActive   = "ACTIVE"
	InventoryItemStatusInactive = "INACTIVE"
)

// InventoryItem holds the authoritative stock counters for one product.
// AvailableQuantity never goes negative; Version backs the optimistic
// concurrency check on every counter update.
type InventoryItem struct {
	ID                string    `db:"id" json:"id"`
	TenantID          string    `db:"tenant_id" json:"tenant_id"`
	ProductID         string    `db:"product_id" json:"product_id"`
	SKU               string    `db:"sku" json:"sku"`
	AvailableQuantity int       `db:"available_quantity" json:"available_quantity"`
	ReservedQuantity  int       `db:"reserved_quantity" json:"reserved_quantity"`
	Status            string    `db:"status" json:"status"`
	Version           int64     `db:"version" json:"version"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// TokenStatus is the lifecycle state of an idempotency token.
type TokenStatus string

const (
	TokenStatusProcessing TokenStatus = "PROCESSING"
	TokenStatusCompleted  TokenStatus = "COMPLETED"
	TokenStatusFailed     TokenStatus = "FAILED"
)

// IdempotencyToken dedupes order-processing requests. Unique per
// (TenantID, Token); immutable once terminal.
type IdempotencyToken struct {
	TenantID     string      `db:"tenant_id" json:"tenant_id"`
	Token        string      `db:"token" json:"token"`
	UserID       string      `db:"user_id" json:"user_id"`
	RequestHash  string      `db:"request_hash" json:"request_hash"`
	OrderID      string      `db:"order_id" json:"order_id,omitempty"`
	Status       TokenStatus `db:"status" json:"status"`
	ResponseData string      `db:"response_data" json:"response_data,omitempty"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	ExpiresAt    time.Time   `db:"expires_at" json:"expires_at"`
}

// Expired reports whether the token TTL has elapsed.
func (t *IdempotencyToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Order statuses
const (
	OrderStatusPending    = "PENDING"
	OrderStatusProcessing = "PROCESSING"
	OrderStatusConfirmed  = "CONFIRMED"
	OrderStatusCancelled  = "CANCELLED"
	OrderStatusFailed     = "FAILED"
)

// Order is the order aggregate as seen by this core.
type Order struct {
	ID          string      `db:"id" json:"id"`
	TenantID    string      `db:"tenant_id" json:"tenant_id"`
	UserID      string      `db:"user_id" json:"user_id"`
	Items       []OrderItem `db:"-" json:"items"`
	TotalAmount int64       `db:"total_amount" json:"total_amount"`
	Currency    string      `db:"currency" json:"currency"`
	Status      string      `db:"status" json:"status"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// OrderItem is one line of an order.
type OrderItem struct {
	ID        string `db:"id" json:"id"`
	OrderID   string `db:"order_id" json:"order_id"`
	ProductID string `db:"product_id" json:"product_id"`
	SKU       string `db:"sku" json:"sku"`
	Quantity  int    `db:"quantity" json:"quantity"`
	UnitPrice int64  `db:"unit_price" json:"unit_price"`
}

package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Release reasons. ReasonExpired marks the line Expired instead of
// Released; everything else is a plain release back to stock.
const (
	ReasonExpired         = "Expired"
	ReasonCompensation    = "Compensation"
	ReasonPartialRollback = "PartialRollback"
)

var (
	// ErrInsufficientStock marks a reserve attempt that found less stock
	// than requested.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrItemInactive marks a reserve attempt against an inactive item.
	ErrItemInactive = errors.New("inventory item inactive")
)

// InventoryStore is the authoritative stock ledger. UpdateItemCounts must
// fail with models.ErrVersionConflict when the row version moved.
type InventoryStore interface {
	GetItem(ctx context.Context, tenantID, itemID string) (*models.InventoryItem, error)
	GetItemByProduct(ctx context.Context, tenantID, productID string) (*models.InventoryItem, error)
	UpdateItemCounts(ctx context.Context, item *models.InventoryItem) error
}

// ReservationStore persists reservation lines.
type ReservationStore interface {
	CreateReservation(ctx context.Context, r *models.Reservation) error
	GetReservations(ctx context.Context, tenantID, reservationID string) ([]models.Reservation, error)
	TransitionReservation(ctx context.Context, tenantID, reservationID, itemID string, from, to models.ReservationStatus) (bool, error)
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)
}

// Cache is a best-effort read accelerator for reservation lines. Absence
// always falls back to the reservation store.
type Cache interface {
	GetReservations(ctx context.Context, tenantID, reservationID string) ([]models.Reservation, bool)
	SetReservations(ctx context.Context, tenantID, reservationID string, rs []models.Reservation, ttl time.Duration)
	InvalidateReservations(ctx context.Context, tenantID, reservationID string)
}

// EventSink receives reservation lifecycle events, fire-and-forget.
type EventSink interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
}

// Config bounds the optimistic-concurrency retry loop and sets the hold TTL.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	TTL        time.Duration
}

// ItemRequest asks for a quantity of one product.
type ItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// ItemResult reports the per-item outcome of a reserve call. For
// unfulfillable items Reserved is false and AvailableQuantity carries the
// stock observed at decision time.
type ItemResult struct {
	InventoryItemID   string `json:"inventory_item_id,omitempty"`
	ProductID         string `json:"product_id"`
	SKU               string `json:"sku,omitempty"`
	RequestedQuantity int    `json:"requested_quantity"`
	AvailableQuantity int    `json:"available_quantity"`
	Reserved          bool   `json:"reserved"`
	Reason            string `json:"reason,omitempty"`
}

// ReserveResult is the outcome of one reserve call. When Success is false
// every line reserved earlier in the same call has been rolled back.
type ReserveResult struct {
	ReservationID string       `json:"reservation_id,omitempty"`
	Success       bool         `json:"success"`
	Items         []ItemResult `json:"items"`
	ExpiresAt     time.Time    `json:"expires_at,omitempty"`
}

// Engine enforces stock accounting over the ledger and reservation store.
type Engine struct {
	inv    InventoryStore
	res    ReservationStore
	cache  Cache
	events EventSink
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a reservation engine. cache and events may be nil.
func NewEngine(inv InventoryStore, res ReservationStore, cache Cache, events EventSink, cfg Config) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 25 * time.Millisecond
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &Engine{
		inv:    inv,
		res:    res,
		cache:  cache,
		events: events,
		cfg:    cfg,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// Reserve places a TTL-bounded hold for every requested item. A non-positive
// ttl falls back to the configured default. The backing store has no
// multi-row transaction, so a failure on any line rolls back the lines
// reserved earlier in this call before returning.
func (e *Engine) Reserve(ctx context.Context, tenantID, orderID string, items []ItemRequest, ttl time.Duration) (*ReserveResult, error) {
	ctx, span := util.StartSpan(ctx, "ReservationEngine.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if ttl <= 0 {
		ttl = e.cfg.TTL
	}
	reservationID := uuid.New().String()
	expiresAt := e.now().Add(ttl)

	result := &ReserveResult{
		ReservationID: reservationID,
		Success:       true,
		Items:         make([]ItemResult, 0, len(items)),
		ExpiresAt:     expiresAt,
	}

	var reserved []models.Reservation

	for _, req := range items {
		line, err := e.reserveItem(ctx, tenantID, orderID, reservationID, req, expiresAt)
		if err == nil {
			reserved = append(reserved, *line)
			result.Items = append(result.Items, ItemResult{
				InventoryItemID:   line.InventoryItemID,
				ProductID:         line.ProductID,
				SKU:               line.SKU,
				RequestedQuantity: req.Quantity,
				Reserved:          true,
			})
			continue
		}

		var stockErr *stockError
		if errors.As(err, &stockErr) {
			result.Success = false
			result.Items = append(result.Items, ItemResult{
				InventoryItemID:   stockErr.itemID,
				ProductID:         req.ProductID,
				SKU:               stockErr.sku,
				RequestedQuantity: req.Quantity,
				AvailableQuantity: stockErr.available,
				Reserved:          false,
				Reason:            stockErr.reason,
			})
			e.rollback(ctx, tenantID, reservationID, reserved)
			util.ReservationsTotal.WithLabelValues("insufficient_stock").Inc()
			result.ReservationID = ""
			return result, nil
		}

		// Store failure or retry exhaustion: roll back and surface the error.
		e.rollback(ctx, tenantID, reservationID, reserved)
		util.ReservationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to reserve product %s: %w", req.ProductID, err)
	}

	if e.cache != nil {
		e.cache.SetReservations(ctx, tenantID, reservationID, reserved, ttl)
	}

	util.ReservationsTotal.WithLabelValues("success").Inc()
	e.logger.Info("Reservation placed",
		zap.String("reservation_id", reservationID),
		zap.String("order_id", orderID),
		zap.Int("lines", len(reserved)))

	return result, nil
}

// stockError is a business failure on one line: the item cannot fulfil the
// requested quantity right now.
type stockError struct {
	itemID    string
	sku       string
	available int
	reason    string
	cause     error
}

func (e *stockError) Error() string {
	return fmt.Sprintf("%s, available=%d", e.reason, e.available)
}

func (e *stockError) Unwrap() error { return e.cause }

func (e *Engine) reserveItem(ctx context.Context, tenantID, orderID, reservationID string, req ItemRequest, expiresAt time.Time) (*models.Reservation, error) {
	item, err := e.inv.GetItemByProduct(ctx, tenantID, req.ProductID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, &stockError{reason: "item not found", cause: err}
		}
		return nil, err
	}

	decrement := func(it *models.InventoryItem) error {
		if it.Status != models.InventoryItemStatusActive {
			return &stockError{itemID: it.ID, sku: it.SKU, available: it.AvailableQuantity,
				reason: "item inactive", cause: ErrItemInactive}
		}
		if it.AvailableQuantity < req.Quantity {
			return &stockError{itemID: it.ID, sku: it.SKU, available: it.AvailableQuantity,
				reason: "insufficient stock", cause: ErrInsufficientStock}
		}
		it.AvailableQuantity -= req.Quantity
		it.ReservedQuantity += req.Quantity
		return nil
	}

	if err := e.updateItem(ctx, tenantID, item.ID, decrement); err != nil {
		return nil, err
	}

	line := &models.Reservation{
		ID:               reservationID,
		TenantID:         tenantID,
		OrderID:          orderID,
		InventoryItemID:  item.ID,
		ProductID:        item.ProductID,
		SKU:              item.SKU,
		ReservedQuantity: req.Quantity,
		Status:           models.ReservationStatusActive,
		ExpiresAt:        expiresAt,
		Version:          1,
	}

	if err := e.res.CreateReservation(ctx, line); err != nil {
		// The counters moved but the line did not land; put the stock back.
		e.returnStock(ctx, tenantID, item.ID, req.Quantity)
		return nil, fmt.Errorf("failed to persist reservation line: %w", err)
	}

	return line, nil
}

// updateItem runs a read-modify-write on one inventory item under the
// optimistic version check, retrying conflicts a bounded number of times
// with a short fixed delay.
func (e *Engine) updateItem(ctx context.Context, tenantID, itemID string, mutate func(*models.InventoryItem) error) error {
	for attempt := 0; ; attempt++ {
		item, err := e.inv.GetItem(ctx, tenantID, itemID)
		if err != nil {
			return err
		}

		if err := mutate(item); err != nil {
			return err
		}

		err = e.inv.UpdateItemCounts(ctx, item)
		if err == nil {
			return nil
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return err
		}

		util.ReservationConflictsTotal.Inc()
		if attempt >= e.cfg.MaxRetries {
			return fmt.Errorf("inventory update on item %s exhausted %d retries: %w",
				itemID, e.cfg.MaxRetries, err)
		}

		select {
		case <-time.After(e.cfg.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// returnStock credits quantity back to available, retrying conflicts past
// the usual bound: losing released stock is worse than a few more spins.
func (e *Engine) returnStock(ctx context.Context, tenantID, itemID string, quantity int) {
	err := e.updateItem(ctx, tenantID, itemID, func(it *models.InventoryItem) error {
		it.AvailableQuantity += quantity
		it.ReservedQuantity -= quantity
		return nil
	})
	if err != nil {
		e.logger.Error("Failed to return stock",
			zap.String("item_id", itemID),
			zap.Int("quantity", quantity),
			zap.Error(err))
	}
}

// rollback releases lines reserved earlier in a failed reserve call.
func (e *Engine) rollback(ctx context.Context, tenantID, reservationID string, reserved []models.Reservation) {
	for _, line := range reserved {
		swapped, err := e.res.TransitionReservation(ctx, tenantID, reservationID, line.InventoryItemID,
			models.ReservationStatusActive, models.ReservationStatusReleased)
		if err != nil {
			e.logger.Error("Failed to roll back reservation line",
				zap.String("reservation_id", reservationID),
				zap.String("item_id", line.InventoryItemID),
				zap.Error(err))
			continue
		}
		if swapped {
			e.returnStock(ctx, tenantID, line.InventoryItemID, line.ReservedQuantity)
			util.ReservationsReleasedTotal.WithLabelValues(ReasonPartialRollback).Inc()
		}
	}
	if e.cache != nil {
		e.cache.InvalidateReservations(ctx, tenantID, reservationID)
	}
}

// Confirm converts the Active lines of a reservation to Confirmed and
// deducts the held quantity from the authoritative reserved counter.
func (e *Engine) Confirm(ctx context.Context, tenantID, reservationID string) error {
	ctx, span := util.StartSpan(ctx, "ReservationEngine.Confirm")
	defer span.End()

	lines, err := e.loadLines(ctx, tenantID, reservationID)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("reservation %s: %w", reservationID, models.ErrNotFound)
	}

	confirmed := 0
	for _, line := range lines {
		if line.Status.Terminal() {
			continue
		}

		swapped, err := e.res.TransitionReservation(ctx, tenantID, reservationID, line.InventoryItemID,
			models.ReservationStatusActive, models.ReservationStatusConfirmed)
		if err != nil {
			return fmt.Errorf("failed to confirm reservation line: %w", err)
		}
		if !swapped {
			continue
		}

		qty := line.ReservedQuantity
		err = e.updateItem(ctx, tenantID, line.InventoryItemID, func(it *models.InventoryItem) error {
			it.ReservedQuantity -= qty
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to deduct confirmed stock: %w", err)
		}
		confirmed++
	}

	if confirmed == 0 {
		return fmt.Errorf("reservation %s has no active lines to confirm", reservationID)
	}

	if e.cache != nil {
		e.cache.InvalidateReservations(ctx, tenantID, reservationID)
	}

	e.logger.Info("Reservation confirmed",
		zap.String("reservation_id", reservationID),
		zap.Int("lines", confirmed))
	return nil
}

// Release returns the Active lines of a reservation to available stock.
// Idempotent: lines already terminal are skipped, not errored, so a second
// call is a no-op and never double-credits.
func (e *Engine) Release(ctx context.Context, tenantID, reservationID, reason string) (int, error) {
	ctx, span := util.StartSpan(ctx, "ReservationEngine.Release")
	defer span.End()

	lines, err := e.loadLines(ctx, tenantID, reservationID)
	if err != nil {
		return 0, err
	}

	target := models.ReservationStatusReleased
	if reason == ReasonExpired {
		target = models.ReservationStatusExpired
	}

	released := 0
	for _, line := range lines {
		swapped, err := e.res.TransitionReservation(ctx, tenantID, reservationID, line.InventoryItemID,
			models.ReservationStatusActive, target)
		if err != nil {
			return released, fmt.Errorf("failed to release reservation line: %w", err)
		}
		if !swapped {
			continue
		}

		e.returnStock(ctx, tenantID, line.InventoryItemID, line.ReservedQuantity)
		util.ReservationsReleasedTotal.WithLabelValues(reason).Inc()
		released++
	}

	if e.cache != nil {
		e.cache.InvalidateReservations(ctx, tenantID, reservationID)
	}

	if released > 0 {
		eventType := models.EventTypeReservationReleased
		if reason == ReasonExpired {
			eventType = models.EventTypeReservationExpired
		}
		e.publishReleased(ctx, eventType, reservationID, lines[0].OrderID, reason, released)

		e.logger.Info("Reservation released",
			zap.String("reservation_id", reservationID),
			zap.String("reason", reason),
			zap.Int("lines", released))
	}
	return released, nil
}

func (e *Engine) publishReleased(ctx context.Context, eventType, reservationID, orderID, reason string, lines int) {
	if e.events == nil {
		return
	}
	event := &models.ReservationReleasedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: e.now(),
		},
		ReservationID: reservationID,
		OrderID:       orderID,
		Reason:        reason,
		Lines:         lines,
	}
	if err := e.events.Publish(ctx, eventType, event); err != nil {
		e.logger.Warn("Failed to publish reservation event",
			zap.String("reservation_id", reservationID), zap.Error(err))
	}
}

// ExpireOverdue finds Active lines past their TTL and releases them through
// the same release path, sharing its idempotency and versioning guarantees.
func (e *Engine) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "ReservationEngine.ExpireOverdue")
	defer span.End()

	lines, err := e.res.ListExpiredReservations(ctx, e.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired reservations: %w", err)
	}

	type key struct{ tenant, id string }
	seen := make(map[key]struct{})
	expired := 0
	for _, line := range lines {
		k := key{line.TenantID, line.ID}
		if _, done := seen[k]; done {
			continue
		}
		seen[k] = struct{}{}

		n, err := e.Release(ctx, line.TenantID, line.ID, ReasonExpired)
		if err != nil {
			e.logger.Error("Failed to expire reservation",
				zap.String("reservation_id", line.ID),
				zap.Error(err))
			continue
		}
		expired += n
	}

	return expired, nil
}

// GetReservation returns all lines of a reservation, cache first.
func (e *Engine) GetReservation(ctx context.Context, tenantID, reservationID string) ([]models.Reservation, error) {
	lines, err := e.loadLines(ctx, tenantID, reservationID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("reservation %s: %w", reservationID, models.ErrNotFound)
	}
	return lines, nil
}

func (e *Engine) loadLines(ctx context.Context, tenantID, reservationID string) ([]models.Reservation, error) {
	if e.cache != nil {
		if rs, ok := e.cache.GetReservations(ctx, tenantID, reservationID); ok {
			util.ReservationCacheHits.WithLabelValues("hit").Inc()
			return rs, nil
		}
		util.ReservationCacheHits.WithLabelValues("miss").Inc()
	}
	return e.res.GetReservations(ctx, tenantID, reservationID)
}

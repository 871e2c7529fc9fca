package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment-service/internal/models"
)

// Memory is an in-memory implementation of the same port surface as Store.
// It honors the optimistic versioning and create-or-read contracts, so the
// engines can be exercised without Postgres.
type Memory struct {
	mu           sync.Mutex
	items        map[string]*models.InventoryItem    // tenant|itemID
	itemsByProd  map[string]string                   // tenant|productID -> itemID
	reservations map[string]*models.Reservation      // tenant|resID|itemID
	sagas        map[string]*models.SagaExecution    // sagaID
	tokens       map[string]*models.IdempotencyToken // tenant|token
	orders       map[string]*models.Order            // orderID
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		items:        make(map[string]*models.InventoryItem),
		itemsByProd:  make(map[string]string),
		reservations: make(map[string]*models.Reservation),
		sagas:        make(map[string]*models.SagaExecution),
		tokens:       make(map[string]*models.IdempotencyToken),
		orders:       make(map[string]*models.Order),
	}
}

func itemKey(tenantID, itemID string) string { return tenantID + "|" + itemID }

func resKey(tenantID, reservationID, itemID string) string {
	return tenantID + "|" + reservationID + "|" + itemID
}

// PutItem seeds an inventory item
func (m *Memory) PutItem(item *models.InventoryItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *item
	m.items[itemKey(item.TenantID, item.ID)] = &cp
	m.itemsByProd[itemKey(item.TenantID, item.ProductID)] = item.ID
}

// PutOrder seeds an order
func (m *Memory) PutOrder(order *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *order
	cp.Items = append([]models.OrderItem(nil), order.Items...)
	m.orders[order.ID] = &cp
}

// GetItem retrieves an inventory item by ID
func (m *Memory) GetItem(ctx context.Context, tenantID, itemID string) (*models.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemKey(tenantID, itemID)]
	if !ok {
		return nil, fmt.Errorf("inventory item %s: %w", itemID, models.ErrNotFound)
	}
	cp := *item
	return &cp, nil
}

// GetItemByProduct retrieves the inventory item backing a product
func (m *Memory) GetItemByProduct(ctx context.Context, tenantID, productID string) (*models.InventoryItem, error) {
	m.mu.Lock()
	itemID, ok := m.itemsByProd[itemKey(tenantID, productID)]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inventory for product %s: %w", productID, models.ErrNotFound)
	}
	return m.GetItem(ctx, tenantID, itemID)
}

// UpdateItemCounts applies the versioned counter update
func (m *Memory) UpdateItemCounts(ctx context.Context, item *models.InventoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[itemKey(item.TenantID, item.ID)]
	if !ok {
		return fmt.Errorf("inventory item %s: %w", item.ID, models.ErrNotFound)
	}
	if cur.Version != item.Version {
		return models.ErrVersionConflict
	}
	cur.AvailableQuantity = item.AvailableQuantity
	cur.ReservedQuantity = item.ReservedQuantity
	cur.Version++
	cur.UpdatedAt = time.Now()
	item.Version = cur.Version
	return nil
}

// CreateReservation inserts a reservation line
func (m *Memory) CreateReservation(ctx context.Context, r *models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := resKey(r.TenantID, r.ID, r.InventoryItemID)
	if _, exists := m.reservations[key]; exists {
		return fmt.Errorf("reservation line %s already exists", key)
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	cp := *r
	m.reservations[key] = &cp
	return nil
}

// GetReservations retrieves all lines of a reservation
func (m *Memory) GetReservations(ctx context.Context, tenantID, reservationID string) ([]models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rs []models.Reservation
	for _, r := range m.reservations {
		if r.TenantID == tenantID && r.ID == reservationID {
			rs = append(rs, *r)
		}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].InventoryItemID < rs[j].InventoryItemID })
	return rs, nil
}

// GetReservationsByOrderID retrieves all reservation lines for an order
func (m *Memory) GetReservationsByOrderID(ctx context.Context, tenantID, orderID string) ([]models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rs []models.Reservation
	for _, r := range m.reservations {
		if r.TenantID == tenantID && r.OrderID == orderID {
			rs = append(rs, *r)
		}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].InventoryItemID < rs[j].InventoryItemID })
	return rs, nil
}

// TransitionReservation flips one line's status if it still holds from
func (m *Memory) TransitionReservation(ctx context.Context, tenantID, reservationID, itemID string, from, to models.ReservationStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[resKey(tenantID, reservationID, itemID)]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	r.Version++
	r.UpdatedAt = time.Now()
	return true, nil
}

// ListExpiredReservations returns Active lines past their TTL
func (m *Memory) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rs []models.Reservation
	for _, r := range m.reservations {
		if r.Status == models.ReservationStatusActive && r.ExpiresAt.Before(now) {
			rs = append(rs, *r)
		}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].ExpiresAt.Before(rs[j].ExpiresAt) })
	if len(rs) > limit {
		rs = rs[:limit]
	}
	return rs, nil
}

// CreateSaga persists a new saga execution
func (m *Memory) CreateSaga(ctx context.Context, sx *models.SagaExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sagas[sx.ID]; exists {
		return fmt.Errorf("saga %s already exists", sx.ID)
	}
	cp := *sx
	cp.SagaData = cloneMap(sx.SagaData)
	m.sagas[sx.ID] = &cp
	return nil
}

// UpdateSaga writes the current saga state
func (m *Memory) UpdateSaga(ctx context.Context, sx *models.SagaExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sagas[sx.ID]; !ok {
		return fmt.Errorf("saga %s: %w", sx.ID, models.ErrNotFound)
	}
	cp := *sx
	cp.SagaData = cloneMap(sx.SagaData)
	m.sagas[sx.ID] = &cp
	return nil
}

// GetSaga retrieves a saga execution by ID
func (m *Memory) GetSaga(ctx context.Context, sagaID string) (*models.SagaExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sx, ok := m.sagas[sagaID]
	if !ok {
		return nil, fmt.Errorf("saga %s: %w", sagaID, models.ErrNotFound)
	}
	cp := *sx
	cp.SagaData = cloneMap(sx.SagaData)
	return &cp, nil
}

// GetSagaByOrderID retrieves the latest saga driving an order
func (m *Memory) GetSagaByOrderID(ctx context.Context, orderID string) (*models.SagaExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.SagaExecution
	for _, sx := range m.sagas {
		if sx.OrderID != orderID {
			continue
		}
		if latest == nil || sx.StartedAt.After(latest.StartedAt) {
			latest = sx
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("saga for order %s: %w", orderID, models.ErrNotFound)
	}
	cp := *latest
	cp.SagaData = cloneMap(latest.SagaData)
	return &cp, nil
}

// ListOverdueSagas returns non-terminal sagas past their timeout
func (m *Memory) ListOverdueSagas(ctx context.Context, now time.Time, limit int) ([]models.SagaExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SagaExecution
	for _, sx := range m.sagas {
		if !sx.Status.Terminal() && sx.TimeoutAt.Before(now) {
			cp := *sx
			cp.SagaData = cloneMap(sx.SagaData)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeoutAt.Before(out[j].TimeoutAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteTerminalSagasBefore discards terminal sagas older than the cutoff
func (m *Memory) DeleteTerminalSagasBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, sx := range m.sagas {
		if sx.Status.Terminal() && sx.LastUpdatedAt.Before(cutoff) {
			delete(m.sagas, id)
			n++
		}
	}
	return n, nil
}

// CreateToken atomically creates or reads the token for (tenant, token)
func (m *Memory) CreateToken(ctx context.Context, t *models.IdempotencyToken) (bool, *models.IdempotencyToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := itemKey(t.TenantID, t.Token)
	if existing, ok := m.tokens[key]; ok {
		cp := *existing
		return false, &cp, nil
	}
	cp := *t
	m.tokens[key] = &cp
	return true, nil, nil
}

// GetToken retrieves a token by (tenant, token)
func (m *Memory) GetToken(ctx context.Context, tenantID, token string) (*models.IdempotencyToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[itemKey(tenantID, token)]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// FinishToken records the terminal outcome of a Processing token
func (m *Memory) FinishToken(ctx context.Context, tenantID, token string, status models.TokenStatus, orderID, responseData string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[itemKey(tenantID, token)]
	if !ok || t.Status != models.TokenStatusProcessing {
		return nil
	}
	t.Status = status
	t.OrderID = orderID
	t.ResponseData = responseData
	return nil
}

// DeleteToken removes a token
func (m *Memory) DeleteToken(ctx context.Context, tenantID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, itemKey(tenantID, token))
	return nil
}

// FindCompletedByHash looks up a prior Completed token with the same content
func (m *Memory) FindCompletedByHash(ctx context.Context, tenantID, userID, requestHash string) (*models.IdempotencyToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.IdempotencyToken
	for _, t := range m.tokens {
		if t.TenantID != tenantID || t.UserID != userID ||
			t.RequestHash != requestHash || t.Status != models.TokenStatusCompleted {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, models.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// DeleteExpiredTokens purges tokens past their TTL
func (m *Memory) DeleteExpiredTokens(ctx context.Context, now time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, t := range m.tokens {
		if n >= limit {
			break
		}
		if t.Expired(now) {
			delete(m.tokens, key)
			n++
		}
	}
	return n, nil
}

// LoadOrder retrieves an order with its items
func (m *Memory) LoadOrder(ctx context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, models.ErrNotFound)
	}
	cp := *order
	cp.Items = append([]models.OrderItem(nil), order.Items...)
	return &cp, nil
}

// SaveOrder writes back mutable order fields
func (m *Memory) SaveOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[order.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", order.ID, models.ErrNotFound)
	}
	cur.Status = order.Status
	cur.UpdatedAt = time.Now()
	return nil
}

func cloneMap(m models.StringMap) models.StringMap {
	out := make(models.StringMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

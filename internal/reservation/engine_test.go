package reservation

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTenant = "tenant-a"

func newTestEngine(mem *store.Memory) *Engine {
	return NewEngine(mem, mem, nil, nil, Config{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		TTL:        time.Minute,
	})
}

func seedItem(mem *store.Memory, id, productID string, available int) {
	mem.PutItem(&models.InventoryItem{
		ID:                id,
		TenantID:          testTenant,
		ProductID:         productID,
		SKU:               "SKU-" + productID,
		AvailableQuantity: available,
		Status:            models.InventoryItemStatusActive,
		Version:           1,
	})
}

func getItem(t *testing.T, mem *store.Memory, id string) *models.InventoryItem {
	t.Helper()
	item, err := mem.GetItem(context.Background(), testTenant, id)
	require.NoError(t, err)
	return item
}

func TestReserveHoldsStock(t *testing.T) {
	mem := store.NewMemory()
	seedItem(mem, "item-1", "prod-1", 100)
	engine := newTestEngine(mem)

	result, err := engine.Reserve(context.Background(), testTenant, "order-1",
		[]ItemRequest{{ProductID: "prod-1", Quantity: 10}}, 0)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotEmpty(t, result.ReservationID)
	require.Len(t, result.Items, 1)
	assert.True(t, result.Items[0].Reserved)

	item := getItem(t, mem, "item-1")
	assert.Equal(t, 90, item.AvailableQuantity)
	assert.Equal(t, 10, item.ReservedQuantity)

	lines, err := engine.GetReservation(context.Background(), testTenant, result.ReservationID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, models.ReservationStatusActive, lines[0].Status)
	assert.Equal(t, "order-1", lines[0].OrderID)
}

func TestReserveInsufficientStock(t *testing.T) {
	mem := store.NewMemory()
	seedItem(mem, "item-1", "prod-1", 5)
	engine := newTestEngine(mem)

	result, err := engine.Reserve(context.Background(), testTenant, "order-1",
		[]ItemRequest{{ProductID: "prod-1", Quantity: 10}}, 0)
	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Empty(t, result.ReservationID)
	require.Len(t, result.Items, 1)
	assert.False(t, result.Items[0].Reserved)
	assert.Equal(t, "insufficient stock", result.Items[0].Reason)
	assert.Equal(t, 5, result.Items[0].AvailableQuantity)

	item := getItem(t, mem, "item-1")
	assert.Equal(t, 5, item.AvailableQuantity)
	assert.Equal(t, 0, item.ReservedQuantity)
}

func TestReserveInactiveItem(t *testing.T) {
	mem := store.NewMemory()
	mem.PutItem(&models.InventoryItem{
		ID:                "item-1",
		TenantID:          testTenant,
		ProductID:         "prod-1",
		AvailableQuantity: 100,
		Status:            models.InventoryItemStatusInactive,
		Version:           1,
	})
	engine := newTestEngine(mem)

	result, err := engine.Reserve(context.Background(), testTenant, "order-1",
		[]ItemRequest{{ProductID: "prod-1", Quantity: 1}}, 0)
	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Equal(t, "item inactive", result.Items[0].Reason)
}

func TestReserveUnknownProduct(t *testing.T) {
	mem := store.NewMemory()
	engine := newTestEngine(mem)

	result, err := engine.Reserve(context.Background(), testTenant, "order-1",
		[]ItemRequest{{ProductID: "missing", Quantity: 1}}, 0)
	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Equal(t, "item not found", result.Items[0].Reason)
}

func TestReservePartialFailureRollsBack(t *testing.T) {
	mem := store.NewMemory()
	seedItem(mem, "item-1", "prod-1", 100)
	seedItem(mem, "item-2", "prod-2", 3)
	engine := newTestEngine(mem)

	result, err := engine.Reserve(context.Background(), testTenant, "order-1", []ItemRequest{
		{ProductID: "prod-1", Quantity: 10},
		{ProductID: "prod-2", Quantity: 5},
	}, 0)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Len(t, result.Items, 2)
	assert.True(t, result.Items[0].Reserved)
	assert.False(t, result.Items[1].Reserved)

	// The first line must have been rolled back in full.
	item1 := getItem(t, mem, "item-1")
	assert.Equal(t, 100, item1.AvailableQuantity)
	assert.Equal(t, 0, item1.ReservedQuantity)

	item2 := getItem(t, mem, "item-2")
	assert.Equal(t, 3, item2.AvailableQuantity)
	assert.Equal(t, 0, item2.ReservedQuantity)
}

func TestConfirmDeductsReservedCounter(t *testing.T) {
	mem := store.NewMemory()
	seedItem(mem, "item-1", "prod-1", 100)
	engine := newTestEngine(mem)

	result, err := engine.Reserve(context.Background(), testTenant, "order-1",
		[]ItemRequest{{ProductID: "prod-1", Quantity: 10}}, 0)
	require.NoError(t, err)

	require.NoError(t, engine.Confirm(context.Background(), testTenant, result.ReservationID))

	item := getItem(t, mem, "item-1")
	assert.Equal(t, 90, item.AvailableQuantity)
	assert.Equal(t, 0, item.ReservedQuantity)

	lines, err := engine.GetReservation(context.Background(), testTenant, result.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusConfirmed, lines[0].Status)

	// A second confirm finds no active lines.
	err = engine.Confirm(context.Background(), testTenant, result.ReservationID)
	assert.Error(t, err)

	// Releasing a confirmed reservation never credits stock back.
	released, err := engine.Release(context.Background(), testTenant, result.ReservationID, ReasonCompensation)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
	item = getItem(t, mem, "item-1")
	assert.Equal(t, 90, item.AvailableQuantity)
}

func TestReleaseIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	seedItem(mem, "item-1", "prod-1", 100)
	engine := newTestEngine(mem)

	result, err := engine.Reserve(context.Background(), testTenant, "order-1",
		[]ItemRequest{{ProductID: "prod-1", Quantity: 10}}, 0)
	require.NoError(t, err)

	released, err := engine.Release(context.Background(), testTenant, result.ReservationID, ReasonCompensation)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	item := getItem(t, mem, "item-1")
	assert.Equal(t, 100, item.AvailableQuantity)
	assert.Equal(t, 0, item.ReservedQuantity)

	// The second release must not double-credit.
	released, err = engine.Release(context.Background(), testTenant, result.ReservationID, ReasonCompensation)
	require.NoError(t, err)
	assert.Equal(t, 0, released)

	item = getItem(t, mem, "item-1")
	assert.Equal(t, 100, item.AvailableQuantity)
	assert.Equal(t, 0, item.ReservedQuantity)
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	mem := store.NewMemory()
	seedItem(mem, "item-1", "prod-1", 10)
	engine := newTestEngine(mem)
	engine.cfg.MaxRetries = 50 // contention, not conflict exhaustion, is under test

	var wg sync.WaitGroup
	successes := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := engine.Reserve(context.Background(), testTenant, "order-1",
				[]ItemRequest{{ProductID: "prod-1", Quantity: 1}}, 0)
			if err == nil && result.Success {
				successes <- result.ReservationID
			}
		}()
	}
	wg.Wait()
	close(successes)

	var won int
	for range successes {
		won++
	}
	assert.Equal(t, 10, won)

	item := getItem(t, mem, "item-1")
	assert.Equal(t, 0, item.AvailableQuantity)
	assert.Equal(t, 10, item.ReservedQuantity)
}

func TestReserveLoserSeesDrainedStock(t *testing.T) {
	mem := store.NewMemory()
	seedItem(mem, "item-1", "prod-1", 10)
	engine := newTestEngine(mem)

	first, err := engine.Reserve(context.Background(), testTenant, "order-a",
		[]ItemRequest{{ProductID: "prod-1", Quantity: 10}}, 0)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := engine.Reserve(context.Background(), testTenant, "order-b",
		[]ItemRequest{{ProductID: "prod-1", Quantity: 5}}, 0)
	require.NoError(t, err)
	require.False(t, second.Success)
	assert.Equal(t, "insufficient stock", second.Items[0].Reason)
	assert.Equal(t, 0, second.Items[0].AvailableQuantity)
}

func TestVersionConflictRetriesThenSucceeds(t *testing.T) {
	mem := store.NewMemory()
	seedItem(mem, "item-1", "prod-1", 100)
	flaky := &flakyInventory{Memory: mem, failures: 2}
	engine := NewEngine(flaky, mem, nil, nil, Config{MaxRetries: 3, RetryDelay: time.Millisecond, TTL: time.Minute})

	result, err := engine.Reserve(context.Background(), testTenant, "order-1",
		[]ItemRequest{{ProductID: "prod-1", Quantity: 10}}, 0)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, flaky.calls) // two conflicts, one success
}

func TestVersionConflictExhaustsRetries(t *testing.T) {
	mem := store.NewMemory()
	seedItem(mem, "item-1", "prod-1", 100)
	flaky := &flakyInventory{Memory: mem, failures: 100}
	engine := NewEngine(flaky, mem, nil, nil, Config{MaxRetries: 2, RetryDelay: time.Millisecond, TTL: time.Minute})

	_, err := engine.Reserve(context.Background(), testTenant, "order-1",
		[]ItemRequest{{ProductID: "prod-1", Quantity: 10}}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrVersionConflict)
}

type flakyInventory struct {
	*store.Memory
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyInventory) UpdateItemCounts(ctx context.Context, item *models.InventoryItem) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return models.ErrVersionConflict
	}
	return f.Memory.UpdateItemCounts(ctx, item)
}

func TestExpireOverdueReleasesStock(t *testing.T) {
	mem := store.NewMemory()
	seedItem(mem, "item-1", "prod-1", 100)
	engine := newTestEngine(mem)

	result, err := engine.Reserve(context.Background(), testTenant, "order-1",
		[]ItemRequest{{ProductID: "prod-1", Quantity: 10}}, time.Second)
	require.NoError(t, err)
	require.True(t, result.Success)

	// Nothing is overdue yet.
	expired, err := engine.ExpireOverdue(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	engine.now = func() time.Time { return time.Now().Add(time.Hour) }

	expired, err = engine.ExpireOverdue(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	item := getItem(t, mem, "item-1")
	assert.Equal(t, 100, item.AvailableQuantity)
	assert.Equal(t, 0, item.ReservedQuantity)

	lines, err := engine.GetReservation(context.Background(), testTenant, result.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusExpired, lines[0].Status)

	// The sweep and a late manual release both settle to no-ops.
	expired, err = engine.ExpireOverdue(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	released, err := engine.Release(context.Background(), testTenant, result.ReservationID, ReasonCompensation)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}

// TestStockConservation drives a random mix of reserves, releases, confirms
// and expiry sweeps and checks the stock accounting identity after each
// step: available + active holds + confirmed quantity equals the seed.
func TestStockConservation(t *testing.T) {
	const seed = 50

	mem := store.NewMemory()
	seedItem(mem, "item-1", "prod-1", seed)
	engine := newTestEngine(mem)

	rng := rand.New(rand.NewSource(1))
	ctx := context.Background()

	type hold struct {
		id  string
		qty int
	}
	var active []hold
	confirmedTotal := 0

	check := func(step int) {
		item := getItem(t, mem, "item-1")
		held := 0
		for _, h := range active {
			held += h.qty
		}
		require.Equal(t, held, item.ReservedQuantity, "step %d: reserved counter drifted", step)
		require.Equal(t, seed, item.AvailableQuantity+held+confirmedTotal,
			"step %d: stock leaked", step)
	}

	for step := 0; step < 300; step++ {
		switch op := rng.Intn(4); {
		case op == 0 || len(active) == 0:
			qty := 1 + rng.Intn(5)
			result, err := engine.Reserve(ctx, testTenant, "order-x",
				[]ItemRequest{{ProductID: "prod-1", Quantity: qty}}, time.Minute)
			require.NoError(t, err)
			if result.Success {
				active = append(active, hold{id: result.ReservationID, qty: qty})
			}
		case op == 1:
			i := rng.Intn(len(active))
			_, err := engine.Release(ctx, testTenant, active[i].id, ReasonCompensation)
			require.NoError(t, err)
			active = append(active[:i], active[i+1:]...)
		case op == 2:
			i := rng.Intn(len(active))
			require.NoError(t, engine.Confirm(ctx, testTenant, active[i].id))
			confirmedTotal += active[i].qty
			active = append(active[:i], active[i+1:]...)
		default:
			// Double-release of an already settled hold must be a no-op.
			i := rng.Intn(len(active))
			_, err := engine.Release(ctx, testTenant, active[i].id, ReasonCompensation)
			require.NoError(t, err)
			_, err = engine.Release(ctx, testTenant, active[i].id, ReasonCompensation)
			require.NoError(t, err)
			active = append(active[:i], active[i+1:]...)
		}
		check(step)
	}
}

package store

import (
	"context"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryInventoryVersioning(t *testing.T) {
	mem := NewMemory()
	mem.PutItem(&models.InventoryItem{
		ID: "item-1", TenantID: "tenant-a", ProductID: "prod-1",
		AvailableQuantity: 10, Status: models.InventoryItemStatusActive, Version: 1,
	})

	ctx := context.Background()

	item, err := mem.GetItem(ctx, "tenant-a", "item-1")
	require.NoError(t, err)

	stale := *item
	item.AvailableQuantity = 9
	item.ReservedQuantity = 1
	require.NoError(t, mem.UpdateItemCounts(ctx, item))
	assert.Equal(t, int64(2), item.Version)

	// A write carrying the old version must surface the conflict and leave
	// the row untouched.
	stale.AvailableQuantity = 5
	err = mem.UpdateItemCounts(ctx, &stale)
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	cur, err := mem.GetItem(ctx, "tenant-a", "item-1")
	require.NoError(t, err)
	assert.Equal(t, 9, cur.AvailableQuantity)
}

func TestMemoryTokenCreateOrRead(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	record := &models.IdempotencyToken{
		TenantID:    "tenant-a",
		Token:       "tok-1",
		UserID:      "user-1",
		RequestHash: "hash-1",
		Status:      models.TokenStatusProcessing,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	created, existing, err := mem.CreateToken(ctx, record)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, existing)

	created, existing, err = mem.CreateToken(ctx, &models.IdempotencyToken{
		TenantID: "tenant-a", Token: "tok-1", RequestHash: "hash-other",
	})
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, existing)
	assert.Equal(t, "hash-1", existing.RequestHash, "the first writer's record wins")
}

func TestMemoryFinishTokenIsTerminal(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	_, _, err := mem.CreateToken(ctx, &models.IdempotencyToken{
		TenantID: "tenant-a", Token: "tok-1", Status: models.TokenStatusProcessing,
	})
	require.NoError(t, err)

	require.NoError(t, mem.FinishToken(ctx, "tenant-a", "tok-1", models.TokenStatusCompleted, "order-1", `{"ok":true}`))

	// A second finish against the terminal record is a no-op.
	require.NoError(t, mem.FinishToken(ctx, "tenant-a", "tok-1", models.TokenStatusFailed, "", ""))

	rec, err := mem.GetToken(ctx, "tenant-a", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusCompleted, rec.Status)
	assert.Equal(t, "order-1", rec.OrderID)
}

func TestMemoryTransitionReservation(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.CreateReservation(ctx, &models.Reservation{
		ID: "res-1", TenantID: "tenant-a", OrderID: "order-1",
		InventoryItemID: "item-1", ReservedQuantity: 2,
		Status:    models.ReservationStatusActive,
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	swapped, err := mem.TransitionReservation(ctx, "tenant-a", "res-1", "item-1",
		models.ReservationStatusActive, models.ReservationStatusReleased)
	require.NoError(t, err)
	assert.True(t, swapped)

	// The compare-and-swap fails once the line left the expected state.
	swapped, err = mem.TransitionReservation(ctx, "tenant-a", "res-1", "item-1",
		models.ReservationStatusActive, models.ReservationStatusConfirmed)
	require.NoError(t, err)
	assert.False(t, swapped)
}

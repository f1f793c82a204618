package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mmdatafocus/booking_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countConfirmed(t *testing.T, env *testEnv, tenantId, resourceId, slotKey string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, env.DB.Model(&models.ReservationAttempt{}).
		Where("tenant_id = ? AND resource_id = ? AND slot_key = ? AND status = ?",
			tenantId, resourceId, slotKey, models.ReservationStatusConfirmed).
		Count(&n).Error)
	return n
}

func reserveConcurrently(t *testing.T, env *testEnv, callers int, slotKey string) (confirmed, conflicts int32) {
	t.Helper()
	var ok, full atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Services.Executor.Reserve(context.Background(), ReserveRequest{
				TenantId:       "t1",
				ResourceId:     "room-1",
				SlotKey:        slotKey,
				IdempotencyKey: fmt.Sprintf("key-%d", i),
			})
			switch {
			case err == nil:
				ok.Add(1)
			case IsConflict(err):
				full.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	return ok.Load(), full.Load()
}

func TestReserve_CapacityOneAdmitsExactlyOne(t *testing.T) {
	env := newTestEnv(t)
	env.resource(t, "t1", "room-1", 1)

	confirmed, conflicts := reserveConcurrently(t, env, 10, "2024-06-01T10:00")
	assert.Equal(t, int32(1), confirmed)
	assert.Equal(t, int32(9), conflicts)
	assert.Equal(t, int64(1), countConfirmed(t, env, "t1", "room-1", "2024-06-01T10:00"))
}

func TestReserve_CapacityNeverExceeded(t *testing.T) {
	env := newTestEnv(t)
	env.resource(t, "t1", "room-1", 3)

	confirmed, conflicts := reserveConcurrently(t, env, 20, "2024-06-01T11:00")
	assert.Equal(t, int32(3), confirmed)
	assert.Equal(t, int32(17), conflicts)
	assert.Equal(t, int64(3), countConfirmed(t, env, "t1", "room-1", "2024-06-01T11:00"))

	// Other slots of the same resource are independent.
	_, err := env.Services.Executor.Reserve(context.Background(), ReserveRequest{
		TenantId: "t1", ResourceId: "room-1", SlotKey: "2024-06-01T12:00", IdempotencyKey: "other",
	})
	require.NoError(t, err)
}

func TestReserve_SameKeyIsReplayed(t *testing.T) {
	env := newTestEnv(t)
	env.resource(t, "t1", "room-1", 2)
	req := ReserveRequest{TenantId: "t1", ResourceId: "room-1", SlotKey: "s1", IdempotencyKey: "evt_1"}

	first, err := env.Services.Executor.Reserve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := env.Services.Executor.Reserve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Attempt.ID, second.Attempt.ID)
	assert.Equal(t, int64(1), countConfirmed(t, env, "t1", "room-1", "s1"))
}

func TestReserve_KeyReusedForOtherSlotReturnsOriginal(t *testing.T) {
	env := newTestEnv(t)
	env.resource(t, "t1", "room-1", 2)

	_, err := env.Services.Executor.Reserve(context.Background(), ReserveRequest{
		TenantId: "t1", ResourceId: "room-1", SlotKey: "s1", IdempotencyKey: "evt_1",
	})
	require.NoError(t, err)

	// The existing row is found first and returned as a replay of the original booking.
	res, err := env.Services.Executor.Reserve(context.Background(), ReserveRequest{
		TenantId: "t1", ResourceId: "room-1", SlotKey: "s2", IdempotencyKey: "evt_1",
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "s1", res.Attempt.SlotKey)
	assert.Equal(t, int64(0), countConfirmed(t, env, "t1", "room-1", "s2"))
}

func TestReserve_CancelledKeyCannotBookAgain(t *testing.T) {
	env := newTestEnv(t)
	env.resource(t, "t1", "room-1", 1)
	ctx := context.Background()
	req := ReserveRequest{TenantId: "t1", ResourceId: "room-1", SlotKey: "s1", IdempotencyKey: "k1"}

	_, err := env.Services.Executor.Reserve(ctx, req)
	require.NoError(t, err)
	_, err = env.Services.Executor.Cancel(ctx, "t1", "k1")
	require.NoError(t, err)

	res, err := env.Services.Executor.Reserve(ctx, req)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrReservationCancelled)
	assert.Zero(t, countConfirmed(t, env, "t1", "room-1", "s1"))
}

func TestReserve_RejectedKeyStaysRejected(t *testing.T) {
	env := newTestEnv(t)
	env.resource(t, "t1", "room-1", 1)
	ctx := context.Background()

	_, err := env.Services.Executor.Reserve(ctx, ReserveRequest{TenantId: "t1", ResourceId: "room-1", SlotKey: "s1", IdempotencyKey: "a"})
	require.NoError(t, err)
	late := ReserveRequest{TenantId: "t1", ResourceId: "room-1", SlotKey: "s1", IdempotencyKey: "b"}
	_, err = env.Services.Executor.Reserve(ctx, late)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.False(t, conflict.Replayed)
	assert.Equal(t, 1, conflict.Capacity)

	var stored models.ReservationAttempt
	require.NoError(t, env.DB.Where("tenant_id = ? AND idempotency_key = ?", "t1", "b").Take(&stored).Error)
	assert.Equal(t, models.ReservationStatusRejected, stored.Status)

	// Capacity frees up, but the answer for key b does not change.
	_, err = env.Services.Executor.Cancel(ctx, "t1", "a")
	require.NoError(t, err)
	_, err = env.Services.Executor.Reserve(ctx, late)
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.Replayed)
	assert.Zero(t, conflict.Confirmed)
	assert.Zero(t, countConfirmed(t, env, "t1", "room-1", "s1"))

	// A rejected reservation holds nothing to cancel.
	got, err := env.Services.Executor.Cancel(ctx, "t1", "b")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusRejected, got.Status)
	assert.Nil(t, got.CancelledAt)

	// Unkeyed attempts leave no row behind.
	_, err = env.Services.Executor.Reserve(ctx, ReserveRequest{TenantId: "t1", ResourceId: "room-1", SlotKey: "s1", IdempotencyKey: "c"})
	require.NoError(t, err)
	_, err = env.Services.Executor.Reserve(ctx, ReserveRequest{TenantId: "t1", ResourceId: "room-1", SlotKey: "s1"})
	assert.True(t, IsConflict(err))
	var rows int64
	require.NoError(t, env.DB.Model(&models.ReservationAttempt{}).Where("tenant_id = ?", "t1").Count(&rows).Error)
	assert.Equal(t, int64(3), rows)
}

func TestReserve_MissingResourceIsFatal(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Services.Executor.Reserve(context.Background(), ReserveRequest{
		TenantId: "t1", ResourceId: "ghost", SlotKey: "s1", IdempotencyKey: "evt_1",
	})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
	assert.True(t, errors.Is(err, ErrResourceNotFound))
}

func TestReserve_TenantsDoNotShareCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.resource(t, "t1", "room-1", 1)
	env.resource(t, "t2", "room-1", 1)

	for _, tenant := range []string{"t1", "t2"} {
		_, err := env.Services.Executor.Reserve(context.Background(), ReserveRequest{
			TenantId: tenant, ResourceId: "room-1", SlotKey: "s1", IdempotencyKey: "evt_1",
		})
		require.NoError(t, err, tenant)
	}
}

func TestCancel_FreesCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.resource(t, "t1", "room-1", 1)
	ctx := context.Background()

	_, err := env.Services.Executor.Reserve(ctx, ReserveRequest{TenantId: "t1", ResourceId: "room-1", SlotKey: "s1", IdempotencyKey: "a"})
	require.NoError(t, err)
	_, err = env.Services.Executor.Reserve(ctx, ReserveRequest{TenantId: "t1", ResourceId: "room-1", SlotKey: "s1", IdempotencyKey: "b"})
	require.True(t, IsConflict(err))

	cancelled, err := env.Services.Executor.Cancel(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)

	// Cancelling twice is a no-op.
	again, err := env.Services.Executor.Cancel(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Equal(t, cancelled.ID, again.ID)

	_, err = env.Services.Executor.Reserve(ctx, ReserveRequest{TenantId: "t1", ResourceId: "room-1", SlotKey: "s1", IdempotencyKey: "c"})
	require.NoError(t, err)

	_, err = env.Services.Executor.Cancel(ctx, "t1", "missing")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestAvailability_ReflectsConfirmed(t *testing.T) {
	env := newTestEnv(t)
	env.resource(t, "t1", "room-1", 3)
	ctx := context.Background()

	_, err := env.Services.Executor.Reserve(ctx, ReserveRequest{TenantId: "t1", ResourceId: "room-1", SlotKey: "s1", IdempotencyKey: "a"})
	require.NoError(t, err)

	av, err := env.Services.Executor.Availability(ctx, "t1", "room-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, av.Capacity)
	assert.Equal(t, 1, av.Confirmed)
	assert.Equal(t, 2, av.Remaining())

	_, err = env.Services.Executor.Availability(ctx, "t1", "ghost", "s1")
	assert.ErrorIs(t, err, ErrResourceNotFound)
}

func TestUpsertResource_UpdatesCapacity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.resource(t, "t1", "room-1", 1)
	env.resource(t, "t1", "room-1", 4)

	var rows []models.Resource
	require.NoError(t, env.DB.Where("tenant_id = ?", "t1").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, 4, rows[0].Capacity)

	_, err := env.Services.Executor.UpsertResource(ctx, models.Resource{TenantId: "t1", ResourceId: "room-2", Capacity: 0})
	assert.True(t, IsValidation(err))
}

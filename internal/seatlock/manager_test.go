package seatlock

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-booking-saga/internal/logger"
)

// setupTestRedis creates a Redis client backed by miniredis so no real Redis
// server is needed.
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		mr.Close()
		t.Fatalf("Failed to connect to miniredis: %v", err)
	}

	return client, mr
}

func cleanupTestRedis(client *redis.Client, mr *miniredis.Miniredis) {
	if client != nil {
		client.Close()
	}
	if mr != nil {
		mr.Close()
	}
}

func newTestManager(client *redis.Client, ttl time.Duration) *Manager {
	return NewManager(client, logger.NewLogger("seatlock-test"), ttl)
}

func TestLockSeats_AtomicOperation(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer cleanupTestRedis(client, mr)

	m := newTestManager(client, time.Minute)
	ctx := context.Background()

	seatIDs := []string{"A1", "A2", "A3"}

	// Lock the full group.
	locked, err := m.LockSeats(ctx, "saga-123", "show-1", seatIDs)
	require.NoError(t, err)
	assert.True(t, locked, "Should lock all seats successfully")

	// A second saga must be rejected wholesale.
	locked, err = m.LockSeats(ctx, "saga-456", "show-1", seatIDs)
	require.NoError(t, err)
	assert.False(t, locked, "Should not lock already locked seats")

	// Release, then a new saga can take them.
	err = m.ReleaseSeats(ctx, "saga-123", "show-1", seatIDs)
	require.NoError(t, err)

	locked, err = m.LockSeats(ctx, "saga-789", "show-1", seatIDs)
	require.NoError(t, err)
	assert.True(t, locked, "Should lock seats after release")
}

func TestLockSeats_SameSagaRetryIsIdempotent(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer cleanupTestRedis(client, mr)

	m := newTestManager(client, time.Minute)
	ctx := context.Background()

	seatIDs := []string{"B1", "B2"}

	locked, err := m.LockSeats(ctx, "saga-1", "show-1", seatIDs)
	require.NoError(t, err)
	require.True(t, locked)

	// A redelivered lock attempt from the same saga succeeds and refreshes
	// the lease instead of conflicting with itself.
	locked, err = m.LockSeats(ctx, "saga-1", "show-1", seatIDs)
	require.NoError(t, err)
	assert.True(t, locked, "Re-lock by the owning saga should succeed")
}

func TestLockSeats_PartialLockPrevention(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer cleanupTestRedis(client, mr)

	m := newTestManager(client, time.Minute)
	ctx := context.Background()

	// Pre-lock one seat with a different saga.
	locked, err := m.LockSeats(ctx, "existing-saga", "show-1", []string{"C2"})
	require.NoError(t, err)
	require.True(t, locked)

	// The group containing the taken seat must be rejected with nothing
	// retained.
	seatIDs := []string{"C1", "C2", "C3"}
	locked, err = m.LockSeats(ctx, "new-saga", "show-1", seatIDs)
	require.NoError(t, err)
	assert.False(t, locked, "Should not lock any seats if one is unavailable")

	_, err = client.Get(ctx, "seat_lock:show-1:C1").Result()
	assert.Equal(t, redis.Nil, err, "C1 should not be locked")

	_, err = client.Get(ctx, "seat_lock:show-1:C3").Result()
	assert.Equal(t, redis.Nil, err, "C3 should not be locked")

	val, err := client.Get(ctx, "seat_lock:show-1:C2").Result()
	require.NoError(t, err)
	assert.Equal(t, "existing-saga", val, "C2 should still be held by existing-saga")
}

func TestLockSeats_ExpiryFreesSeats(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer cleanupTestRedis(client, mr)

	m := newTestManager(client, 5*time.Second)
	ctx := context.Background()

	seatIDs := []string{"D1", "D2"}

	locked, err := m.LockSeats(ctx, "saga-stale", "show-1", seatIDs)
	require.NoError(t, err)
	require.True(t, locked)

	// Let the lease lapse.
	mr.FastForward(6 * time.Second)

	locked, err = m.LockSeats(ctx, "saga-fresh", "show-1", seatIDs)
	require.NoError(t, err)
	assert.True(t, locked, "Expired locks should not block a new saga")
}

func TestConfirmSeats_RemovesTTL(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer cleanupTestRedis(client, mr)

	m := newTestManager(client, 5*time.Second)
	ctx := context.Background()

	seatIDs := []string{"E1", "E2"}

	locked, err := m.LockSeats(ctx, "saga-buy", "show-1", seatIDs)
	require.NoError(t, err)
	require.True(t, locked)

	confirmed, err := m.ConfirmSeats(ctx, "saga-buy", "show-1", seatIDs)
	require.NoError(t, err)
	assert.True(t, confirmed)

	// Well past the old lease: confirmed seats must still block new locks.
	mr.FastForward(time.Minute)

	locked, err = m.LockSeats(ctx, "saga-late", "show-1", seatIDs)
	require.NoError(t, err)
	assert.False(t, locked, "Sold seats must never be lockable again")

	val, err := client.Get(ctx, "seat_sold:show-1:E1").Result()
	require.NoError(t, err)
	assert.Equal(t, "saga-buy", val)

	_, err = client.Get(ctx, "seat_lock:show-1:E1").Result()
	assert.Equal(t, redis.Nil, err, "lock key should be gone after confirm")
}

func TestConfirmSeats_FailsWhenLockLost(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer cleanupTestRedis(client, mr)

	m := newTestManager(client, 5*time.Second)
	ctx := context.Background()

	seatIDs := []string{"F1", "F2"}

	locked, err := m.LockSeats(ctx, "saga-slow", "show-1", seatIDs)
	require.NoError(t, err)
	require.True(t, locked)

	// Lease expires before confirm arrives.
	mr.FastForward(6 * time.Second)

	confirmed, err := m.ConfirmSeats(ctx, "saga-slow", "show-1", seatIDs)
	require.NoError(t, err)
	assert.False(t, confirmed, "Confirm must fail once the lease is gone")

	// Nothing was converted to sold.
	_, err = client.Get(ctx, "seat_sold:show-1:F1").Result()
	assert.Equal(t, redis.Nil, err)
}

func TestReleaseSeats_OnlyReleasesOwnSeats(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer cleanupTestRedis(client, mr)

	m := newTestManager(client, time.Minute)
	ctx := context.Background()

	seatIDs := []string{"G1", "G2", "G3"}

	locked, err := m.LockSeats(ctx, "saga-1", "show-1", seatIDs)
	require.NoError(t, err)
	require.True(t, locked)

	// A foreign saga's release is a no-op.
	err = m.ReleaseSeats(ctx, "saga-2", "show-1", seatIDs)
	require.NoError(t, err)

	available, unavailable, err := m.CheckSeatsAvailability(ctx, "show-1", seatIDs)
	require.NoError(t, err)
	assert.False(t, available, "Seats should still be locked")
	assert.Len(t, unavailable, len(seatIDs))

	// Double release by the owner is also a no-op.
	err = m.ReleaseSeats(ctx, "saga-1", "show-1", seatIDs)
	require.NoError(t, err)
	err = m.ReleaseSeats(ctx, "saga-1", "show-1", seatIDs)
	require.NoError(t, err)

	available, unavailable, err = m.CheckSeatsAvailability(ctx, "show-1", seatIDs)
	require.NoError(t, err)
	assert.True(t, available)
	assert.Empty(t, unavailable)
}

func TestReleaseConfirmedSeats_FreesSoldSeats(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer cleanupTestRedis(client, mr)

	m := newTestManager(client, time.Minute)
	ctx := context.Background()

	seatIDs := []string{"K1", "K2"}

	locked, err := m.LockSeats(ctx, "saga-undo", "show-1", seatIDs)
	require.NoError(t, err)
	require.True(t, locked)

	confirmed, err := m.ConfirmSeats(ctx, "saga-undo", "show-1", seatIDs)
	require.NoError(t, err)
	require.True(t, confirmed)

	// A foreign saga cannot free someone else's sold seats.
	err = m.ReleaseConfirmedSeats(ctx, "saga-other", "show-1", seatIDs)
	require.NoError(t, err)

	available, _, err := m.CheckSeatsAvailability(ctx, "show-1", seatIDs)
	require.NoError(t, err)
	assert.False(t, available, "Sold seats must survive a foreign release")

	// The owner's release returns them to the pool, and replaying it is a
	// no-op.
	err = m.ReleaseConfirmedSeats(ctx, "saga-undo", "show-1", seatIDs)
	require.NoError(t, err)
	err = m.ReleaseConfirmedSeats(ctx, "saga-undo", "show-1", seatIDs)
	require.NoError(t, err)

	locked, err = m.LockSeats(ctx, "saga-next", "show-1", seatIDs)
	require.NoError(t, err)
	assert.True(t, locked, "Released sold seats should be lockable again")
}

func TestCheckSeatsAvailability(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer cleanupTestRedis(client, mr)

	m := newTestManager(client, time.Minute)
	ctx := context.Background()

	seatIDs := []string{"H1", "H2", "H3"}

	available, unavailable, err := m.CheckSeatsAvailability(ctx, "show-1", seatIDs)
	require.NoError(t, err)
	assert.True(t, available)
	assert.Empty(t, unavailable)

	locked, err := m.LockSeats(ctx, "saga-9", "show-1", []string{"H2"})
	require.NoError(t, err)
	require.True(t, locked)

	available, unavailable, err = m.CheckSeatsAvailability(ctx, "show-1", seatIDs)
	require.NoError(t, err)
	assert.False(t, available)
	assert.Contains(t, unavailable, "H2")
	assert.Len(t, unavailable, 1)

	// Sold seats count as unavailable too.
	confirmed, err := m.ConfirmSeats(ctx, "saga-9", "show-1", []string{"H2"})
	require.NoError(t, err)
	require.True(t, confirmed)

	available, unavailable, err = m.CheckSeatsAvailability(ctx, "show-1", seatIDs)
	require.NoError(t, err)
	assert.False(t, available)
	assert.Contains(t, unavailable, "H2")
}

func TestConcurrentLockAttempts_NoPartialLocks(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer cleanupTestRedis(client, mr)

	m := newTestManager(client, time.Minute)
	ctx := context.Background()

	seatIDs := []string{"J1", "J2", "J3"}
	const numAttempts = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := make([]string, 0)

	for i := 0; i < numAttempts; i++ {
		wg.Add(1)
		go func(attemptNum int) {
			defer wg.Done()

			sagaID := fmt.Sprintf("concurrent-saga-%d", attemptNum)
			locked, err := m.LockSeats(ctx, sagaID, "show-1", seatIDs)

			if err == nil && locked {
				mu.Lock()
				winners = append(winners, sagaID)
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)
				m.ReleaseSeats(ctx, sagaID, "show-1", seatIDs)
			}
		}(i)
	}

	wg.Wait()

	assert.Greater(t, len(winners), 0, "At least some lock attempts should succeed")

	// With the group held, every seat belongs to the same holder at any
	// point in time; a final grab proves the set ends consistent.
	locked, err := m.LockSeats(ctx, "final-saga", "show-1", seatIDs)
	require.NoError(t, err)
	assert.True(t, locked, "All seats should be free after the storm")

	t.Logf("Successful locks: %d out of %d attempts", len(winners), numAttempts)
}

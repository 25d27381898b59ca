package seatlock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-booking-saga/internal/logger"
)

// Manager owns the seat reservation state in Redis. A held lock is
// seat_lock:{showtime}:{seat} -> sagaID with a TTL; a confirmed (sold) seat
// is seat_sold:{showtime}:{seat} -> sagaID with no TTL. Expired locks vanish
// on their own, which is the lazy expiry sweep: the next lock attempt simply
// finds the key gone.
type Manager struct {
	Client *redis.Client
	Logger *logger.Logger
	TTL    time.Duration
}

func NewManager(client *redis.Client, log *logger.Logger, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{Client: client, Logger: log, TTL: ttl}
}

// lockScript takes 2N keys (N lock keys then N sold keys) and grants the
// whole seat group or nothing. Re-locking seats already held by the same
// saga refreshes the lease, so a retried LOCK_SEATS attempt is a no-op.
var lockScript = redis.NewScript(`
local n = #KEYS / 2
for i = 1, n do
  if redis.call("EXISTS", KEYS[n + i]) == 1 then
    return 0
  end
  local holder = redis.call("GET", KEYS[i])
  if holder and holder ~= ARGV[1] then
    return 0
  end
end
for i = 1, n do
  redis.call("SET", KEYS[i], ARGV[1], "PX", ARGV[2])
end
return 1
`)

// releaseScript deletes only the keys still owned by the caller. It serves
// both lock keys and sold markers: releasing a foreign or absent key is a
// no-op, which keeps replayed compensation events harmless.
var releaseScript = redis.NewScript(`
local released = 0
for i = 1, #KEYS do
  if redis.call("GET", KEYS[i]) == ARGV[1] then
    redis.call("DEL", KEYS[i])
    released = released + 1
  end
end
return released
`)

// confirmScript converts held locks into permanent sold markers. It fails if
// any lock is no longer owned by the caller (expired or taken over), and in
// that case converts nothing.
var confirmScript = redis.NewScript(`
local n = #KEYS / 2
for i = 1, n do
  if redis.call("GET", KEYS[i]) ~= ARGV[1] then
    return 0
  end
end
for i = 1, n do
  redis.call("SET", KEYS[n + i], ARGV[1])
  redis.call("DEL", KEYS[i])
end
return 1
`)

func lockKey(showtimeID, seatID string) string {
	return fmt.Sprintf("seat_lock:%s:%s", showtimeID, seatID)
}

func soldKey(showtimeID, seatID string) string {
	return fmt.Sprintf("seat_sold:%s:%s", showtimeID, seatID)
}

func (m *Manager) keys(showtimeID string, seatIDs []string) []string {
	keys := make([]string, 0, len(seatIDs)*2)
	for _, s := range seatIDs {
		keys = append(keys, lockKey(showtimeID, s))
	}
	for _, s := range seatIDs {
		keys = append(keys, soldKey(showtimeID, s))
	}
	return keys
}

// LockSeats atomically grants a time-bounded lease on the whole seat group.
// Returns false when any seat is held by another saga or already sold;
// nothing is retained in that case. First committer wins.
func (m *Manager) LockSeats(ctx context.Context, sagaID, showtimeID string, seatIDs []string) (bool, error) {
	if len(seatIDs) == 0 {
		return false, fmt.Errorf("no seats requested")
	}

	res, err := lockScript.Run(ctx, m.Client, m.keys(showtimeID, seatIDs), sagaID, m.TTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("seat lock script: %w", err)
	}
	if res != 1 {
		m.Logger.LogLock(sagaID, fmt.Sprintf("conflict locking %d seats for showtime %s", len(seatIDs), showtimeID))
		return false, nil
	}

	m.Logger.LogLock(sagaID, fmt.Sprintf("locked %d seats for showtime %s (ttl %s)", len(seatIDs), showtimeID, m.TTL))
	return true, nil
}

// ReleaseSeats drops the locks still owned by sagaID. Idempotent.
func (m *Manager) ReleaseSeats(ctx context.Context, sagaID, showtimeID string, seatIDs []string) error {
	if len(seatIDs) == 0 {
		return nil
	}

	keys := make([]string, 0, len(seatIDs))
	for _, s := range seatIDs {
		keys = append(keys, lockKey(showtimeID, s))
	}

	released, err := releaseScript.Run(ctx, m.Client, keys, sagaID).Int()
	if err != nil {
		return fmt.Errorf("seat release script: %w", err)
	}
	if released > 0 {
		m.Logger.LogLock(sagaID, fmt.Sprintf("released %d seats for showtime %s", released, showtimeID))
	}
	return nil
}

// ReleaseConfirmedSeats drops the sold markers still owned by sagaID,
// returning confirmed seats to the pool. Sold markers carry no TTL, so this
// is the only way back for a saga that is unwound after confirmation.
// Idempotent.
func (m *Manager) ReleaseConfirmedSeats(ctx context.Context, sagaID, showtimeID string, seatIDs []string) error {
	if len(seatIDs) == 0 {
		return nil
	}

	keys := make([]string, 0, len(seatIDs))
	for _, s := range seatIDs {
		keys = append(keys, soldKey(showtimeID, s))
	}

	released, err := releaseScript.Run(ctx, m.Client, keys, sagaID).Int()
	if err != nil {
		return fmt.Errorf("sold seat release script: %w", err)
	}
	if released > 0 {
		m.Logger.LogLock(sagaID, fmt.Sprintf("released %d sold seats for showtime %s", released, showtimeID))
	}
	return nil
}

// ConfirmSeats converts the lease into a permanent booked state, removing
// the TTL. Returns false when the lock is no longer owned by sagaID.
func (m *Manager) ConfirmSeats(ctx context.Context, sagaID, showtimeID string, seatIDs []string) (bool, error) {
	if len(seatIDs) == 0 {
		return false, fmt.Errorf("no seats to confirm")
	}

	res, err := confirmScript.Run(ctx, m.Client, m.keys(showtimeID, seatIDs), sagaID).Int()
	if err != nil {
		return false, fmt.Errorf("seat confirm script: %w", err)
	}
	if res != 1 {
		m.Logger.LogLock(sagaID, fmt.Sprintf("confirm failed, lock lost for showtime %s", showtimeID))
		return false, nil
	}

	m.Logger.LogLock(sagaID, fmt.Sprintf("confirmed %d seats for showtime %s", len(seatIDs), showtimeID))
	return true, nil
}

// CheckSeatsAvailability reports which of the requested seats are currently
// locked or sold, without taking anything.
func (m *Manager) CheckSeatsAvailability(ctx context.Context, showtimeID string, seatIDs []string) (bool, []string, error) {
	var unavailable []string
	for _, seatID := range seatIDs {
		for _, key := range []string{lockKey(showtimeID, seatID), soldKey(showtimeID, seatID)} {
			n, err := m.Client.Exists(ctx, key).Result()
			if err != nil {
				return false, nil, err
			}
			if n > 0 {
				unavailable = append(unavailable, seatID)
				break
			}
		}
	}
	if len(unavailable) > 0 {
		return false, unavailable, nil
	}
	return true, nil, nil
}

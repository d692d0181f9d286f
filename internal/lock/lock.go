// Package lock implements the per-service single-writer guarantee on top of
// Redis: SET NX PX with a UUID fencing token, and a compare-and-delete release
// so a stale owner can never free someone else's lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mextic/recargas-sub000/internal/core"
)

// ErrBusy is returned when another process holds the service lock. Callers
// treat it as a normal skip, not a failure.
var ErrBusy = errors.New("lock: held by another owner")

// ErrLost is returned by Check when the TTL expired or the key was taken
// over. The holder must stop issuing external side effects for the cycle.
var ErrLost = errors.New("lock: ownership lost")

// releaseScript deletes the key only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a held lock for one service cycle.
type Lease struct {
	Service core.Service
	Token   string
	key     string
}

// Manager acquires and releases per-service cycle locks.
type Manager struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewManager wires the lock manager to a connected Redis client. TTL must
// exceed the worst expected cycle duration.
func NewManager(rdb *redis.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Manager{rdb: rdb, ttl: ttl}
}

// Connect opens and pings a Redis client for the coordinator store.
func Connect(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	slog.Info("coordinator store connected", "addr", addr, "db", db)
	return rdb, nil
}

func keyFor(svc core.Service) string {
	return "recharge_" + string(svc)
}

// Acquire takes the service lock or returns ErrBusy.
func (m *Manager) Acquire(ctx context.Context, svc core.Service) (*Lease, error) {
	token := uuid.NewString()
	key := keyFor(svc)
	ok, err := m.rdb.SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return &Lease{Service: svc, Token: token, key: key}, nil
}

// Check verifies the lease is still ours. ErrLost means the TTL expired or
// another owner took the key; all further side effects are forbidden.
func (m *Manager) Check(ctx context.Context, l *Lease) error {
	val, err := m.rdb.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return ErrLost
	}
	if err != nil {
		return fmt.Errorf("lock check %s: %w", l.key, err)
	}
	if val != l.Token {
		return ErrLost
	}
	return nil
}

// Release frees the lock if the token still matches. Idempotent: releasing a
// lease that already expired is a no-op.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	n, err := releaseScript.Run(ctx, m.rdb, []string{l.key}, l.Token).Int()
	if err != nil {
		return fmt.Errorf("lock release %s: %w", l.key, err)
	}
	if n == 0 {
		slog.Warn("lock already gone at release", "service", l.Service, "key", l.key)
	}
	return nil
}

// TTL exposes the configured lease duration (provider timeouts are derived
// from it).
func (m *Manager) TTL() time.Duration { return m.ttl }

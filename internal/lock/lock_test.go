package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mextic/recargas-sub000/internal/core"
)

func testManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewManager(rdb, 10*time.Minute), mr
}

func TestAcquireAndRelease(t *testing.T) {
	m, mr := testManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, core.ServiceGPS)
	require.NoError(t, err)
	require.NotEmpty(t, lease.Token)
	assert.True(t, mr.Exists("recharge_GPS"))

	require.NoError(t, m.Release(ctx, lease))
	assert.False(t, mr.Exists("recharge_GPS"))
}

func TestAcquireBusy(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, core.ServiceVOZ)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, core.ServiceVOZ)
	assert.ErrorIs(t, err, ErrBusy)

	// Other services are independent.
	_, err = m.Acquire(ctx, core.ServiceGPS)
	assert.NoError(t, err)

	require.NoError(t, m.Release(ctx, first))
	_, err = m.Acquire(ctx, core.ServiceVOZ)
	assert.NoError(t, err)
}

func TestCheckDetectsExpiry(t *testing.T) {
	m, mr := testManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, core.ServiceGPS)
	require.NoError(t, err)
	require.NoError(t, m.Check(ctx, lease))

	mr.FastForward(11 * time.Minute)
	assert.ErrorIs(t, m.Check(ctx, lease), ErrLost)
}

func TestCheckDetectsTakeover(t *testing.T) {
	m, mr := testManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, core.ServiceGPS)
	require.NoError(t, err)

	// TTL lapses and somebody else grabs the key.
	mr.FastForward(11 * time.Minute)
	_, err = m.Acquire(ctx, core.ServiceGPS)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Check(ctx, lease), ErrLost)
}

func TestReleaseNeverFreesAnotherOwner(t *testing.T) {
	m, mr := testManager(t)
	ctx := context.Background()

	stale, err := m.Acquire(ctx, core.ServiceELIoT)
	require.NoError(t, err)

	mr.FastForward(11 * time.Minute)
	fresh, err := m.Acquire(ctx, core.ServiceELIoT)
	require.NoError(t, err)

	// Releasing the stale lease must not drop the new owner's lock.
	require.NoError(t, m.Release(ctx, stale))
	require.NoError(t, m.Check(ctx, fresh))
}

func TestReleaseIdempotent(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, core.ServiceGPS)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, lease))
	require.NoError(t, m.Release(ctx, lease))
}

func TestDefaultTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	m := NewManager(rdb, 0)
	assert.Equal(t, 10*time.Minute, m.TTL())
}

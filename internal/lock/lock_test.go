package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLocalLocker()

	held, ok, err := l.TryLock(ctx, "lock:sync", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "lock:sync", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second TryLock must fail while held")

	_, ok, err = l.TryLock(ctx, "lock:other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "different keys are independent")

	require.NoError(t, held.Unlock(ctx))
	require.NoError(t, held.Unlock(ctx))

	_, ok, err = l.TryLock(ctx, "lock:sync", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLockerExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLocker()
	l.nowFn = func() time.Time { return now }

	stale, ok, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	fresh, ok, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok, "expired lock can be taken over")

	// releasing the expired holder must not free the new holder's lock
	require.NoError(t, stale.Unlock(ctx))
	_, ok, err = l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, fresh.Unlock(ctx))
}

func TestRedisLockerExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2, DisableIdentity: true})
	t.Cleanup(func() { _ = client.Close() })
	l := RedisLocker{Client: client}

	held, ok, err := l.TryLock(ctx, "lock:lifecycle:https://app.example", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("lock:lifecycle:https://app.example"))

	_, ok, err = l.TryLock(ctx, "lock:lifecycle:https://app.example", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// a lock that expired and was taken over is not released by the old holder
	mr.FastForward(2 * time.Minute)
	next, ok, err := l.TryLock(ctx, "lock:lifecycle:https://app.example", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, held.Unlock(ctx))
	assert.True(t, mr.Exists("lock:lifecycle:https://app.example"))

	require.NoError(t, next.Unlock(ctx))
	assert.False(t, mr.Exists("lock:lifecycle:https://app.example"))
}

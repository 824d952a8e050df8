//go:build integration

package itemlock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	addr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(addr)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	client := startRedis(t)

	a := NewRedis(client, time.Minute)
	b := NewRedis(client, time.Minute)

	lock, err := a.Acquire(ctx, 42)
	require.NoError(t, err)

	_, err = b.Acquire(ctx, 42)
	assert.True(t, errs.IsKind(err, errs.KindConflict), "got %v", err)

	ttl, err := client.PTTL(ctx, DefaultPrefix+"42").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, lock.Release(ctx))
	assert.ErrorIs(t, lock.Release(ctx), ErrLockLost)

	lock, err = b.Acquire(ctx, 42)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
}

func TestRedisReleaseDoesNotStealExpiredLock(t *testing.T) {
	ctx := context.Background()
	client := startRedis(t)

	short := NewRedis(client, 50*time.Millisecond)
	stale, err := short.Acquire(ctx, 9)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := client.Exists(ctx, DefaultPrefix+"9").Result()
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)

	fresh, err := NewRedis(client, time.Minute).Acquire(ctx, 9)
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Release(ctx), ErrLockLost)
	_, err = short.Acquire(ctx, 9)
	assert.True(t, errs.IsKind(err, errs.KindConflict), "got %v", err)
	require.NoError(t, fresh.Release(ctx))
}

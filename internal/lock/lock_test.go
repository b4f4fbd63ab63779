package lock

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessLock_SkipsOverlap(t *testing.T) {
	l := NewProcessLock()
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "overlapping run must be skipped, not queued")

	require.NoError(t, l.Release(ctx))
	ok, err = l.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_Acquire(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l := NewRedisLock(client, "live", 30*time.Minute)

	mock.ExpectSetNX(l.key, l.holder, 30*time.Minute).SetVal(true)
	ok, err := l.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLock_HeldElsewhere(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l := NewRedisLock(client, "live", 30*time.Minute)

	mock.ExpectSetNX(l.key, l.holder, 30*time.Minute).SetVal(false)
	ok, err := l.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLock_ReleaseOnlyOwnLease(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l := NewRedisLock(client, "live", 30*time.Minute)

	t.Run("own_lease_deleted", func(t *testing.T) {
		mock.ExpectGet(l.key).SetVal(l.holder)
		mock.ExpectDel(l.key).SetVal(1)
		assert.NoError(t, l.Release(context.Background()))
	})

	t.Run("foreign_lease_untouched", func(t *testing.T) {
		mock.ExpectGet(l.key).SetVal("someone-else")
		assert.NoError(t, l.Release(context.Background()))
	})

	t.Run("expired_lease_ok", func(t *testing.T) {
		mock.ExpectGet(l.key).RedisNil()
		assert.NoError(t, l.Release(context.Background()))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLock_DistinctInstancesDistinctKeys(t *testing.T) {
	client, _ := redismock.NewClientMock()
	live := NewRedisLock(client, "live", time.Minute)
	mockInst := NewRedisLock(client, "mock", time.Minute)
	assert.NotEqual(t, live.key, mockInst.key)
}

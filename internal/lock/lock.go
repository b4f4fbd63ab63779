package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RunLock guards one trading-mode instance against overlapping pipeline runs.
// TryAcquire never blocks: a run that finds the lock held is skipped, not
// queued. Distinct instances (e.g. mock and live side by side) use distinct
// keys and may run in parallel.
type RunLock interface {
	// TryAcquire returns true when the lock was taken.
	TryAcquire(ctx context.Context) (bool, error)

	// Release frees the lock if this holder still owns it.
	Release(ctx context.Context) error
}

// ProcessLock is the in-process lock used when no Redis backend is configured.
type ProcessLock struct {
	mu sync.Mutex
}

// NewProcessLock creates an in-process run lock.
func NewProcessLock() *ProcessLock {
	return &ProcessLock{}
}

// TryAcquire implements RunLock.
func (l *ProcessLock) TryAcquire(_ context.Context) (bool, error) {
	return l.mu.TryLock(), nil
}

// Release implements RunLock.
func (l *ProcessLock) Release(_ context.Context) error {
	l.mu.Unlock()
	return nil
}

// RedisLock is a SETNX lease protecting a trading-mode instance across
// processes. The lease expires after TTL so a crashed holder cannot wedge the
// next day's run.
type RedisLock struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	holder string
}

// NewRedisLock creates a lease on "allocrun:runlock:<instance>".
func NewRedisLock(client redis.Cmdable, instance string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client: client,
		key:    "allocrun:runlock:" + instance,
		ttl:    ttl,
		holder: uuid.NewString(),
	}
}

// TryAcquire implements RunLock.
func (l *RedisLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock %s: %w", l.key, err)
	}
	if !ok {
		log.Warn().Str("key", l.key).Msg("Run lock already held, skipping run")
	}
	return ok, nil
}

// Release deletes the lease only if this process still holds it; an expired
// lease taken over by another holder is left alone.
func (l *RedisLock) Release(ctx context.Context) error {
	val, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to inspect run lock %s: %w", l.key, err)
	}
	if val != l.holder {
		log.Warn().Str("key", l.key).Msg("Run lock held by another process, not releasing")
		return nil
	}
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("failed to release run lock %s: %w", l.key, err)
	}
	return nil
}

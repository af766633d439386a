package engine

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// BatchLock guards a batch driver against overlapping invocations:
// the driver claims the lock before processing and skips the run when
// another invocation holds it. Whether overlap is actually possible
// depends on the external scheduler, so locking is optional.
type BatchLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLock implements BatchLock with a SETNX claim.
type RedisLock struct {
	client *redis.Client
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (l *RedisLock) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, key).Err()
}

// NoopLock always grants the claim, for deployments whose scheduler
// already guarantees non-overlapping invocations.
type NoopLock struct{}

func (NoopLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (NoopLock) Release(ctx context.Context, key string) error {
	return nil
}

// Package scheduler drives the reporting pipeline on a fixed cadence. It
// owns the run state machine, the per-task retry policy, the single-instance
// lock, and the extract -> transform -> load -> invalidate DAG.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// lockKey is the advisory single-instance lock shared by every pipeline
// deployment. Its value is the holding run's id; its TTL equals the
// whole-run ceiling so a crashed run can never wedge the schedule.
const lockKey = "reporting:etl:run-lock"

// Locker is the single-instance lock contract the runner depends on.
type Locker interface {
	// Acquire attempts to take the lock for runID. It returns false
	// without error when another run holds it.
	Acquire(ctx context.Context, runID string) (bool, error)

	// Release frees the lock if runID still holds it.
	Release(ctx context.Context, runID string) error
}

// RedisLock implements Locker on Redis with SET NX and a TTL.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLock connects to Redis and verifies connectivity. ttl should be
// the whole-run ceiling.
func NewRedisLock(redisURL string, ttl time.Duration) (*RedisLock, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLock{client: client, ttl: ttl}, nil
}

// NewRedisLockWithClient wraps an existing client, used by tests.
func NewRedisLockWithClient(client *redis.Client, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, ttl: ttl}
}

// Acquire takes the lock via SET NX EX. The lock is advisory: the TTL, not
// the holder, is the ultimate guarantee of release.
func (l *RedisLock) Acquire(ctx context.Context, runID string) (bool, error) {
	return l.client.SetNX(ctx, lockKey, runID, l.ttl).Result()
}

// Release deletes the lock if this run still owns it. A run that outlived
// its TTL finds another owner (or none) and leaves the key alone.
func (l *RedisLock) Release(ctx context.Context, runID string) error {
	holder, err := l.client.Get(ctx, lockKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if holder != runID {
		return nil
	}
	return l.client.Del(ctx, lockKey).Err()
}

// Ping verifies Redis connectivity for health checks.
func (l *RedisLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (l *RedisLock) Close() error {
	return l.client.Close()
}

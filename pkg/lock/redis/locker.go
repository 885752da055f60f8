// Package redis provides a lease backend that arbitrates run claims in Redis
// before recording them on the run row.
//
// The Redis key rejects contending workers without a store round trip. The run
// row lease stays the fencing point the engine's conditional writes check, so
// the inner locker is always consulted after Redis grants the key.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/datachoreography/choreo/pkg/lock"
)

const keyPrefix = "choreo:lease:"

var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Locker guards a store locker with a Redis lease.
type Locker struct {
	client goredis.UniversalClient
	inner  lock.Locker
	logger *slog.Logger
}

func NewLocker(client goredis.UniversalClient, inner lock.Locker, logger *slog.Logger) *Locker {
	return &Locker{
		client: client,
		inner:  inner,
		logger: logger.With("module", "lock.redis"),
	}
}

// NewClient parses a redis:// URL.
func NewClient(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	return goredis.NewClient(opts), nil
}

func leaseKey(tenantID, runID string) string {
	return keyPrefix + tenantID + ":" + runID
}

func (l *Locker) TTL() time.Duration {
	return l.inner.TTL()
}

func (l *Locker) Acquire(ctx context.Context, tenantID, runID, workerID string) (bool, error) {
	key := leaseKey(tenantID, runID)

	ok, err := l.client.SetNX(ctx, key, workerID, l.TTL()).Result()
	if err != nil {
		return false, fmt.Errorf("redis lease setnx: %w", err)
	}

	if !ok {
		current, err := l.client.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return false, fmt.Errorf("redis lease get: %w", err)
		}

		if current != workerID {
			return false, nil
		}

		if err := l.client.PExpire(ctx, key, l.TTL()).Err(); err != nil {
			return false, fmt.Errorf("redis lease pexpire: %w", err)
		}
	}

	held, err := l.inner.Acquire(ctx, tenantID, runID, workerID)
	if err != nil || !held {
		if _, relErr := releaseScript.Run(ctx, l.client, []string{key}, workerID).Int(); relErr != nil {
			l.logger.WarnContext(ctx, "Failed to drop redis lease", "run_id", runID, "error", relErr)
		}

		return false, err
	}

	return true, nil
}

func (l *Locker) Release(ctx context.Context, tenantID, runID, workerID string) (bool, error) {
	released, err := l.inner.Release(ctx, tenantID, runID, workerID)
	if err != nil {
		return false, err
	}

	if _, err := releaseScript.Run(ctx, l.client, []string{leaseKey(tenantID, runID)}, workerID).Int(); err != nil {
		return released, fmt.Errorf("redis lease release: %w", err)
	}

	return released, nil
}

func (l *Locker) Extend(ctx context.Context, tenantID, runID, workerID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = l.TTL()
	}

	n, err := extendScript.Run(ctx, l.client, []string{leaseKey(tenantID, runID)}, workerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis lease extend: %w", err)
	}

	if n == 0 {
		return false, nil
	}

	return l.inner.Extend(ctx, tenantID, runID, workerID, ttl)
}

// SweepExpired clears row leases; Redis keys expire on their own.
func (l *Locker) SweepExpired(ctx context.Context) (int, error) {
	return l.inner.SweepExpired(ctx)
}

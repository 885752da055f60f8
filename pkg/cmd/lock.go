package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/datachoreography/choreo/pkg/lock"
	"github.com/datachoreography/choreo/pkg/lock/redis"
	"github.com/datachoreography/choreo/pkg/persistence"
)

var ErrUnsupportedLockBackend = errors.New("unsupported lock backend")

// NewLocker returns the store locker, optionally fronted by Redis. The
// returned client is nil unless the redis backend was selected.
//
//nolint:ireturn
func NewLocker(
	backend, redisURL string,
	runs persistence.RunRepository,
	ttl time.Duration,
	logger *slog.Logger,
) (lock.Locker, *goredis.Client, error) {
	store := lock.NewStoreLocker(runs, ttl, logger)

	switch backend {
	case "store", "":
		return store, nil, nil
	case "redis":
		if redisURL == "" {
			return nil, nil, fmt.Errorf("redis backend requires a redis url: %w", ErrUnsupportedLockBackend)
		}

		client, err := redis.NewClient(redisURL)
		if err != nil {
			return nil, nil, err
		}

		return redis.NewLocker(client, store, logger), client, nil
	default:
		return nil, nil, fmt.Errorf("%q: %w", backend, ErrUnsupportedLockBackend)
	}
}

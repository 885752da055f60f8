// Package lock provides the distributed run lease.
//
// A lease is held by one worker until it expires or is released. Acquire
// succeeds when the run is unleased, its lease expired, or the caller already
// holds it. Only the recorded holder may release or extend.
package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/datachoreography/choreo/pkg/persistence"
)

// DefaultTTL is the lease duration.
const DefaultTTL = 30 * time.Second

// Locker leases runs to workers.
type Locker interface {
	Acquire(ctx context.Context, tenantID, runID, workerID string) (bool, error)
	Release(ctx context.Context, tenantID, runID, workerID string) (bool, error)
	Extend(ctx context.Context, tenantID, runID, workerID string, ttl time.Duration) (bool, error)

	// SweepExpired clears leases that expired without release and returns how many.
	SweepExpired(ctx context.Context) (int, error)

	TTL() time.Duration
}

// StoreLocker keeps the lease on the run row using the store's conditional writes.
type StoreLocker struct {
	runs   persistence.RunRepository
	ttl    time.Duration
	logger *slog.Logger
	clock  func() time.Time
}

// NewStoreLocker creates a locker. A non-positive ttl selects DefaultTTL.
func NewStoreLocker(runs persistence.RunRepository, ttl time.Duration, logger *slog.Logger) *StoreLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &StoreLocker{
		runs:   runs,
		ttl:    ttl,
		logger: logger.With("module", "lock"),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

func (l *StoreLocker) TTL() time.Duration {
	return l.ttl
}

func (l *StoreLocker) Acquire(ctx context.Context, tenantID, runID, workerID string) (bool, error) {
	now := l.clock()

	ok, err := l.runs.AcquireLock(ctx, tenantID, runID, workerID, now, now.Add(l.ttl))
	if err != nil {
		return false, err
	}

	if ok {
		l.logger.DebugContext(ctx, "Acquired run lease", "run_id", runID, "worker_id", workerID)
	}

	return ok, nil
}

func (l *StoreLocker) Release(ctx context.Context, tenantID, runID, workerID string) (bool, error) {
	return l.runs.ReleaseLock(ctx, tenantID, runID, workerID)
}

func (l *StoreLocker) Extend(ctx context.Context, tenantID, runID, workerID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = l.ttl
	}

	now := l.clock()

	return l.runs.ExtendLock(ctx, tenantID, runID, workerID, now, now.Add(ttl))
}

func (l *StoreLocker) SweepExpired(ctx context.Context) (int, error) {
	n, err := l.runs.ClearExpiredLocks(ctx, l.clock())
	if err != nil {
		return 0, err
	}

	if n > 0 {
		l.logger.InfoContext(ctx, "Cleared expired run leases", "count", n)
	}

	return n, nil
}

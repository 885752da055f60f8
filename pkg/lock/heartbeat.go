package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrLeaseLost is the cancellation cause when a heartbeat could not extend the lease.
var ErrLeaseLost = errors.New("run lease lost")

// Heartbeat extends the lease every TTL/3 until stop is called. The returned
// context is cancelled with ErrLeaseLost when an extension is refused, so work
// bound to it stops once another worker may have reclaimed the run.
func Heartbeat(ctx context.Context, l Locker, tenantID, runID, workerID string, logger *slog.Logger) (leased context.Context, stop func()) {
	leased, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})

	ttl := l.TTL()
	interval := max(ttl/3, 10*time.Millisecond)

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-leased.Done():
				return
			case <-ticker.C:
				ok, err := l.Extend(leased, tenantID, runID, workerID, ttl)
				if err != nil {
					if leased.Err() != nil {
						return
					}

					// Retried on the next tick.
					logger.WarnContext(ctx, "Failed to extend run lease", "run_id", runID, "error", err)

					continue
				}

				if !ok {
					logger.WarnContext(ctx, "Run lease lost", "run_id", runID, "worker_id", workerID)
					cancel(ErrLeaseLost)

					return
				}
			}
		}
	}()

	return leased, func() {
		cancel(context.Canceled)
		<-done
	}
}

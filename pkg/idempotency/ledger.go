// Package idempotency deduplicates write operations by (tenant, scope, key).
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/datachoreography/choreo/pkg/faults"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

var (
	ErrMissingKey = faults.Validation("idempotency", "missing_idempotency_key", "idempotency key is required")
	ErrInProgress = faults.Conflict("idempotency", "request_in_progress", "a request with this idempotency key is still in progress")
)

// WorkflowScope scopes a key to one workflow.
func WorkflowScope(workflowID string) string {
	return "workflow:" + workflowID
}

// EntityScope scopes a key to an entity kind and operation, e.g. "connection.store".
func EntityScope(name string) string {
	return "entity:" + name
}

// ActionScope scopes provider side effects of one (provider, action) pair.
func ActionScope(provider, action string) string {
	return "action:" + provider + "." + action
}

// Result of a reservation.
type Result struct {
	// IsNew is true when the caller won the key and must perform the operation.
	IsNew bool

	// Response is the recorded response of a completed earlier call.
	Response json.RawMessage
}

// DefaultInProgressTTL bounds how long a reservation blocks its key before
// completion. It outlasts a step invoked with every retry at the maximum timeout.
const DefaultInProgressTTL = 5 * time.Minute

type Ledger struct {
	repo          persistence.IdempotencyRepository
	retention     time.Duration
	inProgressTTL time.Duration
	logger        *slog.Logger
	clock         func() time.Time
}

type Option func(*Ledger)

// WithInProgressTTL sets how long an uncompleted reservation holds its key.
// A reservation left behind by a crashed caller is reclaimable after it.
func WithInProgressTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.inProgressTTL = ttl
		}
	}
}

// NewLedger creates a ledger. A non-positive retention selects 24h.
func NewLedger(repo persistence.IdempotencyRepository, retention time.Duration, logger *slog.Logger, opts ...Option) *Ledger {
	if retention <= 0 {
		retention = models.DefaultIdempotencyRetention
	}

	l := &Ledger{
		repo:          repo,
		retention:     retention,
		inProgressTTL: DefaultInProgressTTL,
		logger:        logger.With("module", "idempotency"),
		clock:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(l)
	}

	l.inProgressTTL = min(l.inProgressTTL, l.retention)

	return l
}

// CheckOrReserve atomically reserves the key. A key whose earlier call completed
// returns its cached response; a key still in progress returns ErrInProgress
// until its reservation lapses.
func (l *Ledger) CheckOrReserve(ctx context.Context, tenantID, scope, key string) (*Result, error) {
	if key == "" {
		return nil, ErrMissingKey
	}

	now := l.clock()

	existing, reserved, err := l.repo.Reserve(ctx, &models.IdempotencyRecord{
		TenantID:  tenantID,
		Scope:     scope,
		Key:       key,
		Status:    models.IdempotencyInProgress,
		CreatedAt: now,
		ExpiresAt: now.Add(l.inProgressTTL),
	}, now)
	if err != nil {
		return nil, err
	}

	if reserved {
		return &Result{IsNew: true}, nil
	}

	if existing.Status != models.IdempotencyCompleted {
		return nil, fmt.Errorf("%s/%s: %w", scope, key, ErrInProgress)
	}

	l.logger.DebugContext(ctx, "Replaying idempotent response", "tenant_id", tenantID, "scope", scope)

	return &Result{Response: existing.Response}, nil
}

// Complete records the response for a reserved key and replays it for the
// full retention from now.
func (l *Ledger) Complete(ctx context.Context, tenantID, scope, key string, response any) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}

	return l.repo.Complete(ctx, tenantID, scope, key, data, l.clock().Add(l.retention))
}

// Release drops a reservation so the caller may retry after a failure.
func (l *Ledger) Release(ctx context.Context, tenantID, scope, key string) error {
	return l.repo.Delete(ctx, tenantID, scope, key)
}

// Purge deletes every key past retention.
func (l *Ledger) Purge(ctx context.Context) (int, error) {
	n, err := l.repo.PurgeExpired(ctx, l.clock())
	if err != nil {
		return 0, err
	}

	if n > 0 {
		l.logger.InfoContext(ctx, "Purged expired idempotency keys", "count", n)
	}

	return n, nil
}

// Do runs fn at most once per key within retention. A replayed call decodes the
// recorded response into T and reports replayed=true. When fn fails the
// reservation is released and the error returned.
func Do[T any](ctx context.Context, l *Ledger, tenantID, scope, key string, fn func(ctx context.Context) (T, error)) (result T, replayed bool, err error) {
	res, err := l.CheckOrReserve(ctx, tenantID, scope, key)
	if err != nil {
		return result, false, err
	}

	if !res.IsNew {
		if err := json.Unmarshal(res.Response, &result); err != nil {
			return result, true, fmt.Errorf("decode idempotent response: %w", err)
		}

		return result, true, nil
	}

	result, err = fn(ctx)
	if err != nil {
		if releaseErr := l.Release(ctx, tenantID, scope, key); releaseErr != nil {
			l.logger.ErrorContext(ctx, "Failed to release idempotency key", "scope", scope, "error", releaseErr)
		}

		return result, false, err
	}

	if err := l.Complete(ctx, tenantID, scope, key, result); err != nil {
		return result, false, err
	}

	return result, false, nil
}

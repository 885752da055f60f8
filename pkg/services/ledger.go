package services

import (
	"context"

	"github.com/datachoreography/choreo/pkg/idempotency"
)

// once runs fn through the ledger when the caller supplied an idempotency key
// and directly otherwise.
func once[T any](ctx context.Context, ledger *idempotency.Ledger, tenantID, scope, key string, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	if key == "" || ledger == nil {
		result, err := fn(ctx)

		return result, false, err
	}

	return idempotency.Do(ctx, ledger, tenantID, scope, key, fn)
}

package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

// reserveAttempts bounds the insert/read loop when a concurrent release deletes the row in between.
const reserveAttempts = 3

// IdempotencyRepository handles idempotency ledger rows.
type IdempotencyRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewIdempotencyRepository creates a new idempotency repository.
func NewIdempotencyRepository(db *sql.DB, logger *slog.Logger) *IdempotencyRepository {
	return &IdempotencyRepository{db: db, logger: logger}
}

// Reserve inserts the key, or takes over an expired row, in one statement.
func (r *IdempotencyRepository) Reserve(ctx context.Context, record *models.IdempotencyRecord, now time.Time) (*models.IdempotencyRecord, bool, error) {
	query := `
		INSERT INTO idempotency_keys (tenant_id, scope, key, status, response, created_at, expires_at)
		VALUES ($1, $2, $3, 'in_progress', NULL, $4, $5)
		ON CONFLICT (tenant_id, scope, key) DO UPDATE
		SET status = 'in_progress', response = NULL, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= $6
		RETURNING tenant_id
	`

	for range reserveAttempts {
		var tenantID string

		err := r.db.QueryRowContext(ctx, query,
			record.TenantID, record.Scope, record.Key, record.CreatedAt, record.ExpiresAt, now,
		).Scan(&tenantID)
		if err == nil {
			record.Status = models.IdempotencyInProgress
			record.Response = nil

			return nil, true, nil
		}

		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}

		existing, err := r.get(ctx, record.TenantID, record.Scope, record.Key)
		if errors.Is(err, persistence.ErrIdempotencyKeyNotFound) {
			continue
		}

		if err != nil {
			return nil, false, err
		}

		return existing, false, nil
	}

	return nil, false, fmt.Errorf("failed to reserve idempotency key %s after %d attempts", record.Key, reserveAttempts)
}

// Complete records the response of a reserved key.
func (r *IdempotencyRepository) Complete(ctx context.Context, tenantID, scope, key string, response json.RawMessage, expiresAt time.Time) error {
	var payload any
	if len(response) > 0 {
		payload = []byte(response)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET status = 'completed', response = $4, expires_at = $5
		WHERE tenant_id = $1 AND scope = $2 AND key = $3
	`, tenantID, scope, key, payload, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}

	if !ok {
		return persistence.NewEntityError("Complete", "idempotency key", key, persistence.ErrIdempotencyKeyNotFound)
	}

	return nil
}

// Delete releases a key.
func (r *IdempotencyRepository) Delete(ctx context.Context, tenantID, scope, key string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE tenant_id = $1 AND scope = $2 AND key = $3`, tenantID, scope, key)
	if err != nil {
		return fmt.Errorf("failed to delete idempotency key: %w", err)
	}

	return nil
}

// PurgeExpired deletes every key past retention.
func (r *IdempotencyRepository) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(n), nil
}

func (r *IdempotencyRepository) get(ctx context.Context, tenantID, scope, key string) (*models.IdempotencyRecord, error) {
	var (
		record   models.IdempotencyRecord
		response []byte
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, scope, key, status, response, created_at, expires_at
		FROM idempotency_keys
		WHERE tenant_id = $1 AND scope = $2 AND key = $3
	`, tenantID, scope, key).Scan(
		&record.TenantID, &record.Scope, &record.Key, &record.Status, &response, &record.CreatedAt, &record.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrIdempotencyKeyNotFound
		}

		return nil, fmt.Errorf("failed to scan idempotency key: %w", err)
	}

	if len(response) > 0 {
		record.Response = json.RawMessage(response)
	}

	record.CreatedAt = record.CreatedAt.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()

	return &record, nil
}

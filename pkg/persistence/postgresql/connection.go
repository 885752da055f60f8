package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

// ConnectionRepository handles credential metadata rows.
type ConnectionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewConnectionRepository creates a new connection repository.
func NewConnectionRepository(db *sql.DB, logger *slog.Logger) *ConnectionRepository {
	return &ConnectionRepository{db: db, logger: logger}
}

// Save upserts a connection.
func (r *ConnectionRepository) Save(ctx context.Context, connection *models.Connection) error {
	now := time.Now().UTC()
	if connection.CreatedAt.IsZero() {
		connection.CreatedAt = now
	}

	connection.UpdatedAt = now

	query := `
		INSERT INTO connections (
			tenant_id, id, provider, status, key_id, healthy, last_health_check_at, created_at, updated_at, deleted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET provider = EXCLUDED.provider
		  , status = EXCLUDED.status
		  , key_id = EXCLUDED.key_id
		  , healthy = EXCLUDED.healthy
		  , last_health_check_at = EXCLUDED.last_health_check_at
		  , updated_at = EXCLUDED.updated_at
		  , deleted_at = EXCLUDED.deleted_at
	`

	_, err := r.db.ExecContext(ctx, query,
		connection.TenantID, connection.ID, connection.Provider, connection.Status, connection.KeyID, connection.Healthy,
		connection.LastHealthCheckAt, connection.CreatedAt, connection.UpdatedAt, connection.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}

	return nil
}

// Get returns a connection by id.
func (r *ConnectionRepository) Get(ctx context.Context, tenantID, id string) (*models.Connection, error) {
	var (
		connection  models.Connection
		lastChecked sql.NullTime
		deletedAt   sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, id, provider, status, key_id, healthy, last_health_check_at, created_at, updated_at, deleted_at
		FROM connections
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(
		&connection.TenantID, &connection.ID, &connection.Provider, &connection.Status, &connection.KeyID,
		&connection.Healthy, &lastChecked, &connection.CreatedAt, &connection.UpdatedAt, &deletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("Get", "connection", id, persistence.ErrConnectionNotFound)
		}

		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	connection.LastHealthCheckAt = utcPtr(lastChecked)
	connection.DeletedAt = utcPtr(deletedAt)
	connection.CreatedAt = connection.CreatedAt.UTC()
	connection.UpdatedAt = connection.UpdatedAt.UTC()

	return &connection, nil
}

// SecretRepository handles vault ciphertext and wrapped key rows.
type SecretRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSecretRepository creates a new secret repository.
func NewSecretRepository(db *sql.DB, logger *slog.Logger) *SecretRepository {
	return &SecretRepository{db: db, logger: logger}
}

func (r *SecretRepository) PutSecret(ctx context.Context, secret *models.SealedSecret) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vault_secrets (tenant_id, connection_id, key_id, nonce, ciphertext, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, connection_id) DO UPDATE
		SET key_id = EXCLUDED.key_id, nonce = EXCLUDED.nonce, ciphertext = EXCLUDED.ciphertext, created_at = EXCLUDED.created_at
	`, secret.TenantID, secret.ConnectionID, secret.KeyID, secret.Nonce, secret.Ciphertext, secret.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save secret: %w", err)
	}

	return nil
}

func (r *SecretRepository) GetSecret(ctx context.Context, tenantID, connectionID string) (*models.SealedSecret, error) {
	var secret models.SealedSecret

	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, connection_id, key_id, nonce, ciphertext, created_at
		FROM vault_secrets
		WHERE tenant_id = $1 AND connection_id = $2
	`, tenantID, connectionID).Scan(
		&secret.TenantID, &secret.ConnectionID, &secret.KeyID, &secret.Nonce, &secret.Ciphertext, &secret.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("GetSecret", "secret", connectionID, persistence.ErrSecretNotFound)
		}

		return nil, fmt.Errorf("failed to scan secret: %w", err)
	}

	return &secret, nil
}

func (r *SecretRepository) DeleteSecret(ctx context.Context, tenantID, connectionID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM vault_secrets WHERE tenant_id = $1 AND connection_id = $2`, tenantID, connectionID)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}

	return nil
}

func (r *SecretRepository) PutKey(ctx context.Context, key *models.DataKey) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vault_keys (tenant_id, id, nonce, wrapped, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, key.TenantID, key.ID, key.Nonce, key.Wrapped, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save data key: %w", err)
	}

	return nil
}

func (r *SecretRepository) GetKey(ctx context.Context, tenantID, id string) (*models.DataKey, error) {
	var key models.DataKey

	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, id, nonce, wrapped, created_at FROM vault_keys WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(&key.TenantID, &key.ID, &key.Nonce, &key.Wrapped, &key.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("GetKey", "data key", id, persistence.ErrKeyNotFound)
		}

		return nil, fmt.Errorf("failed to scan data key: %w", err)
	}

	return &key, nil
}

func (r *SecretRepository) DeleteKey(ctx context.Context, tenantID, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM vault_keys WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete data key: %w", err)
	}

	return nil
}

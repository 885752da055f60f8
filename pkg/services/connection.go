package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/datachoreography/choreo/pkg/engine"
	"github.com/datachoreography/choreo/pkg/idempotency"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/vault"
)

// Connection manages provider credentials through the vault. Every write is
// recorded in the compliance chain under the security category without any
// secret material.
type Connection struct {
	vault   *vault.Vault
	ledger  *idempotency.Ledger
	auditor engine.Auditor
	logger  *slog.Logger
}

func NewConnection(vault *vault.Vault, ledger *idempotency.Ledger, auditor engine.Auditor, logger *slog.Logger) *Connection {
	return &Connection{
		vault:   vault,
		ledger:  ledger,
		auditor: auditor,
		logger:  logger.With("module", "connection_service"),
	}
}

// StoreConnectionRequest carries new credentials.
type StoreConnectionRequest struct {
	TenantID       string
	ConnectionID   string
	Provider       string
	Credentials    models.Credentials
	Actor          string
	IdempotencyKey string
}

// Store seals credentials for a new connection.
func (c *Connection) Store(ctx context.Context, req StoreConnectionRequest) (*models.Connection, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, err
	}

	_, _, err := once(ctx, c.ledger, req.TenantID, idempotency.EntityScope("connection.store"), req.IdempotencyKey,
		func(ctx context.Context) (string, error) {
			conn, err := c.vault.Store(ctx, req.TenantID, req.ConnectionID, req.Provider, req.Credentials)
			if err != nil {
				return "", err
			}

			return conn.ID, c.audit(ctx, conn, "connection.stored", req.Actor)
		})
	if err != nil {
		return nil, err
	}

	return c.vault.Connection(ctx, req.TenantID, req.ConnectionID)
}

// Rotate replaces the credentials of an active connection.
func (c *Connection) Rotate(ctx context.Context, req StoreConnectionRequest) (*models.Connection, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, err
	}

	_, _, err := once(ctx, c.ledger, req.TenantID, idempotency.EntityScope("connection.rotate"), req.IdempotencyKey,
		func(ctx context.Context) (string, error) {
			conn, err := c.vault.Rotate(ctx, req.TenantID, req.ConnectionID, req.Credentials)
			if err != nil {
				return "", err
			}

			return conn.ID, c.audit(ctx, conn, "connection.rotated", req.Actor)
		})
	if err != nil {
		return nil, err
	}

	return c.vault.Connection(ctx, req.TenantID, req.ConnectionID)
}

// Delete crypto-shreds a connection. Deleting twice is a no-op.
func (c *Connection) Delete(ctx context.Context, tenantID, connectionID, actor, idempotencyKey string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	_, _, err := once(ctx, c.ledger, tenantID, idempotency.EntityScope("connection.delete"), idempotencyKey,
		func(ctx context.Context) (string, error) {
			if err := c.vault.Delete(ctx, tenantID, connectionID); err != nil {
				return "", err
			}

			conn, err := c.vault.Connection(ctx, tenantID, connectionID)
			if err != nil {
				return "", err
			}

			return conn.ID, c.audit(ctx, conn, "connection.deleted", actor)
		})

	return err
}

func (c *Connection) FetchByID(ctx context.Context, tenantID, connectionID string) (*models.Connection, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	return c.vault.Connection(ctx, tenantID, connectionID)
}

// Test checks unsaved credentials against the provider.
func (c *Connection) Test(ctx context.Context, provider string, credentials models.Credentials) (bool, error) {
	return c.vault.Test(ctx, provider, credentials)
}

// TestStored checks a stored connection and records the health outcome.
func (c *Connection) TestStored(ctx context.Context, tenantID, connectionID string) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}

	return c.vault.TestConnection(ctx, tenantID, connectionID)
}

func (c *Connection) audit(ctx context.Context, conn *models.Connection, eventType, actor string) error {
	if c.auditor == nil {
		return nil
	}

	if actor == "" {
		actor = models.SystemActor.ID
	}

	if _, err := c.auditor.Append(ctx, conn.TenantID, models.CategorySecurity, eventType, actor, map[string]any{
		"connection_id": conn.ID,
		"provider":      conn.Provider,
		"status":        string(conn.Status),
	}); err != nil {
		c.logger.ErrorContext(ctx, "Failed to record compliance event",
			"tenant_id", conn.TenantID, "connection_id", conn.ID, "event_type", eventType, "error", err)

		return fmt.Errorf("record %s: %w", eventType, err)
	}

	return nil
}

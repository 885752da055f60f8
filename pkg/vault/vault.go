// Package vault keeps provider credentials encrypted at rest.
//
// Each connection's credentials are sealed with AES-256-GCM under a fresh data
// key. The data key is wrapped under a tenant key derived from the master key
// with HKDF. Deleting the wrapped data key crypto-shreds the connection: any
// retained ciphertext becomes unrecoverable.
package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datachoreography/choreo/pkg/faults"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

var (
	ErrInvalidMasterKey  = errors.New("vault master key must be 32 bytes")
	ErrDecrypt           = faults.Integrity("vault", "decrypt_failed", "credential decryption failed")
	ErrConnectionExists  = faults.Conflict("vault", "connection_exists", "connection already exists")
	ErrCredentialsGone   = faults.Gone("vault", "credentials_deleted", "credentials were deleted")
	ErrEmptyCredentials  = faults.Validation("vault", "empty_credentials", "credentials are empty")
	ErrMissingConnection = faults.Validation("vault", "missing_connection", "connection id and provider are required")
)

// Tester checks provider credentials.
type Tester interface {
	TestCredentials(ctx context.Context, provider string, credentials models.Credentials) error
}

type Vault struct {
	master      []byte
	connections persistence.ConnectionRepository
	secrets     persistence.SecretRepository
	tester      Tester
	logger      *slog.Logger
	clock       func() time.Time
}

// NewVault creates a vault sealing under master, which must be 32 bytes.
func NewVault(master []byte, p persistence.Persistence, tester Tester, logger *slog.Logger) (*Vault, error) {
	if len(master) != keySize {
		return nil, ErrInvalidMasterKey
	}

	return &Vault{
		master:      append([]byte(nil), master...),
		connections: p.ConnectionRepository(),
		secrets:     p.SecretRepository(),
		tester:      tester,
		logger:      logger.With("module", "vault"),
		clock:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// DecodeMasterKey decodes a base64 master key.
func DecodeMasterKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}

	if len(key) != keySize {
		return nil, ErrInvalidMasterKey
	}

	return key, nil
}

// Store seals credentials for a new connection and records its metadata.
func (v *Vault) Store(ctx context.Context, tenantID, connectionID, provider string, credentials models.Credentials) (*models.Connection, error) {
	if connectionID == "" || provider == "" {
		return nil, ErrMissingConnection
	}

	if len(credentials) == 0 {
		return nil, ErrEmptyCredentials
	}

	existing, err := v.connections.Get(ctx, tenantID, connectionID)
	if err == nil && existing != nil {
		return nil, fmt.Errorf("%s: %w", connectionID, ErrConnectionExists)
	}

	if err != nil && !errors.Is(err, persistence.ErrConnectionNotFound) {
		return nil, err
	}

	keyID, err := v.sealCredentials(ctx, tenantID, connectionID, credentials)
	if err != nil {
		return nil, err
	}

	connection := &models.Connection{
		ID:       connectionID,
		TenantID: tenantID,
		Provider: provider,
		Status:   models.ConnectionStatusActive,
		KeyID:    keyID,
	}

	if err := v.connections.Save(ctx, connection); err != nil {
		return nil, err
	}

	v.logger.InfoContext(ctx, "Stored connection credentials",
		"tenant_id", tenantID, "connection_id", connectionID, "provider", provider)

	return connection, nil
}

// Rotate re-seals new credentials under a fresh data key and shreds the old key.
func (v *Vault) Rotate(ctx context.Context, tenantID, connectionID string, credentials models.Credentials) (*models.Connection, error) {
	if len(credentials) == 0 {
		return nil, ErrEmptyCredentials
	}

	connection, err := v.activeConnection(ctx, tenantID, connectionID)
	if err != nil {
		return nil, err
	}

	oldKeyID := connection.KeyID

	keyID, err := v.sealCredentials(ctx, tenantID, connectionID, credentials)
	if err != nil {
		return nil, err
	}

	connection.KeyID = keyID
	connection.Healthy = false
	connection.LastHealthCheckAt = nil

	if err := v.connections.Save(ctx, connection); err != nil {
		return nil, err
	}

	if oldKeyID != "" && oldKeyID != keyID {
		if err := v.secrets.DeleteKey(ctx, tenantID, oldKeyID); err != nil {
			v.logger.ErrorContext(ctx, "Failed to shred rotated data key",
				"tenant_id", tenantID, "connection_id", connectionID, "error", err)
		}
	}

	v.logger.InfoContext(ctx, "Rotated connection credentials", "tenant_id", tenantID, "connection_id", connectionID)

	return connection, nil
}

// Fetch decrypts the credentials of an active connection.
func (v *Vault) Fetch(ctx context.Context, tenantID, connectionID string) (models.Credentials, error) {
	connection, err := v.activeConnection(ctx, tenantID, connectionID)
	if err != nil {
		return nil, err
	}

	secret, err := v.secrets.GetSecret(ctx, tenantID, connectionID)
	if errors.Is(err, persistence.ErrSecretNotFound) {
		return nil, fmt.Errorf("%s: %w", connectionID, ErrCredentialsGone)
	}

	if err != nil {
		return nil, err
	}

	dek, err := v.unwrapKey(ctx, tenantID, secret.KeyID)
	if err != nil {
		return nil, err
	}
	defer zero(dek)

	plaintext, err := open(dek, secret.Nonce, secret.Ciphertext, secretAAD(tenantID, connection.ID, secret.KeyID))
	if err != nil {
		return nil, err
	}
	defer zero(plaintext)

	var credentials models.Credentials
	if err := json.Unmarshal(plaintext, &credentials); err != nil {
		return nil, fmt.Errorf("%w: malformed credentials", ErrDecrypt)
	}

	return credentials, nil
}

// Delete crypto-shreds a connection: the data key is destroyed first, then the
// ciphertext, and the metadata is kept with status deleted. Deleting an already
// deleted connection is a no-op.
func (v *Vault) Delete(ctx context.Context, tenantID, connectionID string) error {
	connection, err := v.connections.Get(ctx, tenantID, connectionID)
	if err != nil {
		return err
	}

	if connection.Status == models.ConnectionStatusDeleted {
		return nil
	}

	if connection.KeyID != "" {
		if err := v.secrets.DeleteKey(ctx, tenantID, connection.KeyID); err != nil {
			return fmt.Errorf("failed to shred data key: %w", err)
		}
	}

	if err := v.secrets.DeleteSecret(ctx, tenantID, connectionID); err != nil {
		return fmt.Errorf("failed to delete ciphertext: %w", err)
	}

	now := v.clock()
	connection.Status = models.ConnectionStatusDeleted
	connection.KeyID = ""
	connection.Healthy = false
	connection.DeletedAt = &now

	if err := v.connections.Save(ctx, connection); err != nil {
		return err
	}

	v.logger.InfoContext(ctx, "Crypto-shredded connection", "tenant_id", tenantID, "connection_id", connectionID)

	return nil
}

// Connection returns connection metadata without secret material.
func (v *Vault) Connection(ctx context.Context, tenantID, connectionID string) (*models.Connection, error) {
	return v.connections.Get(ctx, tenantID, connectionID)
}

// Test checks unsaved credentials against the provider.
func (v *Vault) Test(ctx context.Context, provider string, credentials models.Credentials) (bool, error) {
	if err := v.tester.TestCredentials(ctx, provider, credentials); err != nil {
		if faults.IsValidation(err) {
			return false, err
		}

		v.logger.InfoContext(ctx, "Credential test failed", "provider", provider, "error", err)

		return false, nil
	}

	return true, nil
}

// TestConnection checks a stored connection and records the outcome on its metadata.
func (v *Vault) TestConnection(ctx context.Context, tenantID, connectionID string) (bool, error) {
	credentials, err := v.Fetch(ctx, tenantID, connectionID)
	if err != nil {
		return false, err
	}

	connection, err := v.connections.Get(ctx, tenantID, connectionID)
	if err != nil {
		return false, err
	}

	healthy := v.tester.TestCredentials(ctx, connection.Provider, credentials) == nil

	now := v.clock()
	connection.Healthy = healthy
	connection.LastHealthCheckAt = &now

	if err := v.connections.Save(ctx, connection); err != nil {
		return false, err
	}

	return healthy, nil
}

func (v *Vault) activeConnection(ctx context.Context, tenantID, connectionID string) (*models.Connection, error) {
	connection, err := v.connections.Get(ctx, tenantID, connectionID)
	if err != nil {
		return nil, err
	}

	if connection.Status == models.ConnectionStatusDeleted {
		return nil, fmt.Errorf("%s: %w", connectionID, ErrCredentialsGone)
	}

	return connection, nil
}

func (v *Vault) sealCredentials(ctx context.Context, tenantID, connectionID string, credentials models.Credentials) (string, error) {
	plaintext, err := json.Marshal(map[string]string(credentials))
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	defer zero(plaintext)

	dek, err := newDataKey()
	if err != nil {
		return "", err
	}
	defer zero(dek)

	kek, err := deriveKEK(v.master, tenantID)
	if err != nil {
		return "", err
	}
	defer zero(kek)

	keyID := uuid.NewString()

	keyNonce, wrapped, err := seal(kek, dek, keyAAD(tenantID, keyID))
	if err != nil {
		return "", err
	}

	now := v.clock()

	if err := v.secrets.PutKey(ctx, &models.DataKey{
		ID: keyID, TenantID: tenantID, Nonce: keyNonce, Wrapped: wrapped, CreatedAt: now,
	}); err != nil {
		return "", err
	}

	nonce, ciphertext, err := seal(dek, plaintext, secretAAD(tenantID, connectionID, keyID))
	if err != nil {
		return "", err
	}

	if err := v.secrets.PutSecret(ctx, &models.SealedSecret{
		TenantID: tenantID, ConnectionID: connectionID, KeyID: keyID, Nonce: nonce, Ciphertext: ciphertext, CreatedAt: now,
	}); err != nil {
		return "", err
	}

	return keyID, nil
}

func (v *Vault) unwrapKey(ctx context.Context, tenantID, keyID string) ([]byte, error) {
	key, err := v.secrets.GetKey(ctx, tenantID, keyID)
	if errors.Is(err, persistence.ErrKeyNotFound) {
		return nil, fmt.Errorf("data key %s: %w", keyID, ErrCredentialsGone)
	}

	if err != nil {
		return nil, err
	}

	kek, err := deriveKEK(v.master, tenantID)
	if err != nil {
		return nil, err
	}
	defer zero(kek)

	return open(kek, key.Nonce, key.Wrapped, keyAAD(tenantID, keyID))
}

func keyAAD(tenantID, keyID string) []byte {
	return []byte("key\x00" + tenantID + "\x00" + keyID)
}

func secretAAD(tenantID, connectionID, keyID string) []byte {
	return []byte("secret\x00" + tenantID + "\x00" + connectionID + "\x00" + keyID)
}

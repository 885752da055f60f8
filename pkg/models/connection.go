package models

import (
	"log/slog"
	"time"
)

// ConnectionStatus represents the lifecycle state of a credential reference.
type ConnectionStatus string

const (
	ConnectionStatusActive  ConnectionStatus = "active"
	ConnectionStatusDeleted ConnectionStatus = "deleted"
)

// Connection is the relational metadata of a vault-held credential. It never
// carries secret material.
type Connection struct {
	ID                string           `json:"id"`
	TenantID          string           `json:"tenant_id"`
	Provider          string           `json:"provider"`
	Status            ConnectionStatus `json:"status"`
	KeyID             string           `json:"-"`
	Healthy           bool             `json:"healthy"`
	LastHealthCheckAt *time.Time       `json:"last_health_check_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	DeletedAt         *time.Time       `json:"deleted_at,omitempty"`
}

// Credentials are provider secrets in plaintext. They only exist in memory
// between a vault fetch and a provider invocation.
type Credentials map[string]string

// LogValue keeps credentials out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

// String keeps credentials out of fmt output.
func (c Credentials) String() string {
	return "[REDACTED]"
}

// SealedSecret is credential ciphertext sealed under a data key.
type SealedSecret struct {
	TenantID     string    `json:"tenant_id"`
	ConnectionID string    `json:"connection_id"`
	KeyID        string    `json:"key_id"`
	Nonce        []byte    `json:"nonce"`
	Ciphertext   []byte    `json:"ciphertext"`
	CreatedAt    time.Time `json:"created_at"`
}

// DataKey is a per-connection data key wrapped under the tenant key. Deleting
// it crypto-shreds every secret sealed with it.
type DataKey struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Nonce     []byte    `json:"nonce"`
	Wrapped   []byte    `json:"wrapped"`
	CreatedAt time.Time `json:"created_at"`
}

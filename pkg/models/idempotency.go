package models

import (
	"encoding/json"
	"time"
)

// IdempotencyStatus represents the state of a ledger entry.
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
)

// DefaultIdempotencyRetention is how long a recorded response is replayed.
const DefaultIdempotencyRetention = 24 * time.Hour

// IdempotencyRecord deduplicates a logical write by (tenant, scope, key).
type IdempotencyRecord struct {
	TenantID  string            `json:"tenant_id"`
	Scope     string            `json:"scope"`
	Key       string            `json:"key"`
	Status    IdempotencyStatus `json:"status"`
	Response  json.RawMessage   `json:"response,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Expired reports whether the record lapsed at now: an in-progress lease or a completed retention.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

package models

import (
	"strings"
	"time"
)

// GenesisDigest is the prev_digest of the first event of every tenant chain.
var GenesisDigest = strings.Repeat("0", 64)

// ComplianceCategory groups compliance events.
type ComplianceCategory string

const (
	CategoryProviderCall ComplianceCategory = "provider_call"
	CategoryUserAction   ComplianceCategory = "user_action"
	CategorySystem       ComplianceCategory = "system"
	CategorySecurity     ComplianceCategory = "security"
)

// Valid reports whether the category is known.
func (c ComplianceCategory) Valid() bool {
	switch c {
	case CategoryProviderCall, CategoryUserAction, CategorySystem, CategorySecurity:
		return true
	default:
		return false
	}
}

// ComplianceEvent is one append-only, hash-linked audit record.
// Digest = SHA-256(PrevDigest || canonical(event without digest fields)).
type ComplianceEvent struct {
	ID         string             `json:"id"`
	TenantID   string             `json:"tenant_id"`
	Sequence   int64              `json:"sequence"`
	Category   ComplianceCategory `json:"category"`
	EventType  string             `json:"event_type"`
	Actor      string             `json:"actor"`
	Payload    map[string]any     `json:"payload"`
	Timestamp  time.Time          `json:"timestamp"`
	PrevDigest string             `json:"prev_digest"`
	Digest     string             `json:"digest"`
}

// ChainHead is the last link of a tenant's chain.
type ChainHead struct {
	TenantID string
	Sequence int64
	Digest   string
}

// ComplianceAnchor is an immutable Merkle summary over one period of a tenant's chain.
type ComplianceAnchor struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Period        string    `json:"period"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	EventCount    int       `json:"event_count"`
	FirstSequence int64     `json:"first_sequence"`
	LastSequence  int64     `json:"last_sequence"`
	MerkleRoot    string    `json:"merkle_root"`
	HMAC          string    `json:"hmac"`
	CreatedAt     time.Time `json:"created_at"`
}

// EventRange bounds a chain query. Zero values are unbounded.
type EventRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls in [From, To).
func (r EventRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}

	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}

	return true
}

package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/datachoreography/choreo/pkg/models"
)

// Canonical serializes an event without its digest fields: JSON with sorted
// keys, no insignificant whitespace and the timestamp in UTC RFC 3339 with
// microsecond precision.
func Canonical(event *models.ComplianceEvent) ([]byte, error) {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	data, err := json.Marshal(map[string]any{
		"id":         event.ID,
		"tenant_id":  event.TenantID,
		"sequence":   event.Sequence,
		"category":   string(event.Category),
		"event_type": event.EventType,
		"actor":      event.Actor,
		"payload":    payload,
		"timestamp":  event.Timestamp.UTC().Truncate(time.Microsecond).Format("2006-01-02T15:04:05.000000Z07:00"),
	})
	if err != nil {
		return nil, fmt.Errorf("canonicalize event: %w", err)
	}

	return data, nil
}

// Digest computes SHA-256(prevDigest || canonical(event)) as hex.
func Digest(prevDigest string, event *models.ComplianceEvent) (string, error) {
	canonical, err := Canonical(event)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(prevDigest))
	h.Write(canonical)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalize round-trips a payload through JSON so the digest is computed over
// the same value types any store returns.
func normalize(payload map[string]any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON serializable: %w", err)
	}

	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	if out == nil {
		out = map[string]any{}
	}

	return out, nil
}

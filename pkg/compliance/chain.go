// Package compliance maintains the per-tenant, hash-linked audit chain and
// its periodic Merkle anchors.
//
// Every event's digest is SHA-256 over the previous digest followed by the
// canonical form of the event, so altering, dropping or reordering a stored
// event breaks verification from that event onwards. Payloads are PII-redacted
// before they are hashed or stored.
package compliance

import (
	"context"
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
	ErrInvalidCategory  = faults.Validation("compliance", "invalid_category", "unknown compliance category")
	ErrMissingEventType = faults.Validation("compliance", "missing_event_type", "event type is required")
)

// Violation kinds.
const (
	ViolationDigestMismatch   = "digest_mismatch"
	ViolationPrevLinkMismatch = "prev_link_mismatch"
	ViolationSequenceGap      = "sequence_gap"
)

// Violation is one chain-integrity failure.
type Violation struct {
	Sequence int64  `json:"sequence"`
	EventID  string `json:"event_id"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
}

// Report is the outcome of a chain verification.
type Report struct {
	TenantID   string      `json:"tenant_id"`
	Checked    int         `json:"checked"`
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations"`
}

// Chain appends and verifies compliance events.
type Chain struct {
	repo      persistence.ComplianceRepository
	anchorKey []byte
	logger    *slog.Logger
	clock     func() time.Time
}

// NewChain creates a chain. anchorSecret keys the anchor HMACs.
func NewChain(repo persistence.ComplianceRepository, anchorSecret []byte, logger *slog.Logger) *Chain {
	return &Chain{
		repo:      repo,
		anchorKey: append([]byte(nil), anchorSecret...),
		logger:    logger.With("module", "compliance"),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// Append redacts payload and appends an event to the tenant chain. Appends for
// one tenant are serialized by the repository.
func (c *Chain) Append(
	ctx context.Context,
	tenantID string,
	category models.ComplianceCategory,
	eventType, actor string,
	payload map[string]any,
) (*models.ComplianceEvent, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%q: %w", category, ErrInvalidCategory)
	}

	if eventType == "" {
		return nil, ErrMissingEventType
	}

	redacted, err := normalize(Redact(payload))
	if err != nil {
		return nil, faults.Validation("Append", "invalid_payload", err.Error())
	}

	event, err := c.repo.Append(ctx, tenantID, func(head models.ChainHead) (*models.ComplianceEvent, error) {
		event := &models.ComplianceEvent{
			ID:         uuid.NewString(),
			TenantID:   tenantID,
			Sequence:   head.Sequence + 1,
			Category:   category,
			EventType:  eventType,
			Actor:      actor,
			Payload:    redacted,
			Timestamp:  c.clock().Truncate(time.Microsecond),
			PrevDigest: head.Digest,
		}

		digest, err := Digest(event.PrevDigest, event)
		if err != nil {
			return nil, err
		}

		event.Digest = digest

		return event, nil
	})
	if err != nil {
		return nil, fmt.Errorf("append compliance event: %w", err)
	}

	c.logger.DebugContext(ctx, "Appended compliance event",
		"tenant_id", tenantID, "sequence", event.Sequence, "event_type", eventType)

	return event, nil
}

// VerifyChain replays the tenant's events in the range by sequence. Each event
// must recompute to its stored digest, and its prev_digest must equal the
// stored digest of a verified predecessor; once an event fails, every later
// link fails too.
func (c *Chain) VerifyChain(ctx context.Context, tenantID string, rng models.EventRange) (*Report, error) {
	events, err := c.repo.List(ctx, tenantID, rng)
	if err != nil {
		return nil, err
	}

	report := &Report{TenantID: tenantID, Checked: len(events), Violations: []Violation{}}

	if len(events) == 0 {
		report.Valid = true

		return report, nil
	}

	prevDigest, prevSequence, prevOK, err := c.predecessor(ctx, tenantID, events[0].Sequence)
	if err != nil {
		return nil, err
	}

	for _, event := range events {
		ok := true

		if event.Sequence != prevSequence+1 {
			ok = false
			report.Violations = append(report.Violations, Violation{
				Sequence: event.Sequence, EventID: event.ID, Kind: ViolationSequenceGap,
				Detail: fmt.Sprintf("expected sequence %d", prevSequence+1),
			})
		}

		switch {
		case event.PrevDigest != prevDigest:
			ok = false
			report.Violations = append(report.Violations, Violation{
				Sequence: event.Sequence, EventID: event.ID, Kind: ViolationPrevLinkMismatch,
				Detail: "prev_digest does not match the previous event digest",
			})
		case !prevOK:
			ok = false
			report.Violations = append(report.Violations, Violation{
				Sequence: event.Sequence, EventID: event.ID, Kind: ViolationPrevLinkMismatch,
				Detail: "previous event failed verification",
			})
		}

		recomputed, err := Digest(event.PrevDigest, event)
		if err != nil {
			return nil, err
		}

		if recomputed != event.Digest {
			ok = false
			report.Violations = append(report.Violations, Violation{
				Sequence: event.Sequence, EventID: event.ID, Kind: ViolationDigestMismatch,
				Detail: "stored digest does not match recomputed digest",
			})
		}

		prevDigest, prevSequence, prevOK = event.Digest, event.Sequence, ok
	}

	report.Valid = len(report.Violations) == 0

	if !report.Valid {
		c.logger.ErrorContext(ctx, "Compliance chain integrity violation",
			"tenant_id", tenantID, "violations", len(report.Violations),
			"first_sequence", report.Violations[0].Sequence, "severity", "critical")
	}

	return report, nil
}

// predecessor returns the link the first event of a range must attach to.
func (c *Chain) predecessor(ctx context.Context, tenantID string, sequence int64) (string, int64, bool, error) {
	if sequence <= 1 {
		return models.GenesisDigest, 0, true, nil
	}

	prev, err := c.repo.GetBySequence(ctx, tenantID, sequence-1)
	if errors.Is(err, persistence.ErrEventNotFound) {
		// A missing predecessor surfaces as a prev-link violation on the first event.
		return "", sequence - 1, false, nil
	}

	if err != nil {
		return "", 0, false, err
	}

	return prev.Digest, prev.Sequence, true, nil
}

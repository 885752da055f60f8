package compliance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/datachoreography/choreo/pkg/faults"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

// PeriodLayout is the anchor period format: one UTC calendar day.
const PeriodLayout = "2006-01-02"

// Anchor mismatch kinds.
const (
	MismatchCount = "count_mismatch"
	MismatchRoot  = "root_mismatch"
	MismatchHMAC  = "hmac_mismatch"
)

var (
	ErrInvalidPeriod = faults.Validation("compliance", "invalid_period", "period must be a UTC day formatted YYYY-MM-DD")
	ErrOpenPeriod    = faults.Validation("compliance", "open_period", "period has not ended yet")
)

var anchorSalt = []byte("choreo-compliance-anchor")

// AnchorReport is the outcome of re-verifying a stored anchor.
type AnchorReport struct {
	TenantID   string                   `json:"tenant_id"`
	Period     string                   `json:"period"`
	Valid      bool                     `json:"valid"`
	Mismatches []string                 `json:"mismatches"`
	Anchor     *models.ComplianceAnchor `json:"anchor"`
	EventCount int                      `json:"recomputed_event_count"`
	MerkleRoot string                   `json:"recomputed_merkle_root"`
}

// ParsePeriod returns the [start, end) bounds of a period.
func ParsePeriod(period string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(PeriodLayout, period, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%q: %w", period, ErrInvalidPeriod)
	}

	return start, start.AddDate(0, 0, 1), nil
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) string {
	return t.UTC().Format(PeriodLayout)
}

// ComputeAnchor builds and stores the anchor of a closed period. Anchors are
// immutable: when the period is already anchored the stored anchor is returned.
func (c *Chain) ComputeAnchor(ctx context.Context, tenantID, period string) (*models.ComplianceAnchor, error) {
	start, end, err := ParsePeriod(period)
	if err != nil {
		return nil, err
	}

	if end.After(c.clock()) {
		return nil, fmt.Errorf("%s: %w", period, ErrOpenPeriod)
	}

	existing, err := c.repo.GetAnchor(ctx, tenantID, period)
	if err == nil {
		return existing, nil
	}

	if !errors.Is(err, persistence.ErrAnchorNotFound) {
		return nil, err
	}

	anchor, err := c.buildAnchor(ctx, tenantID, period, start, end)
	if err != nil {
		return nil, err
	}

	anchor.ID = uuid.NewString()
	anchor.CreatedAt = c.clock()

	if err := c.repo.SaveAnchor(ctx, anchor); err != nil {
		if errors.Is(err, persistence.ErrAnchorAlreadyExists) {
			return c.repo.GetAnchor(ctx, tenantID, period)
		}

		return nil, err
	}

	c.logger.InfoContext(ctx, "Computed compliance anchor",
		"tenant_id", tenantID, "period", period, "event_count", anchor.EventCount, "merkle_root", anchor.MerkleRoot)

	return anchor, nil
}

// VerifyAnchor recomputes count, root and HMAC of a stored anchor.
func (c *Chain) VerifyAnchor(ctx context.Context, tenantID, period string) (*AnchorReport, error) {
	start, end, err := ParsePeriod(period)
	if err != nil {
		return nil, err
	}

	stored, err := c.repo.GetAnchor(ctx, tenantID, period)
	if err != nil {
		return nil, err
	}

	recomputed, err := c.buildAnchor(ctx, tenantID, period, start, end)
	if err != nil {
		return nil, err
	}

	report := &AnchorReport{
		TenantID:   tenantID,
		Period:     period,
		Anchor:     stored,
		EventCount: recomputed.EventCount,
		MerkleRoot: recomputed.MerkleRoot,
		Mismatches: []string{},
	}

	if stored.EventCount != recomputed.EventCount {
		report.Mismatches = append(report.Mismatches, MismatchCount)
	}

	if stored.MerkleRoot != recomputed.MerkleRoot {
		report.Mismatches = append(report.Mismatches, MismatchRoot)
	}

	expected, err := c.anchorMAC(stored)
	if err != nil {
		return nil, err
	}

	if !hmac.Equal([]byte(expected), []byte(stored.HMAC)) {
		report.Mismatches = append(report.Mismatches, MismatchHMAC)
	}

	report.Valid = len(report.Mismatches) == 0

	if !report.Valid {
		c.logger.ErrorContext(ctx, "Compliance anchor verification failed",
			"tenant_id", tenantID, "period", period, "mismatches", report.Mismatches, "severity", "critical")
	}

	return report, nil
}

func (c *Chain) buildAnchor(ctx context.Context, tenantID, period string, start, end time.Time) (*models.ComplianceAnchor, error) {
	events, err := c.repo.List(ctx, tenantID, models.EventRange{From: start, To: end})
	if err != nil {
		return nil, err
	}

	digests := make([]string, len(events))
	for i, e := range events {
		digests[i] = e.Digest
	}

	root, err := MerkleRoot(digests)
	if err != nil {
		return nil, faults.Integrity("ComputeAnchor", "malformed_digest", err.Error())
	}

	anchor := &models.ComplianceAnchor{
		TenantID:    tenantID,
		Period:      period,
		PeriodStart: start,
		PeriodEnd:   end,
		EventCount:  len(events),
		MerkleRoot:  root,
	}

	if len(events) > 0 {
		anchor.FirstSequence = events[0].Sequence
		anchor.LastSequence = events[len(events)-1].Sequence
	}

	mac, err := c.anchorMAC(anchor)
	if err != nil {
		return nil, err
	}

	anchor.HMAC = mac

	return anchor, nil
}

// anchorMAC is HMAC-SHA256 keyed by a tenant key derived from the anchor secret.
func (c *Chain) anchorMAC(anchor *models.ComplianceAnchor) (string, error) {
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.anchorKey, anchorSalt, []byte("tenant:"+anchor.TenantID)), key); err != nil {
		return "", fmt.Errorf("derive anchor key: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(anchor.TenantID))
	mac.Write([]byte{0})
	mac.Write([]byte(anchor.Period))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.Itoa(anchor.EventCount)))
	mac.Write([]byte{0})
	mac.Write([]byte(anchor.MerkleRoot))

	return hex.EncodeToString(mac.Sum(nil)), nil
}

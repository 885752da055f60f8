package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/datachoreography/choreo/pkg/compliance"
	"github.com/datachoreography/choreo/pkg/eventbus"
	"github.com/datachoreography/choreo/pkg/events"
	"github.com/datachoreography/choreo/pkg/metrics"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

// Compliance verifies tenant chains and manages period anchors. Failed
// verifications are published as compliance.violation events and counted.
type Compliance struct {
	chain     *compliance.Chain
	repo      persistence.ComplianceRepository
	publisher eventbus.EventPublisher
	metrics   *metrics.Collector
	logger    *slog.Logger
	clock     func() time.Time
}

func NewCompliance(
	chain *compliance.Chain,
	persistence persistence.Persistence,
	publisher eventbus.EventPublisher,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Compliance {
	return &Compliance{
		chain:     chain,
		repo:      persistence.ComplianceRepository(),
		publisher: publisher,
		metrics:   collector,
		logger:    logger.With("module", "compliance_service"),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// VerifyChain replays the tenant's chain over rng.
func (c *Compliance) VerifyChain(ctx context.Context, tenantID string, rng models.EventRange) (*compliance.Report, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	report, err := c.chain.VerifyChain(ctx, tenantID, rng)
	if err != nil {
		return nil, err
	}

	if !report.Valid {
		kinds := make([]string, 0, len(report.Violations))
		counts := map[string]int{}

		for _, v := range report.Violations {
			if counts[v.Kind] == 0 {
				kinds = append(kinds, v.Kind)
			}

			counts[v.Kind]++
		}

		for kind, n := range counts {
			c.metrics.ComplianceViolations(kind, n)
		}

		c.violation(ctx, events.ComplianceViolation{
			BaseEvent:     events.NewBaseEvent(events.ComplianceViolationEvent, tenantID, ""),
			Scope:         "chain",
			Violations:    len(report.Violations),
			FirstSequence: report.Violations[0].Sequence,
			Kinds:         kinds,
		})
	}

	return report, nil
}

// ComputeAnchor anchors a closed period; an anchored period returns its stored anchor.
func (c *Compliance) ComputeAnchor(ctx context.Context, tenantID, period string) (*models.ComplianceAnchor, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	return c.chain.ComputeAnchor(ctx, tenantID, period)
}

// VerifyAnchor recomputes a stored anchor.
func (c *Compliance) VerifyAnchor(ctx context.Context, tenantID, period string) (*compliance.AnchorReport, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	report, err := c.chain.VerifyAnchor(ctx, tenantID, period)
	if err != nil {
		return nil, err
	}

	if !report.Valid {
		for _, kind := range report.Mismatches {
			c.metrics.ComplianceViolations(kind, 1)
		}

		c.violation(ctx, events.ComplianceViolation{
			BaseEvent:  events.NewBaseEvent(events.ComplianceViolationEvent, tenantID, ""),
			Scope:      "anchor",
			Period:     period,
			Violations: len(report.Mismatches),
			Kinds:      report.Mismatches,
		})
	}

	return report, nil
}

// AnchorPreviousPeriod anchors yesterday's period for every tenant with
// events. A failing tenant does not stop the others; the number of anchors
// computed is returned.
func (c *Compliance) AnchorPreviousPeriod(ctx context.Context) (int, error) {
	period := compliance.PeriodOf(c.clock().AddDate(0, 0, -1))

	tenants, err := c.repo.Tenants(ctx)
	if err != nil {
		return 0, err
	}

	count := 0

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}

		anchor, err := c.chain.ComputeAnchor(ctx, tenantID, period)
		if err != nil {
			c.logger.ErrorContext(ctx, "Failed to compute anchor", "tenant_id", tenantID, "period", period, "error", err)

			continue
		}

		c.logger.DebugContext(ctx, "Anchored period",
			"tenant_id", tenantID, "period", period, "event_count", anchor.EventCount)

		count++
	}

	return count, nil
}

func (c *Compliance) violation(ctx context.Context, event events.ComplianceViolation) {
	c.logger.ErrorContext(ctx, "Compliance violation detected",
		"tenant_id", event.TenantID, "scope", event.Scope, "period", event.Period,
		"violations", event.Violations, "kinds", event.Kinds, "severity", "critical")

	if c.publisher == nil {
		return
	}

	if err := c.publisher.Publish(ctx, event.TenantID, event); err != nil {
		c.logger.WarnContext(ctx, "Failed to publish compliance violation", "tenant_id", event.TenantID, "error", err)
	}
}

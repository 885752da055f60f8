// Package approval decides and expires the human approvals that gate run steps.
//
// Every decision is a conditional transition out of the pending state, so an
// approve, a reject and the expiry sweep racing on one approval produce
// exactly one winner. The winner then moves the suspended run with its own
// conditional write.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/datachoreography/choreo/pkg/eventbus"
	"github.com/datachoreography/choreo/pkg/events"
	"github.com/datachoreography/choreo/pkg/faults"
	"github.com/datachoreography/choreo/pkg/metrics"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

// sweepBatch bounds how many expired approvals one sweep handles.
const sweepBatch = 100

var (
	ErrReasonRequired  = faults.Validation("Reject", "reason_required", "a rejection reason is required")
	ErrInvalidDecision = faults.Validation("Decide", "invalid_decision", "decision must be approve or reject")
	ErrNotPending      = faults.Conflict("Decide", "approval_not_pending", "approval was already decided")
	ErrExpired         = faults.Conflict("Decide", "approval_expired", "approval window has passed")
	ErrNotApprover     = faults.Forbidden("Decide", "not_an_approver", "actor is not in the required approver set")
	ErrRunNotSuspended = faults.Conflict("Decide", "run_not_awaiting_approval", "run is not awaiting approval")
)

// Auditor appends compliance events.
type Auditor interface {
	Append(
		ctx context.Context,
		tenantID string,
		category models.ComplianceCategory,
		eventType, actor string,
		payload map[string]any,
	) (*models.ComplianceEvent, error)
}

type Gate struct {
	approvals persistence.ApprovalRepository
	runs      persistence.RunRepository
	auditor   Auditor
	publisher eventbus.EventPublisher
	metrics   *metrics.Collector
	logger    *slog.Logger
	clock     func() time.Time
}

type Option func(*Gate)

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(g *Gate) { g.publisher = publisher }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(g *Gate) { g.metrics = collector }
}

func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

func NewGate(p persistence.Persistence, auditor Auditor, logger *slog.Logger, opts ...Option) *Gate {
	g := &Gate{
		approvals: p.ApprovalRepository(),
		runs:      p.RunRepository(),
		auditor:   auditor,
		logger:    logger.With("module", "approval"),
		clock:     func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Get returns an approval by id.
func (g *Gate) Get(ctx context.Context, tenantID, approvalID string) (*models.Approval, error) {
	return g.approvals.Get(ctx, tenantID, approvalID)
}

// List returns the tenant's approvals, optionally filtered by state.
func (g *Gate) List(ctx context.Context, tenantID string, state models.ApprovalState) ([]*models.Approval, error) {
	return g.approvals.List(ctx, tenantID, state)
}

// Decide dispatches a decision. A reject requires a non-empty comment as its reason.
func (g *Gate) Decide(ctx context.Context, tenantID, approvalID string, decision models.Decision, actor models.Actor, comment string) (*models.Approval, error) {
	switch decision {
	case models.DecisionApprove:
		return g.Approve(ctx, tenantID, approvalID, actor, comment)
	case models.DecisionReject:
		return g.Reject(ctx, tenantID, approvalID, actor, comment)
	default:
		return nil, fmt.Errorf("%q: %w", decision, ErrInvalidDecision)
	}
}

// Approve records an approval and returns its run to pending so the next
// poll executes the gated step.
func (g *Gate) Approve(ctx context.Context, tenantID, approvalID string, actor models.Actor, comment string) (*models.Approval, error) {
	approval, run, err := g.load(ctx, tenantID, approvalID, actor)
	if err != nil {
		return nil, err
	}

	if err := g.transition(ctx, approval, models.ApprovalStateApproved, actor.ID, comment); err != nil {
		return nil, err
	}

	run.Status = models.RunStatusPending
	run.UpdatedAt = g.clock()

	if err := g.resume(ctx, run); err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "Approval granted",
		"tenant_id", tenantID, "approval_id", approval.ID, "run_id", run.ID, "actor", actor.ID)

	g.metrics.ApprovalDecided(string(models.ApprovalStateApproved))

	g.publish(ctx, run.ID, events.RunResumed{
		BaseEvent:  events.NewBaseEvent(events.RunResumedEvent, tenantID, run.WorkflowID),
		RunID:      run.ID,
		ApprovalID: approval.ID,
		ApprovedBy: actor.ID,
	})

	return approval, g.audit(ctx, approval, run, models.CategoryUserAction, "approval.approved", actor.ID, map[string]any{
		"comment": comment,
	})
}

// Reject records a rejection and cancels the run. The reason is validated
// before anything is read or written.
func (g *Gate) Reject(ctx context.Context, tenantID, approvalID string, actor models.Actor, reason string) (*models.Approval, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	approval, run, err := g.load(ctx, tenantID, approvalID, actor)
	if err != nil {
		return nil, err
	}

	if err := g.transition(ctx, approval, models.ApprovalStateRejected, actor.ID, reason); err != nil {
		return nil, err
	}

	message := "Rejected by approver: " + reason
	if err := g.cancelRun(ctx, run, message); err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "Approval rejected",
		"tenant_id", tenantID, "approval_id", approval.ID, "run_id", run.ID, "actor", actor.ID)

	g.metrics.ApprovalDecided(string(models.ApprovalStateRejected))

	g.publish(ctx, run.ID, events.RunCancelled{
		BaseEvent:   events.NewBaseEvent(events.RunCancelledEvent, tenantID, run.WorkflowID),
		RunID:       run.ID,
		Reason:      message,
		CancelledBy: actor.ID,
	})

	return approval, g.audit(ctx, approval, run, models.CategoryUserAction, "approval.rejected", actor.ID, map[string]any{
		"reason": reason,
	})
}

// ExpireSweep expires pending approvals past their window and cancels the
// runs still waiting on them. It returns how many approvals it expired.
// Approvals decided concurrently are skipped.
func (g *Gate) ExpireSweep(ctx context.Context) (int, error) {
	now := g.clock()

	expired, err := g.approvals.ListExpired(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}

	count := 0

	for _, approval := range expired {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}

		if err := g.expire(ctx, approval); err != nil {
			if persistence.IsStateConflict(err) {
				continue
			}

			g.logger.ErrorContext(ctx, "Failed to expire approval",
				"tenant_id", approval.TenantID, "approval_id", approval.ID, "error", err)

			continue
		}

		count++
	}

	if count > 0 {
		g.logger.InfoContext(ctx, "Expired approvals", "count", count)
	}

	return count, nil
}

func (g *Gate) expire(ctx context.Context, approval *models.Approval) error {
	if err := g.transition(ctx, approval, models.ApprovalStateExpired, models.SystemActor.ID, ""); err != nil {
		return err
	}

	g.metrics.ApprovalDecided(string(models.ApprovalStateExpired))

	run, err := g.runs.Get(ctx, approval.TenantID, approval.RunID)
	if err != nil {
		return err
	}

	payload := map[string]any{"expires_at": approval.ExpiresAt}

	if run.Status == models.RunStatusAwaitingApproval {
		const message = "Approval expired"

		err := g.cancelRun(ctx, run, message)

		switch {
		case err == nil:
			payload["run_cancelled"] = true

			g.publish(ctx, run.ID, events.RunCancelled{
				BaseEvent:   events.NewBaseEvent(events.RunCancelledEvent, run.TenantID, run.WorkflowID),
				RunID:       run.ID,
				Reason:      message,
				CancelledBy: models.SystemActor.ID,
			})
		case persistence.IsStateConflict(err):
			// The run was cancelled by a user in the meantime.
		default:
			return err
		}
	}

	return g.audit(ctx, approval, run, models.CategorySystem, "approval.expired", models.SystemActor.ID, payload)
}

// load reads a pending approval and its suspended run and checks the actor.
func (g *Gate) load(ctx context.Context, tenantID, approvalID string, actor models.Actor) (*models.Approval, *models.Run, error) {
	approval, err := g.approvals.Get(ctx, tenantID, approvalID)
	if err != nil {
		return nil, nil, err
	}

	if approval.State != models.ApprovalStatePending {
		return nil, nil, fmt.Errorf("approval %s is %s: %w", approval.ID, approval.State, ErrNotPending)
	}

	if approval.Expired(g.clock()) {
		return nil, nil, fmt.Errorf("approval %s: %w", approval.ID, ErrExpired)
	}

	if !approval.CanDecide(actor) {
		return nil, nil, fmt.Errorf("actor %s: %w", actor.ID, ErrNotApprover)
	}

	run, err := g.runs.Get(ctx, tenantID, approval.RunID)
	if err != nil {
		return nil, nil, err
	}

	if run.Status != models.RunStatusAwaitingApproval {
		return nil, nil, fmt.Errorf("run %s is %s: %w", run.ID, run.Status, ErrRunNotSuspended)
	}

	return approval, run, nil
}

func (g *Gate) transition(ctx context.Context, approval *models.Approval, to models.ApprovalState, actorID, comment string) error {
	now := g.clock()

	approval.State = to
	approval.RespondedAt = &now
	approval.RespondedBy = actorID
	approval.Comment = comment

	err := g.approvals.Transition(ctx, approval, models.ApprovalStatePending)
	if errors.Is(err, persistence.ErrApprovalStateConflict) {
		return fmt.Errorf("approval %s: %w", approval.ID, errors.Join(ErrNotPending, err))
	}

	return err
}

func (g *Gate) resume(ctx context.Context, run *models.Run) error {
	return g.runs.UpdateState(ctx, run, persistence.UpdateCondition{
		Statuses: []models.RunStatus{models.RunStatusAwaitingApproval},
	})
}

func (g *Gate) cancelRun(ctx context.Context, run *models.Run, message string) error {
	now := g.clock()

	run.Finish(models.RunStatusCancelled, message, now)
	run.UpdatedAt = now

	if err := g.runs.UpdateState(ctx, run, persistence.UpdateCondition{
		Statuses: []models.RunStatus{models.RunStatusAwaitingApproval},
	}); err != nil {
		return err
	}

	g.metrics.RunFinished(string(models.RunStatusCancelled))

	return nil
}

func (g *Gate) audit(
	ctx context.Context,
	approval *models.Approval,
	run *models.Run,
	category models.ComplianceCategory,
	eventType, actor string,
	payload map[string]any,
) error {
	payload["approval_id"] = approval.ID
	payload["run_id"] = run.ID
	payload["workflow_id"] = run.WorkflowID
	payload["step_order"] = approval.StepOrder
	payload["state"] = string(approval.State)

	if _, err := g.auditor.Append(ctx, approval.TenantID, category, eventType, actor, payload); err != nil {
		g.logger.ErrorContext(ctx, "Failed to record compliance event",
			"tenant_id", approval.TenantID, "approval_id", approval.ID, "event_type", eventType, "error", err)

		return fmt.Errorf("record %s: %w", eventType, err)
	}

	return nil
}

func (g *Gate) publish(ctx context.Context, key string, event eventbus.Event) {
	if g.publisher == nil {
		return
	}

	if err := g.publisher.Publish(ctx, key, event); err != nil {
		g.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

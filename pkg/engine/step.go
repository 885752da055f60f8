package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/datachoreography/choreo/pkg/events"
	"github.com/datachoreography/choreo/pkg/faults"
	"github.com/datachoreography/choreo/pkg/metrics"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/otelhelper"
	"github.com/datachoreography/choreo/pkg/persistence"
	"github.com/datachoreography/choreo/pkg/template"
)

// StepResult is the outcome of one ProcessNextStep call.
type StepResult struct {
	RunID         string           `json:"run_id"`
	Status        models.RunStatus `json:"status"`
	NextStepOrder *int             `json:"next_step_order,omitempty"`
	ApprovalID    string           `json:"approval_id,omitempty"`
}

func resultOf(run *models.Run) *StepResult {
	res := &StepResult{RunID: run.ID, Status: run.Status}

	if run.Status == models.RunStatusPending {
		next := run.CurrentStepOrder
		res.NextStepOrder = &next
	}

	return res
}

// ProcessNextStep performs at most one transition of a pending run. The caller
// must hold the run's lease as workerID. Calling it on a run that is not
// pending is a no-op that reports the current status.
//
// A returned error without a terminal status leaves the run pending so that a
// later poll can retry the step; provider failures are recorded on the run
// and not returned.
func (e *Engine) ProcessNextStep(ctx context.Context, tenantID, runID, workerID string) (*StepResult, error) {
	run, err := e.runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	if run.Status != models.RunStatusPending {
		return resultOf(run), nil
	}

	now := e.clock()
	if !run.HeldBy(workerID, now) {
		return nil, fmt.Errorf("run %s: %w", run.ID, ErrLeaseNotHeld)
	}

	workflow, err := e.workflows.GetVersion(ctx, tenantID, run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		return nil, err
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.process_next_step",
		attribute.String(otelhelper.TenantIDKey, tenantID),
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.WorkflowIDKey, run.WorkflowID),
		attribute.Int(otelhelper.WorkflowVersionKey, run.WorkflowVersion),
		attribute.Int(otelhelper.StepOrderKey, run.CurrentStepOrder),
		attribute.String(otelhelper.WorkerIDKey, workerID),
	)
	defer span.End()

	if run.StartedAt == nil {
		run.StartedAt = &now
	}

	step, ok := workflow.StepAt(run.CurrentStepOrder)
	if !ok {
		return e.completeRun(ctx, run, workerID)
	}

	if step.RequiresApproval {
		approval, err := e.approvals.FindByRunStep(ctx, tenantID, run.ID, step.Order)
		if err != nil && !errors.Is(err, persistence.ErrApprovalNotFound) {
			otelhelper.SetError(span, err)

			return nil, err
		}

		switch {
		case approval == nil:
			return e.requestApproval(ctx, run, step, workerID)
		case approval.State == models.ApprovalStatePending:
			// A previous call created the approval but did not record the suspension.
			res, err := e.suspend(ctx, run, approval, workerID)
			if err != nil {
				return nil, err
			}

			return res, e.audit(ctx, run, models.CategorySystem, "run.suspended", models.SystemActor.ID, map[string]any{
				"approval_id": approval.ID,
				"step_order":  step.Order,
			})
		case approval.State == models.ApprovalStateRejected || approval.State == models.ApprovalStateExpired:
			return e.finishDenied(ctx, run, approval, workerID)
		}
	}

	res, err := e.executeStep(ctx, span, workflow, run, step, workerID)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return res, err
}

func (e *Engine) completeRun(ctx context.Context, run *models.Run, workerID string) (*StepResult, error) {
	run.Finish(models.RunStatusCompleted, "", e.clock())

	if err := e.save(ctx, run, workerID); err != nil {
		return nil, err
	}

	e.finished(ctx, run)

	return resultOf(run), e.audit(ctx, run, models.CategorySystem, "run.completed", models.SystemActor.ID, map[string]any{
		"actions_count": run.ActionsCount,
		"duration_ms":   run.DurationMs,
	})
}

func (e *Engine) requestApproval(ctx context.Context, run *models.Run, step *models.Step, workerID string) (*StepResult, error) {
	now := e.clock()

	approval := &models.Approval{
		ID:                uuid.NewString(),
		TenantID:          run.TenantID,
		RunID:             run.ID,
		StepOrder:         step.Order,
		State:             models.ApprovalStatePending,
		RequiredApprovers: step.ApproverSet(),
		RiskLevel:         step.RiskLevel,
		RequestedAt:       now,
		ExpiresAt:         now.Add(e.approvalTTL),
	}

	if err := e.approvals.Create(ctx, approval); err != nil {
		return nil, err
	}

	res, err := e.suspend(ctx, run, approval, workerID)
	if err != nil {
		return nil, err
	}

	return res, e.audit(ctx, run, models.CategoryUserAction, "approval.requested", models.SystemActor.ID, map[string]any{
		"approval_id": approval.ID,
		"step_order":  step.Order,
		"step_name":   step.Name,
		"approvers":   approval.RequiredApprovers,
		"risk_level":  string(approval.RiskLevel),
		"expires_at":  approval.ExpiresAt,
	})
}

func (e *Engine) suspend(ctx context.Context, run *models.Run, approval *models.Approval, workerID string) (*StepResult, error) {
	run.Status = models.RunStatusAwaitingApproval

	if err := e.save(ctx, run, workerID); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Run awaiting approval",
		"tenant_id", run.TenantID, "run_id", run.ID, "step_order", approval.StepOrder, "approval_id", approval.ID)

	e.publish(ctx, run.ID, events.RunAwaitingApproval{
		BaseEvent:  events.NewBaseEvent(events.RunAwaitingApprovalEvent, run.TenantID, run.WorkflowID),
		RunID:      run.ID,
		StepOrder:  approval.StepOrder,
		ApprovalID: approval.ID,
		ExpiresAt:  approval.ExpiresAt,
	})

	res := resultOf(run)
	res.ApprovalID = approval.ID

	return res, nil
}

// finishDenied cancels a pending run whose gate was already rejected or
// expired. The gate normally cancels the run itself; this covers a crash
// between the approval transition and the run update.
func (e *Engine) finishDenied(ctx context.Context, run *models.Run, approval *models.Approval, workerID string) (*StepResult, error) {
	message := "Approval expired"
	if approval.State == models.ApprovalStateRejected {
		message = "Rejected by approver: " + approval.Comment
	}

	run.Finish(models.RunStatusCancelled, message, e.clock())

	if err := e.save(ctx, run, workerID); err != nil {
		return nil, err
	}

	e.finished(ctx, run)

	e.publish(ctx, run.ID, events.RunCancelled{
		BaseEvent:   events.NewBaseEvent(events.RunCancelledEvent, run.TenantID, run.WorkflowID),
		RunID:       run.ID,
		Reason:      message,
		CancelledBy: models.SystemActor.ID,
	})

	return resultOf(run), e.audit(ctx, run, models.CategorySystem, "run.cancelled", models.SystemActor.ID, map[string]any{
		"approval_id": approval.ID,
		"reason":      message,
	})
}

func (e *Engine) executeStep(
	ctx context.Context,
	span trace.Span,
	workflow *models.Workflow,
	run *models.Run,
	step *models.Step,
	workerID string,
) (*StepResult, error) {
	span.SetAttributes(
		attribute.String(otelhelper.ProviderKey, step.Provider),
		attribute.String(otelhelper.ActionKey, step.Action),
	)

	started := e.clock()

	output, outcome, err := e.runStep(ctx, run, step)
	if err != nil {
		if !failsRun(ctx, err) {
			return nil, err
		}

		e.metrics.StepInvoked(step.Provider, step.Action, metrics.OutcomeFailure, e.clock().Sub(started))

		return e.failRun(ctx, run, step, err, workerID)
	}

	elapsed := e.clock().Sub(started)
	e.metrics.StepInvoked(step.Provider, step.Action, outcome, elapsed)

	run.Context[step.OutputName()] = output
	if !slices.Contains(run.CompletedSteps, step.Order) {
		run.CompletedSteps = append(run.CompletedSteps, step.Order)
	}

	if outcome != metrics.OutcomeSimulated {
		run.ActionsCount++
	}

	run.CurrentStepOrder++

	if _, more := workflow.StepAt(run.CurrentStepOrder); !more {
		run.Finish(models.RunStatusCompleted, "", e.clock())
	}

	if err := e.save(ctx, run, workerID); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Step completed",
		"tenant_id", run.TenantID, "run_id", run.ID, "step_order", step.Order,
		"provider", step.Provider, "action", step.Action, "outcome", outcome, "duration", elapsed)

	e.publish(ctx, run.ID, events.RunStepCompleted{
		BaseEvent:     events.NewBaseEvent(events.RunStepCompletedEvent, run.TenantID, run.WorkflowID),
		RunID:         run.ID,
		StepOrder:     step.Order,
		NextStepOrder: run.CurrentStepOrder,
		Provider:      step.Provider,
		Action:        step.Action,
		DurationMs:    elapsed.Milliseconds(),
		Simulated:     outcome == metrics.OutcomeSimulated,
	})

	if err := e.audit(ctx, run, models.CategoryProviderCall, "step.completed", models.SystemActor.ID, map[string]any{
		"step_order": step.Order,
		"step_name":  step.Name,
		"provider":   step.Provider,
		"action":     step.Action,
		"outcome":    outcome,
		"output":     output,
		"duration":   elapsed.Milliseconds(),
	}); err != nil {
		return resultOf(run), err
	}

	if run.Status == models.RunStatusCompleted {
		e.finished(ctx, run)

		return resultOf(run), e.audit(ctx, run, models.CategorySystem, "run.completed", models.SystemActor.ID, map[string]any{
			"actions_count": run.ActionsCount,
			"duration_ms":   run.DurationMs,
		})
	}

	return resultOf(run), nil
}

// runStep resolves the step inputs and invokes the action, or synthesizes its
// result in simulation mode.
func (e *Engine) runStep(ctx context.Context, run *models.Run, step *models.Step) (map[string]any, string, error) {
	params, missing, err := template.ResolveMapping(step.InputMapping, run.Context)
	if err != nil {
		return nil, "", faults.Validation("ProcessNextStep", "invalid_input_mapping", err.Error())
	}

	var absent []string
	for _, name := range step.RequiredInputs {
		if slices.Contains(missing, name) {
			absent = append(absent, name)
		}
	}

	if len(absent) > 0 {
		return nil, "", faults.Validation("ProcessNextStep", "missing_required_inputs",
			"unresolved required inputs: "+strings.Join(absent, ", "))
	}

	if len(missing) > 0 {
		e.logger.DebugContext(ctx, "Optional step inputs did not resolve",
			"run_id", run.ID, "step_order", step.Order, "inputs", missing)
	}

	if err := e.registry.ValidateParams(step.Provider, step.Action, params); err != nil {
		return nil, "", err
	}

	if run.IsSimulation {
		return map[string]any{
			"simulated": true,
			"provider":  step.Provider,
			"action":    step.Action,
			"params":    params,
		}, metrics.OutcomeSimulated, nil
	}

	output, replayed, err := e.invoke(ctx, run, step, params)
	if err != nil {
		return nil, "", err
	}

	if replayed {
		return output, metrics.OutcomeReplayed, nil
	}

	return output, metrics.OutcomeSuccess, nil
}

func (e *Engine) failRun(ctx context.Context, run *models.Run, step *models.Step, cause error, workerID string) (*StepResult, error) {
	run.Finish(models.RunStatusFailed, cause.Error(), e.clock())

	if err := e.save(ctx, run, workerID); err != nil {
		return nil, err
	}

	e.logger.WarnContext(ctx, "Run failed",
		"tenant_id", run.TenantID, "run_id", run.ID, "step_order", step.Order,
		"provider", step.Provider, "action", step.Action, "error", cause)

	e.finished(ctx, run)

	e.publish(ctx, run.ID, events.RunFailed{
		BaseEvent:  events.NewBaseEvent(events.RunFailedEvent, run.TenantID, run.WorkflowID),
		RunID:      run.ID,
		StepOrder:  step.Order,
		Error:      run.ErrorMessage,
		DurationMs: run.DurationMs,
	})

	return resultOf(run), e.audit(ctx, run, models.CategoryProviderCall, "step.failed", models.SystemActor.ID, map[string]any{
		"step_order": step.Order,
		"step_name":  step.Name,
		"provider":   step.Provider,
		"action":     step.Action,
		"error":      run.ErrorMessage,
		"error_code": faults.CodeOf(cause, "step_failed"),
	})
}

// failsRun reports whether a step error is a permanent outcome of the step
// rather than an infrastructure error to retry on a later poll.
func failsRun(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	return faults.IsExecution(err) ||
		faults.IsValidation(err) ||
		faults.IsGone(err) ||
		faults.IsIntegrity(err) ||
		faults.IsNotFound(err)
}

// save writes the run if it is still pending under workerID's lease.
func (e *Engine) save(ctx context.Context, run *models.Run, workerID string) error {
	now := e.clock()
	run.UpdatedAt = now

	err := e.runs.UpdateState(ctx, run, persistence.UpdateCondition{
		Statuses:   []models.RunStatus{models.RunStatusPending},
		LockHolder: workerID,
		Now:        now,
	})
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}

	return nil
}

func (e *Engine) finished(ctx context.Context, run *models.Run) {
	e.metrics.RunFinished(string(run.Status))

	if run.Status != models.RunStatusCompleted {
		return
	}

	e.logger.InfoContext(ctx, "Run completed",
		"tenant_id", run.TenantID, "run_id", run.ID, "actions_count", run.ActionsCount,
		"duration", time.Duration(run.DurationMs)*time.Millisecond)

	e.publish(ctx, run.ID, events.RunCompleted{
		BaseEvent:    events.NewBaseEvent(events.RunCompletedEvent, run.TenantID, run.WorkflowID),
		RunID:        run.ID,
		DurationMs:   run.DurationMs,
		ActionsCount: run.ActionsCount,
	})
}

package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/datachoreography/choreo/pkg/events"
	"github.com/datachoreography/choreo/pkg/idempotency"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
	"github.com/datachoreography/choreo/pkg/protocol"
	"github.com/datachoreography/choreo/pkg/template"
)

const defaultCancelReason = "requested by user"

// CancelRequest asks to stop a run.
type CancelRequest struct {
	TenantID string
	RunID    string
	Reason   string
	Actor    string

	// Rollback runs the compensating action of every completed step, newest first.
	Rollback bool
}

// CancelResult reports which completed steps were compensated.
type CancelResult struct {
	Run             *models.Run `json:"run"`
	RolledBack      []int       `json:"rolled_back,omitempty"`
	RollbackFailed  []int       `json:"rollback_failed,omitempty"`
	RollbackSkipped []int       `json:"rollback_skipped,omitempty"`
}

// CancelRun cancels a pending or suspended run. Cancellation does not need the
// lease: the conditional write fails if a worker finished the run first.
// Rollback is best effort; compensation failures are recorded, not returned.
func (e *Engine) CancelRun(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = defaultCancelReason
	}

	run, err := e.runs.Get(ctx, req.TenantID, req.RunID)
	if err != nil {
		return nil, err
	}

	if !run.Status.Cancellable() {
		return nil, fmt.Errorf("run %s is %s: %w", run.ID, run.Status, ErrRunNotCancellable)
	}

	now := e.clock()
	run.Finish(models.RunStatusCancelled, "Cancelled: "+reason, now)
	run.UpdatedAt = now

	if err := e.runs.UpdateState(ctx, run, persistence.UpdateCondition{
		Statuses: []models.RunStatus{models.RunStatusPending, models.RunStatusRunning, models.RunStatusAwaitingApproval},
	}); err != nil {
		if persistence.IsStateConflict(err) {
			return nil, fmt.Errorf("run %s: %w", run.ID, ErrRunNotCancellable)
		}

		return nil, err
	}

	actor := actorOr(req.Actor)

	e.logger.InfoContext(ctx, "Run cancelled",
		"tenant_id", run.TenantID, "run_id", run.ID, "reason", reason, "rollback", req.Rollback)

	e.finished(ctx, run)

	result := &CancelResult{Run: run}

	if err := e.audit(ctx, run, models.CategoryUserAction, "run.cancelled", actor, map[string]any{
		"reason":   reason,
		"rollback": req.Rollback,
	}); err != nil {
		return result, err
	}

	if req.Rollback {
		if err := e.rollback(ctx, run, actor, result); err != nil {
			return result, err
		}
	}

	e.publish(ctx, run.ID, events.RunCancelled{
		BaseEvent:   events.NewBaseEvent(events.RunCancelledEvent, run.TenantID, run.WorkflowID),
		RunID:       run.ID,
		Reason:      reason,
		CancelledBy: actor,
		RolledBack:  result.RolledBack,
	})

	return result, nil
}

func (e *Engine) rollback(ctx context.Context, run *models.Run, actor string, result *CancelResult) error {
	workflow, err := e.workflows.GetVersion(ctx, run.TenantID, run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		return err
	}

	for i := len(run.CompletedSteps) - 1; i >= 0; i-- {
		order := run.CompletedSteps[i]

		step, ok := workflow.StepAt(order)
		if !ok || step.Rollback == nil {
			result.RollbackSkipped = append(result.RollbackSkipped, order)

			continue
		}

		payload := map[string]any{
			"step_order": order,
			"provider":   step.Rollback.Provider,
			"action":     step.Rollback.Action,
			"simulated":  run.IsSimulation,
		}

		if err := e.compensate(ctx, run, step); err != nil {
			e.logger.WarnContext(ctx, "Rollback action failed",
				"tenant_id", run.TenantID, "run_id", run.ID, "step_order", order, "error", err)

			result.RollbackFailed = append(result.RollbackFailed, order)
			payload["error"] = err.Error()

			if auditErr := e.audit(ctx, run, models.CategoryProviderCall, "step.rollback_failed", actor, payload); auditErr != nil {
				return auditErr
			}

			continue
		}

		result.RolledBack = append(result.RolledBack, order)

		if err := e.audit(ctx, run, models.CategoryProviderCall, "step.rolled_back", actor, payload); err != nil {
			return err
		}
	}

	return nil
}

// compensate runs a step's rollback action once. The input mapping resolves
// against the run context, so it can reference the step's own output.
func (e *Engine) compensate(ctx context.Context, run *models.Run, step *models.Step) error {
	rb := step.Rollback

	params, _, err := template.ResolveMapping(rb.InputMapping, run.Context)
	if err != nil {
		return err
	}

	if err := e.registry.ValidateParams(rb.Provider, rb.Action, params); err != nil {
		return err
	}

	if run.IsSimulation {
		return nil
	}

	var credentials models.Credentials

	if step.ConnectionID != "" && rb.Provider == step.Provider {
		credentials, err = e.credentials.Fetch(ctx, run.TenantID, step.ConnectionID)
		if err != nil {
			return err
		}
	}

	action, err := e.registry.CreateAction(rb.Provider, rb.Action)
	if err != nil {
		return err
	}

	key := stepKey(run.ID, step.Order) + ":rollback"

	_, _, err = idempotency.Do(ctx, e.stepLedger, run.TenantID, idempotency.ActionScope(rb.Provider, rb.Action), key,
		func(ctx context.Context) (map[string]any, error) {
			callCtx, cancel := context.WithTimeout(ctx, step.Timeout())
			defer cancel()

			out, err := action.Invoke(callCtx, protocol.Invocation{
				Params:         params,
				Credentials:    credentials,
				IdempotencyKey: key,
				Logger:         e.logger.With("tenant_id", run.TenantID, "run_id", run.ID, "step_order", step.Order),
			})
			if out == nil {
				out = map[string]any{}
			}

			return out, err
		})

	return err
}

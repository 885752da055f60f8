package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/datachoreography/choreo/pkg/events"
	"github.com/datachoreography/choreo/pkg/idempotency"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

// TriggerRequest asks for a new run of the latest workflow version.
type TriggerRequest struct {
	TenantID       string
	WorkflowID     string
	Payload        map[string]any
	IdempotencyKey string
	TriggerType    models.TriggerType
	Actor          string
}

// triggerResult is the response recorded in the idempotency ledger.
type triggerResult struct {
	RunID  string           `json:"run_id"`
	Status models.RunStatus `json:"status"`
}

// Trigger creates a run at most once per (tenant, workflow, idempotency key).
// A repeated call returns the run created by the first one and reports
// existing=true.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (run *models.Run, existing bool, err error) {
	if req.TenantID == "" || req.WorkflowID == "" {
		return nil, false, ErrMissingWorkflow
	}

	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		return nil, false, ErrMissingIdempotencyKey
	}

	if req.TriggerType == "" {
		req.TriggerType = models.TriggerTypeManual
	}

	workflow, err := e.workflows.GetByID(ctx, req.TenantID, req.WorkflowID)
	if err != nil {
		return nil, false, err
	}

	// A replayed key returns its run even if the workflow was disabled since.
	result, replayed, err := idempotency.Do(ctx, e.ledger, req.TenantID, idempotency.WorkflowScope(workflow.ID), req.IdempotencyKey,
		func(ctx context.Context) (triggerResult, error) {
			if !workflow.Enabled {
				return triggerResult{}, fmt.Errorf("%s: %w", workflow.ID, ErrWorkflowDisabled)
			}

			run, err := e.createRun(ctx, workflow, req)
			if err != nil {
				return triggerResult{}, err
			}

			return triggerResult{RunID: run.ID, Status: run.Status}, nil
		})

	if errors.Is(err, idempotency.ErrInProgress) || errors.Is(err, persistence.ErrRunAlreadyExists) ||
		errors.Is(err, ErrWorkflowDisabled) {
		// The run row is unique per key even after the ledger entry expired.
		if found, getErr := e.runs.GetByIdempotencyKey(ctx, req.TenantID, workflow.ID, req.IdempotencyKey); getErr == nil {
			return found, true, nil
		}

		return nil, false, err
	}

	if err != nil {
		return nil, false, err
	}

	run, err = e.runs.Get(ctx, req.TenantID, result.RunID)
	if err != nil {
		return nil, false, err
	}

	return run, replayed, nil
}

func (e *Engine) createRun(ctx context.Context, workflow *models.Workflow, req TriggerRequest) (*models.Run, error) {
	now := e.clock()

	run := &models.Run{
		ID:              uuid.NewString(),
		TenantID:        req.TenantID,
		WorkflowID:      workflow.ID,
		WorkflowVersion: workflow.Version,
		IdempotencyKey:  req.IdempotencyKey,
		Attempt:         1,
		Status:          models.RunStatusPending,
		Context:         map[string]any{models.TriggerContextKey: models.CloneMap(req.Payload)},
		TriggerType:     req.TriggerType,
		IsSimulation:    workflow.SimulationMode,
		CompletedSteps:  []int{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	run.CorrelationID = run.ID

	if err := e.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Run triggered",
		"tenant_id", run.TenantID, "run_id", run.ID, "workflow_id", run.WorkflowID, "trigger_type", run.TriggerType)

	e.metrics.RunTriggered(string(run.TriggerType))

	if err := e.audit(ctx, run, models.CategoryUserAction, "run.triggered", actorOr(req.Actor), map[string]any{
		"trigger_type":    string(run.TriggerType),
		"idempotency_key": run.IdempotencyKey,
		"simulation":      run.IsSimulation,
	}); err != nil {
		return nil, err
	}

	e.publish(ctx, run.ID, events.RunTriggered{
		BaseEvent:     events.NewBaseEvent(events.RunTriggeredEvent, run.TenantID, run.WorkflowID),
		RunID:         run.ID,
		CorrelationID: run.CorrelationID,
		TriggerType:   string(run.TriggerType),
		Attempt:       run.Attempt,
	})

	return run, nil
}

// RetryRequest asks for a new run in the lineage of a failed or cancelled run.
type RetryRequest struct {
	TenantID     string
	RunID        string
	Mode         models.RetryMode
	ResetContext bool
	Actor        string
}

// RetryRun creates a new run sharing the correlation id of the retried run.
// from_failure resumes at the step that did not complete; from_beginning
// starts over. ResetContext drops accumulated step outputs and keeps only the
// trigger payload.
func (e *Engine) RetryRun(ctx context.Context, req RetryRequest) (*models.Run, error) {
	if req.Mode == "" {
		req.Mode = models.RetryFromFailure
	}

	if req.Mode != models.RetryFromFailure && req.Mode != models.RetryFromBeginning {
		return nil, fmt.Errorf("%q: %w", req.Mode, ErrInvalidRetryMode)
	}

	prev, err := e.runs.Get(ctx, req.TenantID, req.RunID)
	if err != nil {
		return nil, err
	}

	if prev.Status != models.RunStatusFailed && prev.Status != models.RunStatusCancelled {
		return nil, fmt.Errorf("run %s is %s: %w", prev.ID, prev.Status, ErrRunNotRetryable)
	}

	count, err := e.runs.CountByCorrelation(ctx, req.TenantID, prev.CorrelationID)
	if err != nil {
		return nil, err
	}

	if count-1 >= e.maxRetries {
		return nil, fmt.Errorf("lineage %s already has %d retries: %w", prev.CorrelationID, count-1, ErrRetryLimitExceeded)
	}

	workflow, err := e.workflows.GetByID(ctx, req.TenantID, prev.WorkflowID)
	if err != nil {
		return nil, err
	}

	if !workflow.Enabled {
		return nil, fmt.Errorf("%s: %w", workflow.ID, ErrWorkflowDisabled)
	}

	now := e.clock()

	next := &models.Run{
		ID:              uuid.NewString(),
		TenantID:        prev.TenantID,
		WorkflowID:      prev.WorkflowID,
		WorkflowVersion: prev.WorkflowVersion,
		IdempotencyKey:  fmt.Sprintf("retry:%s:%d", prev.CorrelationID, count+1),
		CorrelationID:   prev.CorrelationID,
		ParentRunID:     prev.ID,
		Attempt:         count + 1,
		Status:          models.RunStatusPending,
		TriggerType:     prev.TriggerType,
		IsSimulation:    prev.IsSimulation,
		CompletedSteps:  []int{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if req.ResetContext {
		next.Context = map[string]any{models.TriggerContextKey: models.CloneValue(prev.Context[models.TriggerContextKey])}
	} else {
		next.Context = models.CloneMap(prev.Context)
	}

	if req.Mode == models.RetryFromFailure {
		next.CurrentStepOrder = prev.CurrentStepOrder
		next.CompletedSteps = slices.Clone(prev.CompletedSteps)
	}

	// Two concurrent retries of one lineage compute the same key; the store keeps one.
	if err := e.runs.Create(ctx, next); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Run retried",
		"tenant_id", next.TenantID, "run_id", next.ID, "parent_run_id", prev.ID, "attempt", next.Attempt, "mode", req.Mode)

	e.metrics.RunTriggered(string(next.TriggerType))

	if err := e.audit(ctx, next, models.CategoryUserAction, "run.retried", actorOr(req.Actor), map[string]any{
		"parent_run_id": prev.ID,
		"attempt":       next.Attempt,
		"mode":          string(req.Mode),
		"reset_context": req.ResetContext,
		"start_step":    next.CurrentStepOrder,
	}); err != nil {
		return nil, err
	}

	e.publish(ctx, next.ID, events.RunTriggered{
		BaseEvent:     events.NewBaseEvent(events.RunTriggeredEvent, next.TenantID, next.WorkflowID),
		RunID:         next.ID,
		CorrelationID: next.CorrelationID,
		TriggerType:   string(next.TriggerType),
		Attempt:       next.Attempt,
	})

	return next, nil
}

func actorOr(actor string) string {
	if actor == "" {
		return models.SystemActor.ID
	}

	return actor
}

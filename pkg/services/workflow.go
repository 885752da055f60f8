package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/datachoreography/choreo/pkg/engine"
	"github.com/datachoreography/choreo/pkg/idempotency"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
	"github.com/datachoreography/choreo/pkg/registry"
)

type Workflow struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	ledger      *idempotency.Ledger
	auditor     engine.Auditor
	validator   *validator.Validate
	logger      *slog.Logger
	clock       func() time.Time
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(
	persistence persistence.Persistence,
	registry *registry.Registry,
	ledger *idempotency.Ledger,
	auditor engine.Auditor,
	validator *validator.Validate,
	logger *slog.Logger,
) *Workflow {
	return &Workflow{
		persistence: persistence,
		registry:    registry,
		ledger:      ledger,
		auditor:     auditor,
		validator:   validator,
		logger:      logger.With("module", "workflow_service"),
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// HealthCheck checks the health of the persistence layer and the registry.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	if err := w.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	if err := w.registry.HealthCheck(); err != nil {
		return "Registry is unhealthy: " + err.Error(), false
	}

	return "Persistence layer and registry are healthy", true
}

// CreateWorkflowRequest carries a new workflow definition.
type CreateWorkflowRequest struct {
	TenantID       string
	Actor          string
	IdempotencyKey string
	Workflow       *models.Workflow
}

type workflowRef struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// Create validates and stores version 1 of a workflow. With an idempotency
// key, a repeated request returns the workflow created by the first one.
func (w *Workflow) Create(ctx context.Context, req CreateWorkflowRequest) (*models.Workflow, bool, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, false, err
	}

	if req.Workflow == nil {
		return nil, false, ErrWorkflowNil
	}

	ref, replayed, err := once(ctx, w.ledger, req.TenantID, idempotency.EntityScope("workflow"), req.IdempotencyKey,
		func(ctx context.Context) (workflowRef, error) {
			workflow := req.Workflow

			now := w.clock()
			if workflow.ID == "" {
				workflow.ID = uuid.NewString()
			}

			workflow.TenantID = req.TenantID
			workflow.Version = 1
			workflow.CreatedBy = req.Actor
			workflow.CreatedAt = now
			workflow.UpdatedAt = now

			if err := w.validate(workflow); err != nil {
				return workflowRef{}, err
			}

			if err := w.persistence.WorkflowRepository().Create(ctx, workflow); err != nil {
				return workflowRef{}, fmt.Errorf("failed to create workflow: %w", err)
			}

			w.logger.InfoContext(ctx, "Workflow created",
				"tenant_id", workflow.TenantID, "workflow_id", workflow.ID, "steps", len(workflow.Steps))

			return workflowRef{ID: workflow.ID, Version: workflow.Version},
				w.audit(ctx, workflow, "workflow.created", req.Actor, nil)
		})
	if err != nil {
		return nil, false, err
	}

	workflow, err := w.persistence.WorkflowRepository().GetVersion(ctx, req.TenantID, ref.ID, ref.Version)
	if err != nil {
		return nil, false, err
	}

	return workflow, replayed, nil
}

// NewVersion stores def as the next version of an existing workflow. Earlier
// versions are kept for the runs that reference them.
func (w *Workflow) NewVersion(ctx context.Context, tenantID, workflowID, actor string, def *models.Workflow) (*models.Workflow, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	if def == nil {
		return nil, ErrWorkflowNil
	}

	latest, err := w.persistence.WorkflowRepository().GetByID(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}

	now := w.clock()

	def.ID = latest.ID
	def.TenantID = tenantID
	def.Version = latest.Version + 1
	def.CreatedBy = actor
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := w.validate(def); err != nil {
		return nil, err
	}

	if err := w.persistence.WorkflowRepository().Create(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to create workflow version: %w", err)
	}

	return def, w.audit(ctx, def, "workflow.versioned", actor, map[string]any{"previous_version": latest.Version})
}

// FetchByID returns the latest version of a workflow.
func (w *Workflow) FetchByID(ctx context.Context, tenantID, workflowID string) (*models.Workflow, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	return w.persistence.WorkflowRepository().GetByID(ctx, tenantID, workflowID)
}

// FetchVersion returns a specific version of a workflow.
func (w *Workflow) FetchVersion(ctx context.Context, tenantID, workflowID string, version int) (*models.Workflow, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	return w.persistence.WorkflowRepository().GetVersion(ctx, tenantID, workflowID, version)
}

// SetEnabled enables or disables the latest version of a workflow.
func (w *Workflow) SetEnabled(ctx context.Context, tenantID, workflowID, actor string, enabled bool, idempotencyKey string) (*models.Workflow, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	_, _, err := once(ctx, w.ledger, tenantID, idempotency.EntityScope("workflow.enabled"), idempotencyKey,
		func(ctx context.Context) (bool, error) {
			if err := w.persistence.WorkflowRepository().SetEnabled(ctx, tenantID, workflowID, enabled); err != nil {
				return false, err
			}

			workflow, err := w.persistence.WorkflowRepository().GetByID(ctx, tenantID, workflowID)
			if err != nil {
				return false, err
			}

			eventType := "workflow.disabled"
			if enabled {
				eventType = "workflow.enabled"
			}

			return enabled, w.audit(ctx, workflow, eventType, actor, nil)
		})
	if err != nil {
		return nil, err
	}

	return w.persistence.WorkflowRepository().GetByID(ctx, tenantID, workflowID)
}

func (w *Workflow) validate(workflow *models.Workflow) error {
	if err := w.validator.Struct(workflow); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			fields := make([]string, 0, len(validationErrors))
			for _, fe := range validationErrors {
				fields = append(fields, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}

			return NewValidationError("validateWorkflow", "invalid_workflow", strings.Join(fields, "; "), ErrInvalidWorkflow)
		}

		return NewValidationError("validateWorkflow", "invalid_workflow", err.Error(), ErrInvalidWorkflow)
	}

	if len(workflow.Steps) == 0 {
		return ErrStepsRequired
	}

	if err := workflow.ValidateOrders(); err != nil {
		return NewValidationError("validateWorkflow", "invalid_step_order", err.Error(), ErrInvalidStepOrder)
	}

	if err := workflow.ValidateOutputs(); err != nil {
		return NewValidationError("validateWorkflow", "invalid_output_key", err.Error(), ErrInvalidOutputKey)
	}

	for _, step := range workflow.Steps {
		if !w.registry.Has(step.Provider, step.Action) {
			return NewValidationError("validateWorkflow", "unknown_action",
				fmt.Sprintf("step %d: %s.%s is not registered", step.Order, step.Provider, step.Action), ErrUnknownAction)
		}

		if rb := step.Rollback; rb != nil && !w.registry.Has(rb.Provider, rb.Action) {
			return NewValidationError("validateWorkflow", "unknown_action",
				fmt.Sprintf("step %d rollback: %s.%s is not registered", step.Order, rb.Provider, rb.Action), ErrUnknownAction)
		}
	}

	if workflow.TriggerType == models.TriggerTypeSchedule {
		expr := workflow.CronExpression()
		if _, err := cron.ParseStandard(expr); expr == "" || err != nil {
			return NewValidationError("validateWorkflow", "invalid_schedule",
				fmt.Sprintf("cron expression %q is invalid", expr), ErrInvalidSchedule)
		}
	}

	return nil
}

func (w *Workflow) audit(ctx context.Context, workflow *models.Workflow, eventType, actor string, payload map[string]any) error {
	if w.auditor == nil {
		return nil
	}

	if payload == nil {
		payload = map[string]any{}
	}

	payload["workflow_id"] = workflow.ID
	payload["workflow_version"] = workflow.Version
	payload["enabled"] = workflow.Enabled
	payload["simulation_mode"] = workflow.SimulationMode

	if actor == "" {
		actor = models.SystemActor.ID
	}

	if _, err := w.auditor.Append(ctx, workflow.TenantID, models.CategoryUserAction, eventType, actor, payload); err != nil {
		w.logger.ErrorContext(ctx, "Failed to record compliance event",
			"tenant_id", workflow.TenantID, "workflow_id", workflow.ID, "event_type", eventType, "error", err)

		return fmt.Errorf("record %s: %w", eventType, err)
	}

	return nil
}

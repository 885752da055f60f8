package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/datachoreography/choreo/pkg/engine"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

// Run exposes run creation, queries and lifecycle control.
type Run struct {
	engine *engine.Engine
	runs   persistence.RunRepository
	logger *slog.Logger
}

func NewRun(engine *engine.Engine, persistence persistence.Persistence, logger *slog.Logger) *Run {
	return &Run{
		engine: engine,
		runs:   persistence.RunRepository(),
		logger: logger.With("module", "run_service"),
	}
}

// Trigger creates a run, or returns the run already created for the key.
func (r *Run) Trigger(ctx context.Context, req engine.TriggerRequest) (*models.Run, bool, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, false, err
	}

	return r.engine.Trigger(ctx, req)
}

func (r *Run) FetchByID(ctx context.Context, tenantID, runID string) (*models.Run, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	return r.engine.Run(ctx, tenantID, runID)
}

// List returns the tenant's runs newest first, optionally filtered by status.
func (r *Run) List(ctx context.Context, tenantID string, status models.RunStatus) ([]*models.Run, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	if status != "" && !validRunStatus(status) {
		return nil, fmt.Errorf("%q: %w", status, ErrInvalidStatus)
	}

	return r.runs.List(ctx, tenantID, status)
}

func (r *Run) Cancel(ctx context.Context, req engine.CancelRequest) (*engine.CancelResult, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, err
	}

	return r.engine.CancelRun(ctx, req)
}

func (r *Run) Retry(ctx context.Context, req engine.RetryRequest) (*models.Run, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, err
	}

	return r.engine.RetryRun(ctx, req)
}

func validRunStatus(status models.RunStatus) bool {
	switch status {
	case models.RunStatusPending, models.RunStatusRunning, models.RunStatusAwaitingApproval,
		models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled:
		return true
	default:
		return false
	}
}

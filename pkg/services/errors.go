// Package services provides the tenant-scoped operations exposed by the API
// and the scheduler on top of the engine, the approval gate, the vault and
// the compliance chain.
package services

import (
	"errors"

	"github.com/datachoreography/choreo/pkg/faults"
)

// Validation errors (400 Bad Request).
var (
	ErrMissingTenant    = faults.Validation("services", "missing_tenant", "tenant id is required")
	ErrMissingActor     = faults.Validation("services", "missing_actor", "actor id is required")
	ErrWorkflowNil      = faults.Validation("services", "workflow_nil", "workflow cannot be nil")
	ErrStepsRequired    = faults.Validation("services", "steps_required", "workflow must have at least one step")
	ErrInvalidStepOrder = faults.Validation("services", "invalid_step_order", "step orders must be unique and contiguous from 0")
	ErrInvalidOutputKey = faults.Validation("services", "invalid_output_key", "step output keys must be unique and not reserved")
	ErrUnknownAction    = faults.Validation("services", "unknown_action", "step references an unregistered provider action")
	ErrInvalidSchedule  = faults.Validation("services", "invalid_schedule", "schedule workflows need a valid cron expression")
	ErrInvalidWorkflow  = faults.Validation("services", "invalid_workflow", "workflow definition is invalid")
	ErrInvalidStatus    = faults.Validation("services", "invalid_status", "unknown status filter")
)

// NewValidationError creates a validation error with context. The returned
// error matches both faults.ErrValidation and err.
func NewValidationError(op, code, message string, err error) *faults.Error {
	return &faults.Error{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     errors.Join(faults.ErrValidation, err),
	}
}

// IsValidationError checks if an error should return HTTP 400.
func IsValidationError(err error) bool {
	return faults.IsValidation(err)
}

// IsConflictError checks if an error should return HTTP 409.
func IsConflictError(err error) bool {
	return faults.IsConflict(err)
}

// IsNotFound checks if an error should return HTTP 404.
func IsNotFound(err error) bool {
	return faults.IsNotFound(err)
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return ErrMissingTenant
	}

	return nil
}

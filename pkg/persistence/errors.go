package persistence

import (
	"errors"
	"fmt"

	"github.com/datachoreography/choreo/pkg/faults"
)

// Standard persistence error types that all implementations should use.
var (
	ErrWorkflowNotFound      = faults.NotFound("persistence", "workflow_not_found", "workflow not found")
	ErrWorkflowAlreadyExists = faults.Conflict("persistence", "workflow_exists", "workflow version already exists")

	ErrRunNotFound      = faults.NotFound("persistence", "run_not_found", "run not found")
	ErrRunAlreadyExists = faults.Conflict("persistence", "run_exists", "run with this idempotency key already exists")
	ErrRunStateConflict = faults.Conflict("persistence", "run_state_conflict", "run state changed concurrently")

	ErrApprovalNotFound      = faults.NotFound("persistence", "approval_not_found", "approval not found")
	ErrApprovalStateConflict = faults.Conflict("persistence", "approval_already_decided", "approval is no longer pending")

	ErrEventNotFound       = faults.NotFound("persistence", "event_not_found", "compliance event not found")
	ErrAnchorNotFound      = faults.NotFound("persistence", "anchor_not_found", "compliance anchor not found")
	ErrAnchorAlreadyExists = faults.Conflict("persistence", "anchor_exists", "period already anchored")

	ErrIdempotencyKeyNotFound = faults.NotFound("persistence", "idempotency_key_not_found", "idempotency key not found")

	ErrConnectionNotFound = faults.NotFound("persistence", "connection_not_found", "connection not found")
	ErrSecretNotFound     = faults.NotFound("persistence", "secret_not_found", "secret not found")
	ErrKeyNotFound        = faults.NotFound("persistence", "key_not_found", "data key not found")
)

// EntityError wraps a storage error with the operation and entity it concerns.
type EntityError struct {
	Op     string // Operation being performed (e.g., "Get", "UpdateState")
	Entity string // Entity kind (e.g., "run")
	ID     string // Entity id if applicable
	Err    error  // Underlying error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEntityError creates a new entity error with context.
func NewEntityError(op, entity, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: entity, ID: id, Err: err}
}

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsStateConflict checks if a conditional write lost a race.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrRunStateConflict) || errors.Is(err, ErrApprovalStateConflict)
}

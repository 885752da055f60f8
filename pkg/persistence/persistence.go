// Package persistence provides the tenant-scoped storage abstraction for the execution core.
//
// Every read and write takes the tenant id as a mandatory filter. The
// conditional-write methods (UpdateState, AcquireLock, Transition, Reserve,
// Append) are the compare-and-swap primitives the engine, lock, approval gate,
// ledger and compliance chain rely on for cross-process mutual exclusion.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/datachoreography/choreo/pkg/models"
)

type Persistence interface {
	WorkflowRepository() WorkflowRepository
	RunRepository() RunRepository
	ApprovalRepository() ApprovalRepository
	ComplianceRepository() ComplianceRepository
	IdempotencyRepository() IdempotencyRepository
	ConnectionRepository() ConnectionRepository
	SecretRepository() SecretRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores versioned workflow definitions. Versions are never removed.
type WorkflowRepository interface {
	// Create inserts a workflow version. Returns ErrWorkflowAlreadyExists when the
	// (tenant, id, version) triple is taken.
	Create(ctx context.Context, workflow *models.Workflow) error

	// GetByID returns the latest version of a workflow.
	GetByID(ctx context.Context, tenantID, id string) (*models.Workflow, error)

	// GetVersion returns a specific version of a workflow.
	GetVersion(ctx context.Context, tenantID, id string, version int) (*models.Workflow, error)

	// SetEnabled toggles the enabled flag on the latest version.
	SetEnabled(ctx context.Context, tenantID, id string, enabled bool) error

	// ListScheduled returns the latest version of every enabled schedule-triggered workflow across tenants.
	ListScheduled(ctx context.Context) ([]*models.Workflow, error)
}

// UpdateCondition guards a run state write.
type UpdateCondition struct {
	// Statuses the stored run must be in for the write to apply.
	Statuses []models.RunStatus

	// LockHolder, when set, additionally requires the stored lock to be held by
	// this worker and unexpired at Now.
	LockHolder string
	Now        time.Time
}

// RunRepository stores runs and their lease fields.
type RunRepository interface {
	// Create inserts a run. Returns ErrRunAlreadyExists when another run holds the
	// same (tenant, workflow, idempotency key).
	Create(ctx context.Context, run *models.Run) error

	Get(ctx context.Context, tenantID, id string) (*models.Run, error)
	GetByIdempotencyKey(ctx context.Context, tenantID, workflowID, key string) (*models.Run, error)

	// List returns the tenant's runs newest first, optionally filtered by status.
	List(ctx context.Context, tenantID string, status models.RunStatus) ([]*models.Run, error)

	// ListRunnable returns pending runs whose lease is free or expired at now, across tenants.
	ListRunnable(ctx context.Context, now time.Time, limit int) ([]*models.Run, error)

	// CountByCorrelation counts every run in a retry lineage.
	CountByCorrelation(ctx context.Context, tenantID, correlationID string) (int, error)

	// UpdateState writes the mutable execution fields of run if cond holds.
	// Lease fields are never written. Returns ErrRunStateConflict when cond fails.
	UpdateState(ctx context.Context, run *models.Run, cond UpdateCondition) error

	// AcquireLock sets holder and expiry if the lease is free, expired at now, or
	// already held by holder. It reports whether the lease is now held by holder.
	AcquireLock(ctx context.Context, tenantID, runID, holder string, now, expiresAt time.Time) (bool, error)

	// ReleaseLock clears the lease only if holder is the recorded holder.
	ReleaseLock(ctx context.Context, tenantID, runID, holder string) (bool, error)

	// ExtendLock moves the expiry only if holder still holds an unexpired lease at now.
	ExtendLock(ctx context.Context, tenantID, runID, holder string, now, expiresAt time.Time) (bool, error)

	// ClearExpiredLocks clears every lease expired at now and returns how many were cleared.
	ClearExpiredLocks(ctx context.Context, now time.Time) (int, error)
}

// ApprovalRepository stores approval requests.
type ApprovalRepository interface {
	Create(ctx context.Context, approval *models.Approval) error
	Get(ctx context.Context, tenantID, id string) (*models.Approval, error)

	// FindByRunStep returns the most recent approval for a run step.
	FindByRunStep(ctx context.Context, tenantID, runID string, stepOrder int) (*models.Approval, error)

	// Transition writes the decision fields of approval only if the stored state
	// is still from. Returns ErrApprovalStateConflict otherwise.
	Transition(ctx context.Context, approval *models.Approval, from models.ApprovalState) error

	// ListExpired returns pending approvals past expiry at now, across tenants.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Approval, error)

	// List returns the tenant's approvals, optionally filtered by state.
	List(ctx context.Context, tenantID string, state models.ApprovalState) ([]*models.Approval, error)
}

// BuildEventFunc builds the next event of a chain given its current head. It
// runs inside the per-tenant critical section.
type BuildEventFunc func(head models.ChainHead) (*models.ComplianceEvent, error)

// ComplianceRepository stores the append-only event chain and its anchors.
type ComplianceRepository interface {
	// Append serializes appends per tenant: it reads the chain head, calls
	// build, stores the event and advances the head as one critical section.
	Append(ctx context.Context, tenantID string, build BuildEventFunc) (*models.ComplianceEvent, error)

	// List returns the tenant's events in the range ordered by sequence.
	List(ctx context.Context, tenantID string, rng models.EventRange) ([]*models.ComplianceEvent, error)

	GetBySequence(ctx context.Context, tenantID string, sequence int64) (*models.ComplianceEvent, error)

	// SaveAnchor inserts an anchor. Returns ErrAnchorAlreadyExists when the period is anchored.
	SaveAnchor(ctx context.Context, anchor *models.ComplianceAnchor) error
	GetAnchor(ctx context.Context, tenantID, period string) (*models.ComplianceAnchor, error)

	// Tenants returns every tenant with at least one event.
	Tenants(ctx context.Context) ([]string, error)
}

// IdempotencyRepository stores ledger entries keyed by (tenant, scope, key).
type IdempotencyRepository interface {
	// Reserve atomically inserts record as in progress, replacing an entry that
	// expired at now. When an unexpired entry exists it is returned with reserved=false.
	Reserve(ctx context.Context, record *models.IdempotencyRecord, now time.Time) (existing *models.IdempotencyRecord, reserved bool, err error)

	// Complete records the response and keeps the entry until expiresAt.
	Complete(ctx context.Context, tenantID, scope, key string, response json.RawMessage, expiresAt time.Time) error
	Delete(ctx context.Context, tenantID, scope, key string) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// ConnectionRepository stores credential metadata.
type ConnectionRepository interface {
	Save(ctx context.Context, connection *models.Connection) error
	Get(ctx context.Context, tenantID, id string) (*models.Connection, error)
}

// SecretRepository stores vault ciphertext and wrapped data keys.
type SecretRepository interface {
	PutSecret(ctx context.Context, secret *models.SealedSecret) error
	GetSecret(ctx context.Context, tenantID, connectionID string) (*models.SealedSecret, error)
	DeleteSecret(ctx context.Context, tenantID, connectionID string) error

	PutKey(ctx context.Context, key *models.DataKey) error
	GetKey(ctx context.Context, tenantID, id string) (*models.DataKey, error)
	DeleteKey(ctx context.Context, tenantID, id string) error
}

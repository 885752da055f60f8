package services

import (
	"context"
	"fmt"

	"github.com/datachoreography/choreo/pkg/approval"
	"github.com/datachoreography/choreo/pkg/models"
)

// Approval exposes approval queries and decisions.
type Approval struct {
	gate *approval.Gate
}

func NewApproval(gate *approval.Gate) *Approval {
	return &Approval{gate: gate}
}

// DecideRequest carries a human verdict. A reject needs a non-empty comment.
type DecideRequest struct {
	TenantID   string
	ApprovalID string
	Decision   models.Decision
	Actor      models.Actor
	Comment    string
}

func (a *Approval) Decide(ctx context.Context, req DecideRequest) (*models.Approval, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, err
	}

	if req.Actor.ID == "" {
		return nil, ErrMissingActor
	}

	return a.gate.Decide(ctx, req.TenantID, req.ApprovalID, req.Decision, req.Actor, req.Comment)
}

func (a *Approval) FetchByID(ctx context.Context, tenantID, approvalID string) (*models.Approval, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	return a.gate.Get(ctx, tenantID, approvalID)
}

// List returns the tenant's approvals, optionally filtered by state.
func (a *Approval) List(ctx context.Context, tenantID string, state models.ApprovalState) ([]*models.Approval, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	switch state {
	case "", models.ApprovalStatePending, models.ApprovalStateApproved, models.ApprovalStateRejected, models.ApprovalStateExpired:
	default:
		return nil, fmt.Errorf("%q: %w", state, ErrInvalidStatus)
	}

	return a.gate.List(ctx, tenantID, state)
}

package file

import (
	"context"
	"sort"
	"time"

	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

// approvalRepository stores approvals as <tenant>/approvals/<id>.json.
type approvalRepository struct {
	p *Persistence
}

func (r *approvalRepository) all(tenantID string) ([]*models.Approval, error) {
	dir, err := r.p.path(tenantID, "approvals")
	if err != nil {
		return nil, err
	}

	return readDir[models.Approval](dir)
}

func (r *approvalRepository) Create(_ context.Context, approval *models.Approval) error {
	path, err := r.p.path(approval.TenantID, "approvals", approval.ID+".json")
	if err != nil {
		return err
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return writeJSON(path, approval)
}

func (r *approvalRepository) Get(_ context.Context, tenantID, id string) (*models.Approval, error) {
	path, err := r.p.path(tenantID, "approvals", id+".json")
	if err != nil {
		return nil, err
	}

	var approval models.Approval
	if err := readJSON(path, &approval); err != nil {
		return nil, persistence.NewEntityError("Get", "approval", id, notFound(err, persistence.ErrApprovalNotFound))
	}

	return &approval, nil
}

func (r *approvalRepository) FindByRunStep(_ context.Context, tenantID, runID string, stepOrder int) (*models.Approval, error) {
	approvals, err := r.all(tenantID)
	if err != nil {
		return nil, err
	}

	var latest *models.Approval

	for _, a := range approvals {
		if a.RunID != runID || a.StepOrder != stepOrder {
			continue
		}

		if latest == nil || a.RequestedAt.After(latest.RequestedAt) {
			latest = a
		}
	}

	if latest == nil {
		return nil, persistence.NewEntityError("FindByRunStep", "approval", runID, persistence.ErrApprovalNotFound)
	}

	return latest, nil
}

func (r *approvalRepository) Transition(ctx context.Context, approval *models.Approval, from models.ApprovalState) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stored, err := r.Get(ctx, approval.TenantID, approval.ID)
	if err != nil {
		return err
	}

	if stored.State != from {
		return persistence.NewEntityError("Transition", "approval", approval.ID, persistence.ErrApprovalStateConflict)
	}

	stored.State = approval.State
	stored.RespondedAt = approval.RespondedAt
	stored.RespondedBy = approval.RespondedBy
	stored.Comment = approval.Comment

	path, err := r.p.path(approval.TenantID, "approvals", approval.ID+".json")
	if err != nil {
		return err
	}

	return writeJSON(path, stored)
}

func (r *approvalRepository) ListExpired(_ context.Context, now time.Time, limit int) ([]*models.Approval, error) {
	tenants, err := r.p.tenants()
	if err != nil {
		return nil, err
	}

	expired := make([]*models.Approval, 0)

	for _, tenantID := range tenants {
		approvals, err := r.all(tenantID)
		if err != nil {
			return nil, err
		}

		for _, a := range approvals {
			if a.State == models.ApprovalStatePending && a.Expired(now) {
				expired = append(expired, a)
			}
		}
	}

	sort.SliceStable(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})

	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	return expired, nil
}

func (r *approvalRepository) List(_ context.Context, tenantID string, state models.ApprovalState) ([]*models.Approval, error) {
	approvals, err := r.all(tenantID)
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.Approval, 0, len(approvals))
	for _, a := range approvals {
		if state == "" || a.State == state {
			filtered = append(filtered, a)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].RequestedAt.After(filtered[j].RequestedAt)
	})

	return filtered, nil
}

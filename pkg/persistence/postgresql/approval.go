package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

const approvalColumns = `
			tenant_id
		  , id
		  , run_id
		  , step_order
		  , state
		  , required_approvers
		  , risk_level
		  , requested_at
		  , expires_at
		  , responded_at
		  , responded_by
		  , comment`

// ApprovalRepository handles approval-related database operations.
type ApprovalRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewApprovalRepository creates a new approval repository.
func NewApprovalRepository(db *sql.DB, logger *slog.Logger) *ApprovalRepository {
	return &ApprovalRepository{db: db, logger: logger}
}

// Create inserts an approval.
func (r *ApprovalRepository) Create(ctx context.Context, approval *models.Approval) error {
	approvers, err := json.Marshal(approval.RequiredApprovers)
	if err != nil {
		return fmt.Errorf("failed to marshal approvers: %w", err)
	}

	query := `
		INSERT INTO approvals (` + approvalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.ExecContext(ctx, query,
		approval.TenantID, approval.ID, approval.RunID, approval.StepOrder, approval.State, approvers,
		approval.RiskLevel, approval.RequestedAt, approval.ExpiresAt, approval.RespondedAt, approval.RespondedBy,
		approval.Comment,
	)
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}

	return nil
}

// Get returns an approval by id.
func (r *ApprovalRepository) Get(ctx context.Context, tenantID, id string) (*models.Approval, error) {
	query := `SELECT` + approvalColumns + ` FROM approvals WHERE tenant_id = $1 AND id = $2`

	approval, err := scanApproval(r.db.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("Get", "approval", id, persistence.ErrApprovalNotFound)
		}

		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}

	return approval, nil
}

// FindByRunStep returns the most recent approval for a run step.
func (r *ApprovalRepository) FindByRunStep(ctx context.Context, tenantID, runID string, stepOrder int) (*models.Approval, error) {
	query := `
		SELECT` + approvalColumns + `
		FROM approvals
		WHERE tenant_id = $1 AND run_id = $2 AND step_order = $3
		ORDER BY requested_at DESC
		LIMIT 1
	`

	approval, err := scanApproval(r.db.QueryRowContext(ctx, query, tenantID, runID, stepOrder))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("FindByRunStep", "approval", runID, persistence.ErrApprovalNotFound)
		}

		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}

	return approval, nil
}

// Transition applies a decision only if the stored state is still from.
func (r *ApprovalRepository) Transition(ctx context.Context, approval *models.Approval, from models.ApprovalState) error {
	query := `
		UPDATE approvals
		SET state = $3, responded_at = $4, responded_by = $5, comment = $6
		WHERE tenant_id = $1 AND id = $2 AND state = $7
	`

	result, err := r.db.ExecContext(ctx, query,
		approval.TenantID, approval.ID, approval.State, approval.RespondedAt, approval.RespondedBy, approval.Comment, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update approval: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}

	if !ok {
		return persistence.NewEntityError("Transition", "approval", approval.ID, persistence.ErrApprovalStateConflict)
	}

	return nil
}

// ListExpired returns pending approvals past expiry.
func (r *ApprovalRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Approval, error) {
	query := `
		SELECT` + approvalColumns + `
		FROM approvals
		WHERE state = 'pending' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`

	return r.queryApprovals(ctx, query, now, limit)
}

// List returns the tenant's approvals newest first.
func (r *ApprovalRepository) List(ctx context.Context, tenantID string, state models.ApprovalState) ([]*models.Approval, error) {
	query := `
		SELECT` + approvalColumns + `
		FROM approvals
		WHERE tenant_id = $1 AND ($2 = '' OR state = $2)
		ORDER BY requested_at DESC
	`

	return r.queryApprovals(ctx, query, tenantID, string(state))
}

func (r *ApprovalRepository) queryApprovals(ctx context.Context, query string, args ...any) ([]*models.Approval, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	approvals := make([]*models.Approval, 0)

	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}

		approvals = append(approvals, approval)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}

	return approvals, nil
}

func scanApproval(row scanner) (*models.Approval, error) {
	var (
		approval    models.Approval
		approvers   []byte
		respondedAt sql.NullTime
	)

	err := row.Scan(
		&approval.TenantID, &approval.ID, &approval.RunID, &approval.StepOrder, &approval.State, &approvers,
		&approval.RiskLevel, &approval.RequestedAt, &approval.ExpiresAt, &respondedAt, &approval.RespondedBy,
		&approval.Comment,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(approvers, &approval.RequiredApprovers)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal approvers: %w", err)
	}

	approval.RequestedAt = approval.RequestedAt.UTC()
	approval.ExpiresAt = approval.ExpiresAt.UTC()
	approval.RespondedAt = utcPtr(respondedAt)

	return &approval, nil
}

package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

const workflowColumns = `
			tenant_id
		  , id
		  , version
		  , name
		  , trigger_type
		  , trigger_config
		  , enabled
		  , simulation_mode
		  , steps
		  , created_by
		  , created_at
		  , updated_at`

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

// Create inserts a workflow version.
func (r *WorkflowRepository) Create(ctx context.Context, workflow *models.Workflow) error {
	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	triggerConfig, err := json.Marshal(workflow.TriggerConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger config: %w", err)
	}

	steps, err := json.Marshal(workflow.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	query := `
		INSERT INTO workflows (` + workflowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.ExecContext(ctx, query,
		workflow.TenantID, workflow.ID, workflow.Version, workflow.Name, workflow.TriggerType, triggerConfig,
		workflow.Enabled, workflow.SimulationMode, steps, workflow.CreatedBy, workflow.CreatedAt, workflow.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return persistence.NewEntityError("Create", "workflow", workflow.ID, persistence.ErrWorkflowAlreadyExists)
		}

		return fmt.Errorf("failed to insert workflow: %w", err)
	}

	return nil
}

// GetByID returns the latest version of a workflow.
func (r *WorkflowRepository) GetByID(ctx context.Context, tenantID, id string) (*models.Workflow, error) {
	query := `
		SELECT` + workflowColumns + `
		FROM workflows
		WHERE tenant_id = $1 AND id = $2
		ORDER BY version DESC
		LIMIT 1
	`

	workflow, err := r.scanWorkflow(r.db.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("GetByID", "workflow", id, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	return workflow, nil
}

// GetVersion returns a specific version of a workflow.
func (r *WorkflowRepository) GetVersion(ctx context.Context, tenantID, id string, version int) (*models.Workflow, error) {
	query := `
		SELECT` + workflowColumns + `
		FROM workflows
		WHERE tenant_id = $1 AND id = $2 AND version = $3
	`

	workflow, err := r.scanWorkflow(r.db.QueryRowContext(ctx, query, tenantID, id, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("GetVersion", "workflow", id+"@"+strconv.Itoa(version), persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	return workflow, nil
}

// SetEnabled toggles the enabled flag on the latest version.
func (r *WorkflowRepository) SetEnabled(ctx context.Context, tenantID, id string, enabled bool) error {
	query := `
		UPDATE workflows
		SET enabled = $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2
		  AND version = (SELECT MAX(version) FROM workflows WHERE tenant_id = $1 AND id = $2)
	`

	result, err := r.db.ExecContext(ctx, query, tenantID, id, enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}

	if !ok {
		return persistence.NewEntityError("SetEnabled", "workflow", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

// ListScheduled returns the latest version of every enabled schedule-triggered workflow.
func (r *WorkflowRepository) ListScheduled(ctx context.Context) ([]*models.Workflow, error) {
	query := `
		SELECT` + workflowColumns + `
		FROM (
			SELECT DISTINCT ON (tenant_id, id) *
			FROM workflows
			ORDER BY tenant_id, id, version DESC
		) latest
		WHERE trigger_type = 'schedule' AND enabled
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

func (r *WorkflowRepository) scanWorkflow(row scanner) (*models.Workflow, error) {
	var (
		workflow      models.Workflow
		triggerConfig []byte
		steps         []byte
	)

	err := row.Scan(
		&workflow.TenantID, &workflow.ID, &workflow.Version, &workflow.Name, &workflow.TriggerType, &triggerConfig,
		&workflow.Enabled, &workflow.SimulationMode, &steps, &workflow.CreatedBy, &workflow.CreatedAt, &workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(triggerConfig) > 0 {
		err = json.Unmarshal(triggerConfig, &workflow.TriggerConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger config: %w", err)
		}
	}

	err = json.Unmarshal(steps, &workflow.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	workflow.CreatedAt = workflow.CreatedAt.UTC()
	workflow.UpdatedAt = workflow.UpdatedAt.UTC()

	return &workflow, nil
}

package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

// workflowRepository stores every version as <tenant>/workflows/<id>/<version>.json.
type workflowRepository struct {
	p *Persistence
}

func versionFile(version int) string {
	return fmt.Sprintf("%010d.json", version)
}

func (r *workflowRepository) Create(_ context.Context, workflow *models.Workflow) error {
	path, err := r.p.path(workflow.TenantID, "workflows", workflow.ID, versionFile(workflow.Version))
	if err != nil {
		return err
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return persistence.NewEntityError("Create", "workflow", workflow.ID, persistence.ErrWorkflowAlreadyExists)
	}

	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	return writeJSON(path, workflow)
}

func (r *workflowRepository) GetByID(_ context.Context, tenantID, id string) (*models.Workflow, error) {
	dir, err := r.p.path(tenantID, "workflows", id)
	if err != nil {
		return nil, err
	}

	versions, err := readDir[models.Workflow](dir)
	if err != nil {
		return nil, err
	}

	if len(versions) == 0 {
		return nil, persistence.NewEntityError("GetByID", "workflow", id, persistence.ErrWorkflowNotFound)
	}

	return versions[len(versions)-1], nil
}

func (r *workflowRepository) GetVersion(_ context.Context, tenantID, id string, version int) (*models.Workflow, error) {
	path, err := r.p.path(tenantID, "workflows", id, versionFile(version))
	if err != nil {
		return nil, err
	}

	var workflow models.Workflow
	if err := readJSON(path, &workflow); err != nil {
		return nil, persistence.NewEntityError("GetVersion", "workflow", id+"@"+strconv.Itoa(version),
			notFound(err, persistence.ErrWorkflowNotFound))
	}

	return &workflow, nil
}

func (r *workflowRepository) SetEnabled(ctx context.Context, tenantID, id string, enabled bool) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	workflow, err := r.GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}

	path, err := r.p.path(tenantID, "workflows", id, versionFile(workflow.Version))
	if err != nil {
		return err
	}

	workflow.Enabled = enabled
	workflow.UpdatedAt = time.Now().UTC()

	return writeJSON(path, workflow)
}

func (r *workflowRepository) ListScheduled(ctx context.Context) ([]*models.Workflow, error) {
	tenants, err := r.p.tenants()
	if err != nil {
		return nil, err
	}

	scheduled := make([]*models.Workflow, 0)

	for _, tenantID := range tenants {
		dir, err := r.p.path(tenantID, "workflows")
		if err != nil {
			return nil, err
		}

		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to list workflows: %w", err)
		}

		for _, e := range entries {
			workflow, err := r.GetByID(ctx, tenantID, e.Name())
			if err != nil {
				return nil, err
			}

			if workflow.Enabled && workflow.TriggerType == models.TriggerTypeSchedule {
				scheduled = append(scheduled, workflow)
			}
		}
	}

	return scheduled, nil
}

package file

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

// runRepository stores runs as <tenant>/runs/<id>.json.
type runRepository struct {
	p *Persistence
}

func (r *runRepository) file(tenantID, id string) (string, error) {
	return r.p.path(tenantID, "runs", id+".json")
}

func (r *runRepository) load(tenantID, id string) (*models.Run, string, error) {
	path, err := r.file(tenantID, id)
	if err != nil {
		return nil, "", err
	}

	var run models.Run
	if err := readJSON(path, &run); err != nil {
		return nil, path, persistence.NewEntityError("Get", "run", id, notFound(err, persistence.ErrRunNotFound))
	}

	return &run, path, nil
}

func (r *runRepository) all(tenantID string) ([]*models.Run, error) {
	dir, err := r.p.path(tenantID, "runs")
	if err != nil {
		return nil, err
	}

	return readDir[models.Run](dir)
}

func (r *runRepository) Create(_ context.Context, run *models.Run) error {
	path, err := r.file(run.TenantID, run.ID)
	if err != nil {
		return err
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	runs, err := r.all(run.TenantID)
	if err != nil {
		return err
	}

	for _, existing := range runs {
		if existing.ID == run.ID ||
			(existing.WorkflowID == run.WorkflowID && existing.IdempotencyKey == run.IdempotencyKey) {
			return persistence.NewEntityError("Create", "run", run.ID, persistence.ErrRunAlreadyExists)
		}
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	return writeJSON(path, run)
}

func (r *runRepository) Get(_ context.Context, tenantID, id string) (*models.Run, error) {
	run, _, err := r.load(tenantID, id)

	return run, err
}

func (r *runRepository) GetByIdempotencyKey(_ context.Context, tenantID, workflowID, key string) (*models.Run, error) {
	runs, err := r.all(tenantID)
	if err != nil {
		return nil, err
	}

	for _, run := range runs {
		if run.WorkflowID == workflowID && run.IdempotencyKey == key {
			return run, nil
		}
	}

	return nil, persistence.NewEntityError("GetByIdempotencyKey", "run", key, persistence.ErrRunNotFound)
}

func (r *runRepository) List(_ context.Context, tenantID string, status models.RunStatus) ([]*models.Run, error) {
	runs, err := r.all(tenantID)
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.Run, 0, len(runs))
	for _, run := range runs {
		if status == "" || run.Status == status {
			filtered = append(filtered, run)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	return filtered, nil
}

func (r *runRepository) ListRunnable(_ context.Context, now time.Time, limit int) ([]*models.Run, error) {
	tenants, err := r.p.tenants()
	if err != nil {
		return nil, err
	}

	runnable := make([]*models.Run, 0)

	for _, tenantID := range tenants {
		runs, err := r.all(tenantID)
		if err != nil {
			return nil, err
		}

		for _, run := range runs {
			if run.Status == models.RunStatusPending && !run.Locked(now) {
				runnable = append(runnable, run)
			}
		}
	}

	sort.SliceStable(runnable, func(i, j int) bool {
		return runnable[i].UpdatedAt.Before(runnable[j].UpdatedAt)
	})

	if limit > 0 && len(runnable) > limit {
		runnable = runnable[:limit]
	}

	return runnable, nil
}

func (r *runRepository) CountByCorrelation(_ context.Context, tenantID, correlationID string) (int, error) {
	runs, err := r.all(tenantID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, run := range runs {
		if run.CorrelationID == correlationID {
			count++
		}
	}

	return count, nil
}

func (r *runRepository) UpdateState(_ context.Context, run *models.Run, cond persistence.UpdateCondition) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stored, path, err := r.load(run.TenantID, run.ID)
	if err != nil {
		return err
	}

	if !slices.Contains(cond.Statuses, stored.Status) ||
		(cond.LockHolder != "" && !stored.HeldBy(cond.LockHolder, cond.Now)) {
		return persistence.NewEntityError("UpdateState", "run", run.ID, persistence.ErrRunStateConflict)
	}

	stored.Status = run.Status
	stored.CurrentStepOrder = run.CurrentStepOrder
	stored.Context = run.Context
	stored.ActionsCount = run.ActionsCount
	stored.CompletedSteps = run.CompletedSteps
	stored.ErrorMessage = run.ErrorMessage
	stored.StartedAt = run.StartedAt
	stored.FinishedAt = run.FinishedAt
	stored.DurationMs = run.DurationMs
	stored.UpdatedAt = time.Now().UTC()
	run.UpdatedAt = stored.UpdatedAt

	return writeJSON(path, stored)
}

func (r *runRepository) AcquireLock(_ context.Context, tenantID, runID, holder string, now, expiresAt time.Time) (bool, error) {
	return r.mutateLock(tenantID, runID, func(run *models.Run) bool {
		if run.Locked(now) && run.LockHolder != holder {
			return false
		}

		run.LockHolder = holder
		run.LockExpiresAt = &expiresAt

		return true
	})
}

func (r *runRepository) ReleaseLock(_ context.Context, tenantID, runID, holder string) (bool, error) {
	return r.mutateLock(tenantID, runID, func(run *models.Run) bool {
		if run.LockHolder != holder {
			return false
		}

		run.LockHolder = ""
		run.LockExpiresAt = nil

		return true
	})
}

func (r *runRepository) ExtendLock(_ context.Context, tenantID, runID, holder string, now, expiresAt time.Time) (bool, error) {
	return r.mutateLock(tenantID, runID, func(run *models.Run) bool {
		if !run.HeldBy(holder, now) {
			return false
		}

		run.LockExpiresAt = &expiresAt

		return true
	})
}

func (r *runRepository) ClearExpiredLocks(_ context.Context, now time.Time) (int, error) {
	tenants, err := r.p.tenants()
	if err != nil {
		return 0, err
	}

	cleared := 0

	for _, tenantID := range tenants {
		runs, err := r.all(tenantID)
		if err != nil {
			return cleared, err
		}

		for _, run := range runs {
			if run.LockExpiresAt == nil || !run.LockExpiresAt.Before(now) {
				continue
			}

			ok, err := r.mutateLock(tenantID, run.ID, func(stored *models.Run) bool {
				if stored.LockExpiresAt == nil || !stored.LockExpiresAt.Before(now) {
					return false
				}

				stored.LockHolder = ""
				stored.LockExpiresAt = nil

				return true
			})
			if err != nil {
				return cleared, err
			}

			if ok {
				cleared++
			}
		}
	}

	return cleared, nil
}

// mutateLock applies fn to the stored run under the process mutex and writes it if fn reports a change.
func (r *runRepository) mutateLock(tenantID, runID string, fn func(run *models.Run) bool) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	run, path, err := r.load(tenantID, runID)
	if err != nil {
		return false, err
	}

	if !fn(run) {
		return false, nil
	}

	return true, writeJSON(path, run)
}

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
	"github.com/lib/pq"
)

const runColumns = `
			tenant_id
		  , id
		  , workflow_id
		  , workflow_version
		  , idempotency_key
		  , correlation_id
		  , parent_run_id
		  , attempt
		  , status
		  , current_step_order
		  , context
		  , trigger_type
		  , is_simulation
		  , actions_count
		  , completed_steps
		  , lock_holder
		  , lock_expires_at
		  , error_message
		  , started_at
		  , finished_at
		  , duration_ms
		  , created_at
		  , updated_at`

// RunRepository handles run-related database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

// Create inserts a run, relying on the (tenant, workflow, idempotency key) unique constraint.
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	runContext, completedSteps, err := marshalRunState(run)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`

	_, err = r.db.ExecContext(ctx, query,
		run.TenantID, run.ID, run.WorkflowID, run.WorkflowVersion, run.IdempotencyKey, run.CorrelationID,
		run.ParentRunID, run.Attempt, run.Status, run.CurrentStepOrder, runContext, run.TriggerType,
		run.IsSimulation, run.ActionsCount, completedSteps, nullString(run.LockHolder), run.LockExpiresAt,
		run.ErrorMessage, run.StartedAt, run.FinishedAt, run.DurationMs, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return persistence.NewEntityError("Create", "run", run.ID, persistence.ErrRunAlreadyExists)
		}

		return fmt.Errorf("failed to insert run: %w", err)
	}

	return nil
}

// Get returns a run by id.
func (r *RunRepository) Get(ctx context.Context, tenantID, id string) (*models.Run, error) {
	query := `SELECT` + runColumns + ` FROM runs WHERE tenant_id = $1 AND id = $2`

	run, err := r.scanRun(r.db.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("Get", "run", id, persistence.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	return run, nil
}

// GetByIdempotencyKey returns the run created for a trigger key.
func (r *RunRepository) GetByIdempotencyKey(ctx context.Context, tenantID, workflowID, key string) (*models.Run, error) {
	query := `SELECT` + runColumns + ` FROM runs WHERE tenant_id = $1 AND workflow_id = $2 AND idempotency_key = $3`

	run, err := r.scanRun(r.db.QueryRowContext(ctx, query, tenantID, workflowID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("GetByIdempotencyKey", "run", key, persistence.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	return run, nil
}

// List returns the tenant's runs newest first.
func (r *RunRepository) List(ctx context.Context, tenantID string, status models.RunStatus) ([]*models.Run, error) {
	query := `
		SELECT` + runColumns + `
		FROM runs
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
	`

	return r.queryRuns(ctx, query, tenantID, string(status))
}

// ListRunnable returns pending runs whose lease is free or expired.
func (r *RunRepository) ListRunnable(ctx context.Context, now time.Time, limit int) ([]*models.Run, error) {
	query := `
		SELECT` + runColumns + `
		FROM runs
		WHERE status = 'pending' AND (lock_expires_at IS NULL OR lock_expires_at < $1)
		ORDER BY updated_at
		LIMIT $2
	`

	return r.queryRuns(ctx, query, now, limit)
}

// CountByCorrelation counts every run in a retry lineage.
func (r *RunRepository) CountByCorrelation(ctx context.Context, tenantID, correlationID string) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE tenant_id = $1 AND correlation_id = $2`, tenantID, correlationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}

	return count, nil
}

// UpdateState writes the execution fields of run when cond holds. Lease columns are left untouched.
func (r *RunRepository) UpdateState(ctx context.Context, run *models.Run, cond persistence.UpdateCondition) error {
	runContext, completedSteps, err := marshalRunState(run)
	if err != nil {
		return err
	}

	statuses := make([]string, len(cond.Statuses))
	for i, s := range cond.Statuses {
		statuses[i] = string(s)
	}

	run.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE runs
		SET status = $3
		  , current_step_order = $4
		  , context = $5
		  , actions_count = $6
		  , completed_steps = $7
		  , error_message = $8
		  , started_at = $9
		  , finished_at = $10
		  , duration_ms = $11
		  , updated_at = $12
		WHERE tenant_id = $1 AND id = $2
		  AND status = ANY($13)
		  AND ($14 = '' OR (lock_holder = $14 AND lock_expires_at >= $15))
	`

	result, err := r.db.ExecContext(ctx, query,
		run.TenantID, run.ID, run.Status, run.CurrentStepOrder, runContext, run.ActionsCount, completedSteps,
		run.ErrorMessage, run.StartedAt, run.FinishedAt, run.DurationMs, run.UpdatedAt,
		pq.Array(statuses), cond.LockHolder, cond.Now,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}

	if !ok {
		return persistence.NewEntityError("UpdateState", "run", run.ID, persistence.ErrRunStateConflict)
	}

	return nil
}

// AcquireLock claims the lease in a single conditional update.
func (r *RunRepository) AcquireLock(ctx context.Context, tenantID, runID, holder string, now, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE runs
		SET lock_holder = $3, lock_expires_at = $5
		WHERE tenant_id = $1 AND id = $2
		  AND (lock_expires_at IS NULL OR lock_expires_at < $4 OR lock_holder = $3)
	`

	return r.execLock(ctx, "acquire", query, tenantID, runID, holder, now, expiresAt)
}

// ReleaseLock clears the lease if holder still owns it.
func (r *RunRepository) ReleaseLock(ctx context.Context, tenantID, runID, holder string) (bool, error) {
	query := `
		UPDATE runs
		SET lock_holder = NULL, lock_expires_at = NULL
		WHERE tenant_id = $1 AND id = $2 AND lock_holder = $3
	`

	return r.execLock(ctx, "release", query, tenantID, runID, holder)
}

// ExtendLock moves the expiry of an unexpired lease owned by holder.
func (r *RunRepository) ExtendLock(ctx context.Context, tenantID, runID, holder string, now, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE runs
		SET lock_expires_at = $5
		WHERE tenant_id = $1 AND id = $2 AND lock_holder = $3 AND lock_expires_at >= $4
	`

	return r.execLock(ctx, "extend", query, tenantID, runID, holder, now, expiresAt)
}

// ClearExpiredLocks clears every expired lease.
func (r *RunRepository) ClearExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE runs SET lock_holder = NULL, lock_expires_at = NULL WHERE lock_expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired locks: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(n), nil
}

func (r *RunRepository) execLock(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s lock: %w", op, err)
	}

	return affected(result)
}

func (r *RunRepository) queryRuns(ctx context.Context, query string, args ...any) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	runs := make([]*models.Run, 0)

	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func (r *RunRepository) scanRun(row scanner) (*models.Run, error) {
	var (
		run            models.Run
		runContext     []byte
		completedSteps []byte
		lockHolder     sql.NullString
		lockExpiresAt  sql.NullTime
		startedAt      sql.NullTime
		finishedAt     sql.NullTime
	)

	err := row.Scan(
		&run.TenantID, &run.ID, &run.WorkflowID, &run.WorkflowVersion, &run.IdempotencyKey, &run.CorrelationID,
		&run.ParentRunID, &run.Attempt, &run.Status, &run.CurrentStepOrder, &runContext, &run.TriggerType,
		&run.IsSimulation, &run.ActionsCount, &completedSteps, &lockHolder, &lockExpiresAt,
		&run.ErrorMessage, &startedAt, &finishedAt, &run.DurationMs, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(runContext, &run.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal run context: %w", err)
	}

	err = json.Unmarshal(completedSteps, &run.CompletedSteps)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal completed steps: %w", err)
	}

	run.LockHolder = lockHolder.String
	run.LockExpiresAt = utcPtr(lockExpiresAt)
	run.StartedAt = utcPtr(startedAt)
	run.FinishedAt = utcPtr(finishedAt)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()

	return &run, nil
}

func marshalRunState(run *models.Run) ([]byte, []byte, error) {
	runContext := run.Context
	if runContext == nil {
		runContext = map[string]any{}
	}

	contextJSON, err := json.Marshal(runContext)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal run context: %w", err)
	}

	completedSteps := run.CompletedSteps
	if completedSteps == nil {
		completedSteps = []int{}
	}

	stepsJSON, err := json.Marshal(completedSteps)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal completed steps: %w", err)
	}

	return contextJSON, stepsJSON, nil
}

func utcPtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	utc := t.Time.UTC()

	return &utc
}

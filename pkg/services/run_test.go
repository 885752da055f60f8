package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datachoreography/choreo/pkg/engine"
	"github.com/datachoreography/choreo/pkg/models"
)

func triggerFor(wf *models.Workflow, key string) engine.TriggerRequest {
	return engine.TriggerRequest{
		TenantID:       wf.TenantID,
		WorkflowID:     wf.ID,
		IdempotencyKey: key,
		Payload:        map[string]any{"message": "hello"},
		Actor:          "user-1",
	}
}

func createWorkflow(t *testing.T, f *fixture) *models.Workflow {
	t.Helper()

	wf, _, err := f.workflows.Create(context.Background(), CreateWorkflowRequest{
		TenantID: tenant,
		Actor:    "user-1",
		Workflow: logWorkflow("daily report"),
	})
	require.NoError(t, err)

	return wf
}

func TestRun_TriggerAndList(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	wf := createWorkflow(t, f)

	run, existing, err := f.runs.Trigger(ctx, triggerFor(wf, "k-1"))
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Equal(t, models.RunStatusPending, run.Status)

	again, existing, err := f.runs.Trigger(ctx, triggerFor(wf, "k-1"))
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, run.ID, again.ID)

	fetched, err := f.runs.FetchByID(ctx, tenant, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", fetched.Context["trigger"].(map[string]any)["message"])

	pending, err := f.runs.List(ctx, tenant, models.RunStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	completed, err := f.runs.List(ctx, tenant, models.RunStatusCompleted)
	require.NoError(t, err)
	assert.Empty(t, completed)

	_, err = f.runs.List(ctx, tenant, "sleeping")
	require.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.runs.FetchByID(ctx, "globex", run.ID)
	assert.True(t, IsNotFound(err))
}

func TestRun_TriggerRequiresTenant(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, _, err := f.runs.Trigger(context.Background(), engine.TriggerRequest{WorkflowID: "wf", IdempotencyKey: "k"})
	require.ErrorIs(t, err, ErrMissingTenant)
}

func TestRun_CancelThenRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	wf := createWorkflow(t, f)

	run, _, err := f.runs.Trigger(ctx, triggerFor(wf, "k-1"))
	require.NoError(t, err)

	result, err := f.runs.Cancel(ctx, engine.CancelRequest{TenantID: tenant, RunID: run.ID, Actor: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, result.Run.Status)

	_, err = f.runs.Cancel(ctx, engine.CancelRequest{TenantID: tenant, RunID: run.ID})
	require.ErrorIs(t, err, engine.ErrRunNotCancellable)
	assert.True(t, IsConflictError(err))

	retried, err := f.runs.Retry(ctx, engine.RetryRequest{TenantID: tenant, RunID: run.ID, Actor: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, run.ID, retried.ParentRunID)
	assert.Equal(t, run.CorrelationID, retried.CorrelationID)
	assert.Equal(t, 2, retried.Attempt)
}

func TestApproval_Queries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	approvals, err := f.approvals.List(ctx, tenant, models.ApprovalStatePending)
	require.NoError(t, err)
	assert.Empty(t, approvals)

	_, err = f.approvals.List(ctx, tenant, "maybe")
	require.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.approvals.FetchByID(ctx, tenant, "missing")
	assert.True(t, IsNotFound(err))

	_, err = f.approvals.Decide(ctx, DecideRequest{TenantID: tenant, ApprovalID: "missing", Decision: models.DecisionApprove})
	require.ErrorIs(t, err, ErrMissingActor)
}

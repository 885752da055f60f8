package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datachoreography/choreo/pkg/compliance"
	"github.com/datachoreography/choreo/pkg/faults"
	"github.com/datachoreography/choreo/pkg/idempotency"
	"github.com/datachoreography/choreo/pkg/lock"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
	"github.com/datachoreography/choreo/pkg/persistence/file"
	"github.com/datachoreography/choreo/pkg/protocol"
	"github.com/datachoreography/choreo/pkg/registry"
)

const testTenant = "acme"

// recorder counts invocations per action and lets tests script failures.
type recorder struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int
	params   map[string][]map[string]any
}

func newRecorder() *recorder {
	return &recorder{
		calls:    map[string]int{},
		failures: map[string]int{},
		params:   map[string][]map[string]any{},
	}
}

// failNext makes the next n invocations of action fail.
func (r *recorder) failNext(action string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures[action] = n
}

func (r *recorder) count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.calls[action]
}

func (r *recorder) record(action string, params map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls[action]++
	r.params[action] = append(r.params[action], params)

	if r.failures[action] > 0 {
		r.failures[action]--

		return errors.New("upstream returned 503")
	}

	return nil
}

type testAction struct {
	name string
	rec  *recorder
}

func (a testAction) Invoke(_ context.Context, inv protocol.Invocation) (map[string]any, error) {
	if err := a.rec.record(a.name, inv.Params); err != nil {
		return nil, err
	}

	out := map[string]any{"action": a.name, "idempotency_key": inv.IdempotencyKey}
	for k, v := range inv.Params {
		out[k] = v
	}

	if inv.Credentials != nil {
		out["authenticated"] = true
	}

	return out, nil
}

type testFactory struct {
	name string
	rec  *recorder
}

func (f testFactory) Provider() string       { return "test" }
func (f testFactory) Action() string         { return f.name }
func (f testFactory) Description() string    { return "test action " + f.name }
func (f testFactory) Schema() map[string]any { return nil }

func (f testFactory) Create(*slog.Logger) (protocol.Action, error) {
	return testAction(f), nil
}

type staticCredentials map[string]models.Credentials

func (s staticCredentials) Fetch(_ context.Context, _, connectionID string) (models.Credentials, error) {
	creds, ok := s[connectionID]
	if !ok {
		return nil, faults.NotFound("Fetch", "connection_not_found", "connection not found")
	}

	return creds, nil
}

type harness struct {
	engine *Engine
	store  persistence.Persistence
	locker *lock.StoreLocker
	chain  *compliance.Chain
	rec    *recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store := file.NewPersistence(t.TempDir())
	rec := newRecorder()

	reg := registry.NewRegistry(logger)
	for _, name := range []string{"echo", "charge", "refund", "notify"} {
		require.NoError(t, reg.RegisterAction(testFactory{name: name, rec: rec}))
	}

	chain := compliance.NewChain(store.ComplianceRepository(), []byte("anchor-secret"), logger)
	ledger := idempotency.NewLedger(store.IdempotencyRepository(), 0, logger)

	opts = append([]Option{WithBackOff(time.Millisecond, 5*time.Millisecond)}, opts...)

	return &harness{
		engine: NewEngine(store, reg, staticCredentials{"conn-1": {"token": "t0k3n"}}, chain, ledger, logger, opts...),
		store:  store,
		locker: lock.NewStoreLocker(store.RunRepository(), time.Minute, logger),
		chain:  chain,
		rec:    rec,
	}
}

func (h *harness) workflow(t *testing.T, id string, steps ...*models.Step) *models.Workflow {
	t.Helper()

	now := time.Now().UTC()
	wf := &models.Workflow{
		ID:          id,
		TenantID:    testTenant,
		Name:        "workflow " + id,
		Version:     1,
		TriggerType: models.TriggerTypeManual,
		Enabled:     true,
		Steps:       steps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for i, step := range steps {
		step.Order = i
		if step.Provider == "" {
			step.Provider = "test"
		}
	}

	require.NoError(t, h.store.WorkflowRepository().Create(context.Background(), wf))

	return wf
}

func (h *harness) trigger(t *testing.T, workflowID, key string, payload map[string]any) *models.Run {
	t.Helper()

	run, _, err := h.engine.Trigger(context.Background(), TriggerRequest{
		TenantID:       testTenant,
		WorkflowID:     workflowID,
		Payload:        payload,
		IdempotencyKey: key,
		Actor:          "user-1",
	})
	require.NoError(t, err)

	return run
}

// step claims the run, advances it once and releases it.
func (h *harness) step(t *testing.T, runID string) *StepResult {
	t.Helper()

	ctx := context.Background()

	ok, err := h.locker.Acquire(ctx, testTenant, runID, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	defer func() {
		_, err := h.locker.Release(ctx, testTenant, runID, "worker-1")
		require.NoError(t, err)
	}()

	res, err := h.engine.ProcessNextStep(ctx, testTenant, runID, "worker-1")
	require.NoError(t, err)

	return res
}

// drive advances the run until it stops being pending.
func (h *harness) drive(t *testing.T, runID string) *models.Run {
	t.Helper()

	for range 20 {
		if res := h.step(t, runID); res.Status != models.RunStatusPending {
			break
		}
	}

	run, err := h.engine.Run(context.Background(), testTenant, runID)
	require.NoError(t, err)

	return run
}

func (h *harness) assertChainIntact(t *testing.T) {
	t.Helper()

	report, err := h.chain.VerifyChain(context.Background(), testTenant, models.EventRange{})
	require.NoError(t, err)
	assert.True(t, report.Valid, "violations: %+v", report.Violations)
	assert.Positive(t, report.Checked)
}

func TestTrigger_IsIdempotentPerKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.workflow(t, "wf-1",
		&models.Step{Action: "echo", InputMapping: map[string]string{"email": "{{trigger.email}}"}},
		&models.Step{Action: "notify", InputMapping: map[string]string{"to": "{{step_0.email}}"}},
	)

	first := h.trigger(t, "wf-1", "K1", map[string]any{"email": "ada@example.com"})

	second, existing, err := h.engine.Trigger(context.Background(), TriggerRequest{
		TenantID: testTenant, WorkflowID: "wf-1", IdempotencyKey: "K1", Payload: map[string]any{"email": "other@example.com"},
	})
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ID, second.ID)

	runs, err := h.store.RunRepository().List(context.Background(), testTenant, "")
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	run := h.drive(t, first.ID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.ActionsCount)
	assert.Equal(t, []int{0, 1}, run.CompletedSteps)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, "ada@example.com", run.Context["step_1"].(map[string]any)["to"])

	h.assertChainIntact(t)
}

func TestTrigger_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	wf := h.workflow(t, "wf-1", &models.Step{Action: "echo"})
	ctx := context.Background()

	_, _, err := h.engine.Trigger(ctx, TriggerRequest{TenantID: testTenant, WorkflowID: wf.ID, IdempotencyKey: "  "})
	require.ErrorIs(t, err, ErrMissingIdempotencyKey)

	_, _, err = h.engine.Trigger(ctx, TriggerRequest{TenantID: testTenant, WorkflowID: "missing", IdempotencyKey: "K1"})
	assert.True(t, faults.IsNotFound(err))

	_, _, err = h.engine.Trigger(ctx, TriggerRequest{TenantID: "other", WorkflowID: wf.ID, IdempotencyKey: "K1"})
	assert.True(t, faults.IsNotFound(err))

	require.NoError(t, h.store.WorkflowRepository().SetEnabled(ctx, testTenant, wf.ID, false))

	_, _, err = h.engine.Trigger(ctx, TriggerRequest{TenantID: testTenant, WorkflowID: wf.ID, IdempotencyKey: "K1"})
	require.ErrorIs(t, err, ErrWorkflowDisabled)
}

func TestTrigger_ReplaysKeyAfterWorkflowDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	wf := h.workflow(t, "wf-1", &models.Step{Action: "echo"})
	ctx := context.Background()

	first := h.trigger(t, wf.ID, "K1", nil)

	require.NoError(t, h.store.WorkflowRepository().SetEnabled(ctx, testTenant, wf.ID, false))

	again, existing, err := h.engine.Trigger(ctx, TriggerRequest{TenantID: testTenant, WorkflowID: wf.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ID, again.ID)

	_, _, err = h.engine.Trigger(ctx, TriggerRequest{TenantID: testTenant, WorkflowID: wf.ID, IdempotencyKey: "K2"})
	require.ErrorIs(t, err, ErrWorkflowDisabled)
}

func TestTrigger_ReclaimsStaleReservation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	wf := h.workflow(t, "wf-1", &models.Step{Action: "echo"})
	ctx := context.Background()

	// A trigger that reserved the key and then died before creating its run.
	crashed := idempotency.NewLedger(h.store.IdempotencyRepository(), 0, slog.New(slog.DiscardHandler),
		idempotency.WithInProgressTTL(time.Millisecond))
	res, err := crashed.CheckOrReserve(ctx, testTenant, idempotency.WorkflowScope(wf.ID), "K1")
	require.NoError(t, err)
	require.True(t, res.IsNew)

	time.Sleep(10 * time.Millisecond)

	run, existing, err := h.engine.Trigger(ctx, TriggerRequest{TenantID: testTenant, WorkflowID: wf.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Equal(t, models.RunStatusPending, run.Status)
}

func TestProcessNextStep_AdvancesOneStepPerCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.workflow(t, "wf-1", &models.Step{Action: "echo"}, &models.Step{Action: "echo"}, &models.Step{Action: "echo"})

	run := h.trigger(t, "wf-1", "K1", nil)

	for want := 1; want <= 3; want++ {
		res := h.step(t, run.ID)

		stored, err := h.engine.Run(context.Background(), testTenant, run.ID)
		require.NoError(t, err)
		assert.Equal(t, want, stored.CurrentStepOrder)
		assert.Len(t, stored.CompletedSteps, want)

		if want < 3 {
			require.NotNil(t, res.NextStepOrder)
			assert.Equal(t, want, *res.NextStepOrder)
			assert.Equal(t, models.RunStatusPending, res.Status)
		} else {
			assert.Equal(t, models.RunStatusCompleted, res.Status)
			assert.Nil(t, res.NextStepOrder)
		}
	}

	assert.Equal(t, 3, h.rec.count("echo"))

	res := h.step(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, res.Status)
	assert.Equal(t, 3, h.rec.count("echo"))
}

func TestProcessNextStep_RequiresLease(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.workflow(t, "wf-1", &models.Step{Action: "echo"})
	run := h.trigger(t, "wf-1", "K1", nil)
	ctx := context.Background()

	_, err := h.engine.ProcessNextStep(ctx, testTenant, run.ID, "worker-1")
	require.ErrorIs(t, err, ErrLeaseNotHeld)

	ok, err := h.locker.Acquire(ctx, testTenant, run.ID, "worker-2")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.engine.ProcessNextStep(ctx, testTenant, run.ID, "worker-1")
	require.ErrorIs(t, err, ErrLeaseNotHeld)
	assert.Zero(t, h.rec.count("echo"))
}

func TestProcessNextStep_ApprovalGateSuspendsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.workflow(t, "wf-2", &models.Step{
		Action: "charge", RequiresApproval: true, Approvers: []string{"role:finance"}, RiskLevel: models.RiskLevelHigh,
	})
	ctx := context.Background()

	run := h.trigger(t, "wf-2", "K1", nil)

	res := h.step(t, run.ID)
	assert.Equal(t, models.RunStatusAwaitingApproval, res.Status)
	require.NotEmpty(t, res.ApprovalID)

	res = h.step(t, run.ID)
	assert.Equal(t, models.RunStatusAwaitingApproval, res.Status)
	assert.Zero(t, h.rec.count("charge"))

	approval, err := h.store.ApprovalRepository().Get(ctx, testTenant, res.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatePending, approval.State)
	assert.Equal(t, []string{"role:finance"}, approval.RequiredApprovers)
	assert.WithinDuration(t, approval.RequestedAt.Add(models.DefaultApprovalTTL), approval.ExpiresAt, time.Second)

	approval.State = models.ApprovalStateApproved
	require.NoError(t, h.store.ApprovalRepository().Transition(ctx, approval, models.ApprovalStatePending))

	stored, err := h.engine.Run(ctx, testTenant, run.ID)
	require.NoError(t, err)

	stored.Status = models.RunStatusPending
	require.NoError(t, h.store.RunRepository().UpdateState(ctx, stored, persistence.UpdateCondition{
		Statuses: []models.RunStatus{models.RunStatusAwaitingApproval},
	}))

	done := h.drive(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, done.Status)
	assert.Equal(t, 1, h.rec.count("charge"))

	h.assertChainIntact(t)
}

func TestProcessNextStep_ResumedSuspensionIsAudited(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.workflow(t, "wf-2", &models.Step{Action: "charge", RequiresApproval: true})
	ctx := context.Background()

	run := h.trigger(t, "wf-2", "K1", nil)

	res := h.step(t, run.ID)
	require.Equal(t, models.RunStatusAwaitingApproval, res.Status)

	// The approval exists but the suspension was never recorded.
	stored, err := h.engine.Run(ctx, testTenant, run.ID)
	require.NoError(t, err)

	stored.Status = models.RunStatusPending
	require.NoError(t, h.store.RunRepository().UpdateState(ctx, stored, persistence.UpdateCondition{
		Statuses: []models.RunStatus{models.RunStatusAwaitingApproval},
	}))

	res = h.step(t, run.ID)
	assert.Equal(t, models.RunStatusAwaitingApproval, res.Status)
	assert.Zero(t, h.rec.count("charge"))

	events, err := h.store.ComplianceRepository().List(ctx, testTenant, models.EventRange{})
	require.NoError(t, err)

	var suspended *models.ComplianceEvent
	for _, event := range events {
		if event.EventType == "run.suspended" {
			suspended = event
		}
	}

	require.NotNil(t, suspended)
	assert.Equal(t, res.ApprovalID, suspended.Payload["approval_id"])
	assert.Equal(t, models.CategorySystem, suspended.Category)

	h.assertChainIntact(t)
}

func TestProcessNextStep_RejectedGateCancelsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.workflow(t, "wf-2", &models.Step{Action: "charge", RequiresApproval: true})
	ctx := context.Background()

	run := h.trigger(t, "wf-2", "K1", nil)
	res := h.step(t, run.ID)

	approval, err := h.store.ApprovalRepository().Get(ctx, testTenant, res.ApprovalID)
	require.NoError(t, err)

	approval.State = models.ApprovalStateRejected
	approval.Comment = "too risky"
	require.NoError(t, h.store.ApprovalRepository().Transition(ctx, approval, models.ApprovalStatePending))

	// The gate crashed before cancelling the run.
	stored, err := h.engine.Run(ctx, testTenant, run.ID)
	require.NoError(t, err)

	stored.Status = models.RunStatusPending
	require.NoError(t, h.store.RunRepository().UpdateState(ctx, stored, persistence.UpdateCondition{
		Statuses: []models.RunStatus{models.RunStatusAwaitingApproval},
	}))

	res = h.step(t, run.ID)
	assert.Equal(t, models.RunStatusCancelled, res.Status)

	stored, err = h.engine.Run(ctx, testTenant, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "Rejected by approver: too risky", stored.ErrorMessage)
	assert.Zero(t, h.rec.count("charge"))
}

func TestProcessNextStep_Simulation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	wf := h.workflow(t, "wf-sim", &models.Step{
		Action: "charge", ConnectionID: "conn-1", InputMapping: map[string]string{"amount": "{{trigger.amount}}"},
	})
	wf.Version = 2
	wf.SimulationMode = true
	require.NoError(t, h.store.WorkflowRepository().Create(context.Background(), wf))

	run := h.trigger(t, "wf-sim", "K1", map[string]any{"amount": 10})
	assert.True(t, run.IsSimulation)

	done := h.drive(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, done.Status)
	assert.Zero(t, done.ActionsCount)
	assert.Zero(t, h.rec.count("charge"))

	output := done.Context["step_0"].(map[string]any)
	assert.Equal(t, true, output["simulated"])
	assert.Equal(t, map[string]any{"amount": 10.0}, output["params"])
}

func TestProcessNextStep_Inputs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.workflow(t, "wf-1", &models.Step{
		Action:         "notify",
		ConnectionID:   "conn-1",
		OutputKey:      "notification",
		InputMapping:   map[string]string{"to": "{{trigger.email}}", "cc": "{{trigger.cc}}", "subject": "Order {{trigger.order}}"},
		RequiredInputs: []string{"to"},
	})

	ok := h.drive(t, h.trigger(t, "wf-1", "K1", map[string]any{"email": "ada@example.com", "order": 7}).ID)
	require.Equal(t, models.RunStatusCompleted, ok.Status)

	output := ok.Context["notification"].(map[string]any)
	assert.Equal(t, "ada@example.com", output["to"])
	assert.Equal(t, "Order 7", output["subject"])
	assert.Equal(t, true, output["authenticated"])
	assert.NotContains(t, output, "cc")

	failed := h.drive(t, h.trigger(t, "wf-1", "K2", map[string]any{"order": 8}).ID)
	assert.Equal(t, models.RunStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "unresolved required inputs: to")
	assert.Equal(t, 1, h.rec.count("notify"))
}

func TestProcessNextStep_MissingConnectionFailsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.workflow(t, "wf-1", &models.Step{Action: "charge", ConnectionID: "conn-404"})

	run := h.drive(t, h.trigger(t, "wf-1", "K1", nil).ID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Zero(t, h.rec.count("charge"))
}

func TestProcessNextStep_Retries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		step      *models.Step
		failures  int
		status    models.RunStatus
		wantCalls int
	}{
		{name: "recovers within attempts", step: &models.Step{Action: "charge", RetryOnFailure: true}, failures: 2, status: models.RunStatusCompleted, wantCalls: 3},
		{name: "exhausts default attempts", step: &models.Step{Action: "charge", RetryOnFailure: true}, failures: 5, status: models.RunStatusFailed, wantCalls: 3},
		{name: "respects max attempts", step: &models.Step{Action: "charge", RetryOnFailure: true, MaxAttempts: 2}, failures: 5, status: models.RunStatusFailed, wantCalls: 2},
		{name: "single attempt without retry", step: &models.Step{Action: "charge"}, failures: 1, status: models.RunStatusFailed, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.workflow(t, "wf-1", tt.step)
			h.rec.failNext("charge", tt.failures)

			run := h.drive(t, h.trigger(t, "wf-1", "K1", nil).ID)
			assert.Equal(t, tt.status, run.Status)
			assert.Equal(t, tt.wantCalls, h.rec.count("charge"))

			if tt.status == models.RunStatusFailed {
				assert.Contains(t, run.ErrorMessage, "upstream returned 503")
				assert.NotNil(t, run.FinishedAt)
			}

			h.assertChainIntact(t)
		})
	}
}

func TestProcessNextStep_ReplaysRecordedInvocation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.workflow(t, "wf-1", &models.Step{Action: "charge"}, &models.Step{Action: "echo"})
	ctx := context.Background()

	run := h.trigger(t, "wf-1", "K1", nil)
	h.step(t, run.ID)

	// Roll the run back to step 0 as if the previous worker crashed before saving.
	stored, err := h.engine.Run(ctx, testTenant, run.ID)
	require.NoError(t, err)

	stored.CurrentStepOrder = 0
	stored.CompletedSteps = []int{}
	stored.ActionsCount = 0
	require.NoError(t, h.store.RunRepository().UpdateState(ctx, stored, persistence.UpdateCondition{
		Statuses: []models.RunStatus{models.RunStatusPending},
	}))

	done := h.drive(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, done.Status)
	assert.Equal(t, 1, h.rec.count("charge"))
	assert.Equal(t, run.ID+":0", done.Context["step_0"].(map[string]any)["idempotency_key"])
}

func TestCancelRun_RollsBackCompletedStepsInReverse(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.workflow(t, "wf-1",
		&models.Step{
			Action:   "charge",
			Rollback: &models.RollbackAction{Provider: "test", Action: "refund", InputMapping: map[string]string{"order": "{{step_0.action}}"}},
		},
		&models.Step{Action: "echo"},
		&models.Step{
			Action:   "notify",
			Rollback: &models.RollbackAction{Provider: "test", Action: "refund"},
		},
		&models.Step{Action: "echo", RequiresApproval: true},
	)
	ctx := context.Background()

	run := h.trigger(t, "wf-1", "K1", nil)
	suspended := h.drive(t, run.ID)
	require.Equal(t, models.RunStatusAwaitingApproval, suspended.Status)

	res, err := h.engine.CancelRun(ctx, CancelRequest{TenantID: testTenant, RunID: run.ID, Reason: "customer request", Rollback: true, Actor: "user-1"})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCancelled, res.Run.Status)
	assert.Equal(t, "Cancelled: customer request", res.Run.ErrorMessage)
	assert.Equal(t, []int{2, 0}, res.RolledBack)
	assert.Equal(t, []int{1}, res.RollbackSkipped)
	assert.Equal(t, 2, h.rec.count("refund"))
	assert.Empty(t, h.rec.params["refund"][0])
	assert.Equal(t, "charge", h.rec.params["refund"][1]["order"])

	_, err = h.engine.CancelRun(ctx, CancelRequest{TenantID: testTenant, RunID: run.ID})
	require.ErrorIs(t, err, ErrRunNotCancellable)

	h.assertChainIntact(t)
}

func TestCancelRun_RollbackFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.workflow(t, "wf-1",
		&models.Step{Action: "charge", Rollback: &models.RollbackAction{Provider: "test", Action: "refund"}},
		&models.Step{Action: "echo", RequiresApproval: true},
	)

	run := h.trigger(t, "wf-1", "K1", nil)
	h.drive(t, run.ID)
	h.rec.failNext("refund", 1)

	res, err := h.engine.CancelRun(context.Background(), CancelRequest{TenantID: testTenant, RunID: run.ID, Rollback: true})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.RollbackFailed)
	assert.Equal(t, "Cancelled: "+defaultCancelReason, res.Run.ErrorMessage)
}

func TestRetryRun_LimitsLineage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.workflow(t, "wf-1", &models.Step{Action: "charge"})
	h.rec.failNext("charge", 1)

	original := h.drive(t, h.trigger(t, "wf-1", "K1", nil).ID)
	require.Equal(t, models.RunStatusFailed, original.Status)

	ctx := context.Background()

	for i := 1; i <= DefaultMaxRetries; i++ {
		retried, err := h.engine.RetryRun(ctx, RetryRequest{TenantID: testTenant, RunID: original.ID})
		require.NoError(t, err, "retry %d", i)
		assert.Equal(t, original.CorrelationID, retried.CorrelationID)
		assert.Equal(t, original.ID, retried.ParentRunID)
		assert.Equal(t, i+1, retried.Attempt)
	}

	_, err := h.engine.RetryRun(ctx, RetryRequest{TenantID: testTenant, RunID: original.ID})
	require.ErrorIs(t, err, ErrRetryLimitExceeded)
	assert.True(t, faults.IsConflict(err))
}

func TestRetryRun_Modes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.workflow(t, "wf-1",
		&models.Step{Action: "echo", InputMapping: map[string]string{"id": "{{trigger.id}}"}},
		&models.Step{Action: "charge"},
	)
	h.rec.failNext("charge", 1)
	ctx := context.Background()

	failed := h.drive(t, h.trigger(t, "wf-1", "K1", map[string]any{"id": "o-1"}).ID)
	require.Equal(t, models.RunStatusFailed, failed.Status)
	require.Equal(t, 1, failed.CurrentStepOrder)

	_, err := h.engine.RetryRun(ctx, RetryRequest{TenantID: testTenant, RunID: failed.ID, Mode: "sideways"})
	require.ErrorIs(t, err, ErrInvalidRetryMode)

	resumed, err := h.engine.RetryRun(ctx, RetryRequest{TenantID: testTenant, RunID: failed.ID, Mode: models.RetryFromFailure})
	require.NoError(t, err)
	assert.Equal(t, 1, resumed.CurrentStepOrder)
	assert.Equal(t, []int{0}, resumed.CompletedSteps)
	assert.Contains(t, resumed.Context, "step_0")

	done := h.drive(t, resumed.ID)
	assert.Equal(t, models.RunStatusCompleted, done.Status)
	assert.Equal(t, 1, h.rec.count("echo"))

	_, err = h.engine.RetryRun(ctx, RetryRequest{TenantID: testTenant, RunID: done.ID})
	require.ErrorIs(t, err, ErrRunNotRetryable)

	restarted, err := h.engine.RetryRun(ctx, RetryRequest{
		TenantID: testTenant, RunID: failed.ID, Mode: models.RetryFromBeginning, ResetContext: true,
	})
	require.NoError(t, err)
	assert.Zero(t, restarted.CurrentStepOrder)
	assert.Empty(t, restarted.CompletedSteps)
	assert.Equal(t, map[string]any{"trigger": map[string]any{"id": "o-1"}}, restarted.Context)

	h.drive(t, restarted.ID)
	assert.Equal(t, 2, h.rec.count("echo"))
}

package postgresql_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
	"github.com/datachoreography/choreo/pkg/persistence/postgresql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{
		"vault_secrets", "vault_keys", "connections", "idempotency_keys", "compliance_anchors",
		"compliance_events", "compliance_chain_heads", "approvals", "runs", "workflows", "schema_migrations",
	} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("choreo_test"),
			postgres.WithUsername("choreo"),
			postgres.WithPassword("choreo"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func newRun(tenantID, workflowID, key string) *models.Run {
	id := uuid.NewString()

	return &models.Run{
		ID: id, TenantID: tenantID, WorkflowID: workflowID, WorkflowVersion: 1,
		IdempotencyKey: key, CorrelationID: id, Attempt: 1,
		Status: models.RunStatusPending, TriggerType: models.TriggerTypeManual,
		Context: map[string]any{"trigger": map[string]any{"order_id": "o-1"}},
	}
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	for _, table := range []string{"workflows", "runs", "approvals", "compliance_events", "idempotency_keys", "vault_keys"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	assert.NoError(t, p.HealthCheck(ctx))
}

func TestWorkflowRepository_VersionsAndSchedule(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.WorkflowRepository()

	workflow := &models.Workflow{
		ID: "wf-1", TenantID: "tenant-a", Name: "nightly sync", Version: 1,
		TriggerType: models.TriggerTypeSchedule, TriggerConfig: map[string]any{"cron": "0 2 * * *"},
		Steps: []*models.Step{{Order: 0, Provider: "log", Action: "write", InputMapping: map[string]string{"message": "hi"}}},
	}
	require.NoError(t, repo.Create(ctx, workflow))
	require.ErrorIs(t, repo.Create(ctx, workflow), persistence.ErrWorkflowAlreadyExists)

	next := *workflow
	next.Version = 2
	next.Name = "nightly sync v2"
	require.NoError(t, repo.Create(ctx, &next))

	latest, err := repo.GetByID(ctx, "tenant-a", "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	require.Len(t, latest.Steps, 1)
	assert.Equal(t, "hi", latest.Steps[0].InputMapping["message"])

	_, err = repo.GetByID(ctx, "tenant-b", "wf-1")
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	require.NoError(t, repo.SetEnabled(ctx, "tenant-a", "wf-1", true))

	scheduled, err := repo.ListScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, 2, scheduled[0].Version)
	assert.Equal(t, "0 2 * * *", scheduled[0].CronExpression())
}

func TestRunRepository_IdempotentCreateAndConditionalUpdate(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.RunRepository()

	run := newRun("tenant-a", "wf-1", "K1")
	require.NoError(t, repo.Create(ctx, run))
	require.ErrorIs(t, repo.Create(ctx, newRun("tenant-a", "wf-1", "K1")), persistence.ErrRunAlreadyExists)

	found, err := repo.GetByIdempotencyKey(ctx, "tenant-a", "wf-1", "K1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, found.ID)
	assert.Equal(t, "o-1", found.Context["trigger"].(map[string]any)["order_id"])

	_, err = repo.Get(ctx, "tenant-b", run.ID)
	require.ErrorIs(t, err, persistence.ErrRunNotFound)

	run.CurrentStepOrder = 1
	run.CompletedSteps = []int{0}
	require.NoError(t, repo.UpdateState(ctx, run, persistence.UpdateCondition{
		Statuses: []models.RunStatus{models.RunStatusPending},
	}))

	run.Status = models.RunStatusCompleted
	err = repo.UpdateState(ctx, run, persistence.UpdateCondition{
		Statuses: []models.RunStatus{models.RunStatusAwaitingApproval},
	})
	require.ErrorIs(t, err, persistence.ErrRunStateConflict)

	stored, err := repo.Get(ctx, "tenant-a", run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, stored.Status)
	assert.Equal(t, []int{0}, stored.CompletedSteps)

	count, err := repo.CountByCorrelation(ctx, "tenant-a", run.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunRepository_ConcurrentAcquireHasOneWinner(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.RunRepository()

	run := newRun("tenant-a", "wf-1", "K1")
	require.NoError(t, repo.Create(ctx, run))

	now := time.Now().UTC()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)

	for i := range 10 {
		wg.Add(1)

		go func(worker string) {
			defer wg.Done()

			ok, err := repo.AcquireLock(ctx, "tenant-a", run.ID, worker, now, now.Add(30*time.Second))
			assert.NoError(t, err)

			if ok {
				wins.Add(1)
			}
		}(fmt.Sprintf("worker-%d", i))
	}

	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	runnable, err := repo.ListRunnable(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, runnable, "a leased run is not runnable")

	cleared, err := repo.ClearExpiredLocks(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	runnable, err = repo.ListRunnable(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, runnable, 1)
}

func TestRunRepository_LeaseOwnership(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.RunRepository()

	run := newRun("tenant-a", "wf-1", "K1")
	require.NoError(t, repo.Create(ctx, run))

	now := time.Now().UTC()

	ok, err := repo.AcquireLock(ctx, "tenant-a", run.ID, "A", now, now.Add(30*time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.ExtendLock(ctx, "tenant-a", run.ID, "B", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.ExtendLock(ctx, "tenant-a", run.ID, "A", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	err = repo.UpdateState(ctx, run, persistence.UpdateCondition{
		Statuses: []models.RunStatus{models.RunStatusPending}, LockHolder: "B", Now: now,
	})
	require.ErrorIs(t, err, persistence.ErrRunStateConflict)

	ok, err = repo.ReleaseLock(ctx, "tenant-a", run.ID, "B")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.ReleaseLock(ctx, "tenant-a", run.ID, "A")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApprovalRepository_Transition(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.ApprovalRepository()
	now := time.Now().UTC().Truncate(time.Microsecond)

	approval := &models.Approval{
		ID: uuid.NewString(), TenantID: "tenant-a", RunID: "run-1", StepOrder: 0,
		State: models.ApprovalStatePending, RequiredApprovers: []string{"role:admin"},
		RequestedAt: now, ExpiresAt: now.Add(-time.Minute),
	}
	require.NoError(t, repo.Create(ctx, approval))

	overdue, err := repo.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	expired := *approval
	expired.State = models.ApprovalStateExpired
	expired.RespondedAt = &now
	expired.RespondedBy = "system"
	require.NoError(t, repo.Transition(ctx, &expired, models.ApprovalStatePending))

	approved := *approval
	approved.State = models.ApprovalStateApproved
	require.ErrorIs(t, repo.Transition(ctx, &approved, models.ApprovalStatePending), persistence.ErrApprovalStateConflict)

	found, err := repo.FindByRunStep(ctx, "tenant-a", "run-1", 0)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStateExpired, found.State)
	assert.Equal(t, []string{"role:admin"}, found.RequiredApprovers)
}

func TestComplianceRepository_ConcurrentAppendsStayLinked(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.ComplianceRepository()

	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_, err := repo.Append(ctx, "tenant-a", func(head models.ChainHead) (*models.ComplianceEvent, error) {
				return &models.ComplianceEvent{
					ID: uuid.NewString(), TenantID: "tenant-a", Sequence: head.Sequence + 1,
					Category: models.CategorySystem, EventType: "test", Actor: "system",
					Payload:    map[string]any{"i": float64(i)},
					Timestamp:  time.Now().UTC().Truncate(time.Microsecond),
					PrevDigest: head.Digest, Digest: fmt.Sprintf("%064d", head.Sequence+1),
				}, nil
			})
			assert.NoError(t, err)
		}(i)
	}

	wg.Wait()

	events, err := repo.List(ctx, "tenant-a", models.EventRange{})
	require.NoError(t, err)
	require.Len(t, events, 20)

	assert.Equal(t, models.GenesisDigest, events[0].PrevDigest)

	for i := 1; i < len(events); i++ {
		assert.Equal(t, int64(i+1), events[i].Sequence)
		assert.Equal(t, events[i-1].Digest, events[i].PrevDigest)
	}

	tenants, err := repo.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a"}, tenants)
}

func TestComplianceRepository_AnchorsAreImmutable(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.ComplianceRepository()

	start := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	anchor := &models.ComplianceAnchor{
		ID: uuid.NewString(), TenantID: "tenant-a", Period: "2026-10-18",
		PeriodStart: start, PeriodEnd: start.Add(24 * time.Hour),
		EventCount: 2, FirstSequence: 1, LastSequence: 2,
		MerkleRoot: fmt.Sprintf("%064d", 1), HMAC: fmt.Sprintf("%064d", 2), CreatedAt: start.Add(25 * time.Hour),
	}
	require.NoError(t, repo.SaveAnchor(ctx, anchor))
	require.ErrorIs(t, repo.SaveAnchor(ctx, anchor), persistence.ErrAnchorAlreadyExists)

	stored, err := repo.GetAnchor(ctx, "tenant-a", "2026-10-18")
	require.NoError(t, err)
	assert.Equal(t, anchor.MerkleRoot, stored.MerkleRoot)
	assert.Equal(t, 2, stored.EventCount)
}

func TestIdempotencyRepository_ReserveIsAtomic(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.IdempotencyRepository()
	now := time.Now().UTC()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			record := &models.IdempotencyRecord{
				TenantID: "tenant-a", Scope: "workflow:wf-1", Key: "K1", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
			}

			_, reserved, err := repo.Reserve(ctx, record, now)
			assert.NoError(t, err)

			if reserved {
				wins.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	require.NoError(t, repo.Complete(ctx, "tenant-a", "workflow:wf-1", "K1", json.RawMessage(`{"run_id":"r1"}`), now.Add(time.Hour)))

	existing, reserved, err := repo.Reserve(ctx, &models.IdempotencyRecord{
		TenantID: "tenant-a", Scope: "workflow:wf-1", Key: "K1", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}, now)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, models.IdempotencyCompleted, existing.Status)
	assert.JSONEq(t, `{"run_id":"r1"}`, string(existing.Response))

	purged, err := repo.PurgeExpired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestSecretRepository_CryptoShredRows(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	secrets := p.SecretRepository()
	now := time.Now().UTC()

	require.NoError(t, secrets.PutKey(ctx, &models.DataKey{ID: "k1", TenantID: "tenant-a", Nonce: []byte{1, 2}, Wrapped: []byte{3, 4}, CreatedAt: now}))
	require.NoError(t, secrets.PutSecret(ctx, &models.SealedSecret{TenantID: "tenant-a", ConnectionID: "c1", KeyID: "k1", Nonce: []byte{5}, Ciphertext: []byte{6}, CreatedAt: now}))

	key, err := secrets.GetKey(ctx, "tenant-a", "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4}, key.Wrapped)

	require.NoError(t, secrets.DeleteKey(ctx, "tenant-a", "k1"))

	_, err = secrets.GetKey(ctx, "tenant-a", "k1")
	require.ErrorIs(t, err, persistence.ErrKeyNotFound)

	connections := p.ConnectionRepository()
	require.NoError(t, connections.Save(ctx, &models.Connection{ID: "c1", TenantID: "tenant-a", Provider: "http", Status: models.ConnectionStatusActive, KeyID: "k1"}))

	deletedAt := now
	require.NoError(t, connections.Save(ctx, &models.Connection{ID: "c1", TenantID: "tenant-a", Provider: "http", Status: models.ConnectionStatusDeleted, DeletedAt: &deletedAt}))

	connection, err := connections.Get(ctx, "tenant-a", "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusDeleted, connection.Status)
	assert.NotNil(t, connection.DeletedAt)
}

// Package scheduler runs the periodic maintenance jobs and fires
// schedule-triggered workflows.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/datachoreography/choreo/pkg/engine"
	"github.com/datachoreography/choreo/pkg/lock"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

// Job specs.
const (
	ApprovalExpirySpec = "@every 1m"
	LockSweepSpec      = "@every 30s"
	LedgerPurgeSpec    = "@every 1h"
	AnchorSpec         = "5 0 * * *"
	ScheduleSyncSpec   = "@every 1m"
)

type ApprovalSweeper interface {
	ExpireSweep(ctx context.Context) (int, error)
}

type Anchorer interface {
	AnchorPreviousPeriod(ctx context.Context) (int, error)
}

type Purger interface {
	Purge(ctx context.Context) (int, error)
}

type Triggerer interface {
	Trigger(ctx context.Context, req engine.TriggerRequest) (*models.Run, bool, error)
}

type job struct {
	name string
	spec string
	run  func(ctx context.Context) (int, error)
}

type schedule struct {
	expr    string
	version int
	entry   cron.EntryID
}

type Scheduler struct {
	workflows persistence.WorkflowRepository
	triggerer Triggerer
	approvals ApprovalSweeper
	locker    lock.Locker
	ledger    Purger
	anchorer  Anchorer
	logger    *slog.Logger
	clock     func() time.Time

	cron *cron.Cron

	mu        sync.Mutex
	schedules map[string]schedule
}

func NewScheduler(
	workflows persistence.WorkflowRepository,
	triggerer Triggerer,
	approvals ApprovalSweeper,
	locker lock.Locker,
	ledger Purger,
	anchorer Anchorer,
	logger *slog.Logger,
) *Scheduler {
	logger = logger.With("module", "scheduler")

	return &Scheduler{
		workflows: workflows,
		triggerer: triggerer,
		approvals: approvals,
		locker:    locker,
		ledger:    ledger,
		anchorer:  anchorer,
		logger:    logger,
		clock:     func() time.Time { return time.Now().UTC() },
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(
				cron.SkipIfStillRunning(cronLogger{logger}),
				cron.Recover(cronLogger{logger}),
			),
		),
		schedules: make(map[string]schedule),
	}
}

func (s *Scheduler) jobs() []job {
	return []job{
		{name: "approval_expiry", spec: ApprovalExpirySpec, run: s.approvals.ExpireSweep},
		{name: "lock_sweep", spec: LockSweepSpec, run: s.locker.SweepExpired},
		{name: "ledger_purge", spec: LedgerPurgeSpec, run: s.ledger.Purge},
		{name: "compliance_anchor", spec: AnchorSpec, run: s.anchorer.AnchorPreviousPeriod},
		{name: "schedule_sync", spec: ScheduleSyncSpec, run: s.SyncSchedules},
	}
}

// Start registers the jobs, syncs workflow schedules once and runs until ctx
// is cancelled. Running jobs are waited for before returning.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, j := range s.jobs() {
		if _, err := s.cron.AddFunc(j.spec, s.wrap(ctx, j)); err != nil {
			return fmt.Errorf("failed to add %s job: %w", j.name, err)
		}
	}

	if _, err := s.SyncSchedules(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Failed to sync workflow schedules", "error", err)
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Scheduler started", "jobs", len(s.jobs()))

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.logger.InfoContext(ctx, "Scheduler stopped")

	return nil
}

func (s *Scheduler) wrap(ctx context.Context, j job) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}

		start := s.clock()

		n, err := j.run(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "Scheduled job failed", "job", j.name, "error", err)

			return
		}

		s.logger.DebugContext(ctx, "Scheduled job finished",
			"job", j.name, "affected", n, "elapsed", s.clock().Sub(start))
	}
}

func scheduleKey(workflow *models.Workflow) string {
	return workflow.TenantID + "/" + workflow.ID
}

// SyncSchedules reconciles cron entries with the enabled schedule-triggered
// workflows and returns the number of active schedules.
func (s *Scheduler) SyncSchedules(ctx context.Context) (int, error) {
	workflows, err := s.workflows.ListScheduled(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(workflows))

	for _, workflow := range workflows {
		key := scheduleKey(workflow)
		expr := workflow.CronExpression()
		seen[key] = true

		current, exists := s.schedules[key]
		if exists && current.expr == expr && current.version == workflow.Version {
			continue
		}

		if exists {
			s.cron.Remove(current.entry)
		}

		tenantID, workflowID := workflow.TenantID, workflow.ID

		entry, err := s.cron.AddFunc(expr, func() {
			if ctx.Err() != nil {
				return
			}

			if _, err := s.Fire(ctx, tenantID, workflowID, s.clock()); err != nil {
				s.logger.ErrorContext(ctx, "Failed to fire schedule",
					"tenant_id", tenantID, "workflow_id", workflowID, "error", err)
			}
		})
		if err != nil {
			s.logger.WarnContext(ctx, "Skipping workflow with invalid schedule",
				"tenant_id", tenantID, "workflow_id", workflowID, "cron", expr, "error", err)
			delete(s.schedules, key)

			continue
		}

		s.schedules[key] = schedule{expr: expr, version: workflow.Version, entry: entry}
		s.logger.InfoContext(ctx, "Scheduled workflow", "tenant_id", tenantID, "workflow_id", workflowID, "cron", expr)
	}

	for key, current := range s.schedules {
		if !seen[key] {
			s.cron.Remove(current.entry)
			delete(s.schedules, key)
			s.logger.InfoContext(ctx, "Unscheduled workflow", "schedule", key)
		}
	}

	return len(s.schedules), nil
}

// Fire triggers a scheduled workflow for the minute containing at. Every
// scheduler instance derives the same idempotency key for a tick, so a tick
// creates at most one run.
func (s *Scheduler) Fire(ctx context.Context, tenantID, workflowID string, at time.Time) (*models.Run, error) {
	tick := at.UTC().Truncate(time.Minute)

	run, existing, err := s.triggerer.Trigger(ctx, engine.TriggerRequest{
		TenantID:       tenantID,
		WorkflowID:     workflowID,
		IdempotencyKey: fmt.Sprintf("schedule:%s:%d", workflowID, tick.Unix()),
		TriggerType:    models.TriggerTypeSchedule,
		Payload:        map[string]any{"scheduled_at": tick.Format(time.RFC3339)},
		Actor:          models.SystemActor.ID,
	})
	if err != nil {
		return nil, err
	}

	if !existing {
		s.logger.InfoContext(ctx, "Fired scheduled workflow",
			"tenant_id", tenantID, "workflow_id", workflowID, "run_id", run.ID, "tick", tick)
	}

	return run, nil
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

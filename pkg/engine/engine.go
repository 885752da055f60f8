// Package engine advances workflow runs one step at a time.
//
// The engine holds no per-run state in memory. Every call reads the run from
// the store, performs at most one step transition and writes it back with a
// conditional update guarded by the caller's lease, so any worker can resume
// any run after a crash.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/datachoreography/choreo/pkg/eventbus"
	"github.com/datachoreography/choreo/pkg/faults"
	"github.com/datachoreography/choreo/pkg/idempotency"
	"github.com/datachoreography/choreo/pkg/metrics"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/otelhelper"
	"github.com/datachoreography/choreo/pkg/persistence"
	"github.com/datachoreography/choreo/pkg/registry"
)

const (
	// DefaultMaxRetries caps the retries of one run lineage.
	DefaultMaxRetries = 5

	DefaultBackoffInitial = 500 * time.Millisecond
	DefaultBackoffMax     = 5 * time.Second

	// stepCallRetention bounds how long a step invocation result is replayed
	// and how long a crashed worker's reservation blocks the step.
	stepCallRetention = 15 * time.Minute
)

var (
	ErrMissingWorkflow       = faults.Validation("Trigger", "missing_workflow", "tenant and workflow id are required")
	ErrMissingIdempotencyKey = faults.Validation("Trigger", "missing_idempotency_key", "idempotency key is required")
	ErrWorkflowDisabled      = faults.Validation("Trigger", "workflow_disabled", "workflow is disabled")
	ErrLeaseNotHeld          = faults.Conflict("ProcessNextStep", "lease_not_held", "run lease is not held by this worker")
	ErrRunNotCancellable     = faults.Conflict("CancelRun", "run_not_cancellable", "run is already finished")
	ErrRunNotRetryable       = faults.Conflict("RetryRun", "run_not_retryable", "only failed or cancelled runs can be retried")
	ErrRetryLimitExceeded    = faults.Conflict("RetryRun", "retry_limit_exceeded", "maximum retry count exceeded")
	ErrInvalidRetryMode      = faults.Validation("RetryRun", "invalid_retry_mode", "retry mode must be from_failure or from_beginning")
)

// CredentialSource decrypts connection credentials.
type CredentialSource interface {
	Fetch(ctx context.Context, tenantID, connectionID string) (models.Credentials, error)
}

// Auditor appends compliance events.
type Auditor interface {
	Append(
		ctx context.Context,
		tenantID string,
		category models.ComplianceCategory,
		eventType, actor string,
		payload map[string]any,
	) (*models.ComplianceEvent, error)
}

type Engine struct {
	workflows persistence.WorkflowRepository
	runs      persistence.RunRepository
	approvals persistence.ApprovalRepository

	registry    *registry.Registry
	credentials CredentialSource
	auditor     Auditor
	ledger      *idempotency.Ledger
	stepLedger  *idempotency.Ledger
	publisher   eventbus.EventPublisher
	metrics     *metrics.Collector
	tracer      trace.Tracer
	logger      *slog.Logger
	clock       func() time.Time

	approvalTTL    time.Duration
	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

type Option func(*Engine)

// WithClock replaces the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithApprovalTTL sets how long approvals stay pending.
func WithApprovalTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.approvalTTL = ttl
		}
	}
}

// WithMaxRetries sets the retry cap per run lineage.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithBackOff sets the step retry backoff bounds.
func WithBackOff(initial, maxInterval time.Duration) Option {
	return func(e *Engine) {
		e.backoffInitial = initial
		e.backoffMax = maxInterval
	}
}

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Engine) { e.publisher = publisher }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = collector }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// NewEngine creates an engine. ledger deduplicates run creation; step
// invocations use a short-retention ledger over the same store.
func NewEngine(
	p persistence.Persistence,
	reg *registry.Registry,
	credentials CredentialSource,
	auditor Auditor,
	ledger *idempotency.Ledger,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	logger = logger.With("module", "engine")

	e := &Engine{
		workflows:      p.WorkflowRepository(),
		runs:           p.RunRepository(),
		approvals:      p.ApprovalRepository(),
		registry:       reg,
		credentials:    credentials,
		auditor:        auditor,
		ledger:         ledger,
		stepLedger:     idempotency.NewLedger(p.IdempotencyRepository(), stepCallRetention, logger),
		tracer:         otelhelper.NoopTracer(),
		logger:         logger,
		clock:          func() time.Time { return time.Now().UTC() },
		approvalTTL:    models.DefaultApprovalTTL,
		maxRetries:     DefaultMaxRetries,
		backoffInitial: DefaultBackoffInitial,
		backoffMax:     DefaultBackoffMax,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run returns a run by id.
func (e *Engine) Run(ctx context.Context, tenantID, runID string) (*models.Run, error) {
	return e.runs.Get(ctx, tenantID, runID)
}

// audit appends a compliance event for a run transition. The transition is
// already committed when this runs, so a failure is reported, not undone.
func (e *Engine) audit(
	ctx context.Context,
	run *models.Run,
	category models.ComplianceCategory,
	eventType, actor string,
	payload map[string]any,
) error {
	if payload == nil {
		payload = map[string]any{}
	}

	payload["run_id"] = run.ID
	payload["workflow_id"] = run.WorkflowID
	payload["workflow_version"] = run.WorkflowVersion
	payload["correlation_id"] = run.CorrelationID

	if _, err := e.auditor.Append(ctx, run.TenantID, category, eventType, actor, payload); err != nil {
		e.logger.ErrorContext(ctx, "Failed to record compliance event",
			"tenant_id", run.TenantID, "run_id", run.ID, "event_type", eventType, "error", err)

		return fmt.Errorf("record %s: %w", eventType, err)
	}

	return nil
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.Publish(ctx, key, event); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

// Package worker drives pending runs to completion. Runs are discovered by
// polling the store and by run lifecycle events; each run is claimed through
// the lease before its steps are processed.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/datachoreography/choreo/pkg/engine"
	"github.com/datachoreography/choreo/pkg/eventbus"
	"github.com/datachoreography/choreo/pkg/events"
	"github.com/datachoreography/choreo/pkg/lock"
	"github.com/datachoreography/choreo/pkg/metrics"
	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/persistence"
)

const (
	DefaultConcurrency  = 4
	DefaultPollInterval = 2 * time.Second
)

// Processor advances a leased run by one step.
type Processor interface {
	ProcessNextStep(ctx context.Context, tenantID, runID, workerID string) (*engine.StepResult, error)
}

type Config struct {
	ID           string
	Concurrency  int
	PollInterval time.Duration
}

type runRef struct {
	tenantID string
	runID    string
}

type Pool struct {
	id           string
	concurrency  int
	pollInterval time.Duration

	runs      persistence.RunRepository
	processor Processor
	locker    lock.Locker
	bus       eventbus.EventSubscriber
	metrics   *metrics.Collector
	logger    *slog.Logger
	clock     func() time.Time

	queue  chan runRef
	queued sync.Map
}

type Option func(*Pool)

// WithEventBus wakes the pool on run lifecycle events in addition to polling.
func WithEventBus(bus eventbus.EventSubscriber) Option {
	return func(p *Pool) { p.bus = bus }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(p *Pool) { p.metrics = collector }
}

func NewPool(
	cfg Config,
	runs persistence.RunRepository,
	processor Processor,
	locker lock.Locker,
	logger *slog.Logger,
	opts ...Option,
) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	p := &Pool{
		id:           cfg.ID,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		runs:         runs,
		processor:    processor,
		locker:       locker,
		logger:       logger.With("module", "worker", "worker_id", cfg.ID),
		clock:        func() time.Time { return time.Now().UTC() },
		queue:        make(chan runRef, cfg.Concurrency*4),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start runs the pool until ctx is cancelled and waits for in-flight runs to
// stop. Leases of interrupted runs are released.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.InfoContext(ctx, "Starting worker pool", "concurrency", p.concurrency, "poll_interval", p.pollInterval)

	if p.bus != nil {
		if err := p.subscribe(ctx); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup

	for range p.concurrency {
		wg.Add(1)

		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "Failed to poll runnable runs", "error", err)
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			p.logger.InfoContext(ctx, "Worker pool stopped")

			return nil
		case <-ticker.C:
		}
	}
}

// Poll enqueues runnable runs up to the free queue capacity and returns how many were enqueued.
func (p *Pool) Poll(ctx context.Context) (int, error) {
	free := cap(p.queue) - len(p.queue)
	if free <= 0 {
		return 0, nil
	}

	runs, err := p.runs.ListRunnable(ctx, p.clock(), free)
	if err != nil {
		return 0, err
	}

	n := 0

	for _, run := range runs {
		if p.enqueue(runRef{tenantID: run.TenantID, runID: run.ID}) {
			n++
		}
	}

	return n, nil
}

// enqueue skips runs already queued or in flight on this pool. A full queue
// drops the ref; the next poll picks the run up again.
func (p *Pool) enqueue(ref runRef) bool {
	if _, loaded := p.queued.LoadOrStore(ref, struct{}{}); loaded {
		return false
	}

	select {
	case p.queue <- ref:
		return true
	default:
		p.queued.Delete(ref)

		return false
	}
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ref := <-p.queue:
			if _, err := p.Drive(ctx, ref.tenantID, ref.runID); err != nil && ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "Failed to drive run",
					"tenant_id", ref.tenantID, "run_id", ref.runID, "error", err)
			}

			p.queued.Delete(ref)
		}
	}
}

// Drive claims a run and processes steps until the run leaves pending. It
// returns the number of steps processed. A run leased by another worker is
// skipped without error.
func (p *Pool) Drive(ctx context.Context, tenantID, runID string) (int, error) {
	logger := p.logger.With("tenant_id", tenantID, "run_id", runID)

	ok, err := p.locker.Acquire(ctx, tenantID, runID, p.id)
	if err != nil {
		p.metrics.LockAcquire(metrics.OutcomeError)

		return 0, err
	}

	if !ok {
		p.metrics.LockAcquire(metrics.OutcomeContended)
		logger.DebugContext(ctx, "Run is leased by another worker")

		return 0, nil
	}

	p.metrics.LockAcquire(metrics.OutcomeAcquired)

	defer func() {
		// Released even when ctx is already cancelled.
		if _, err := p.locker.Release(context.WithoutCancel(ctx), tenantID, runID, p.id); err != nil {
			logger.WarnContext(ctx, "Failed to release run lease", "error", err)
		}
	}()

	leased, stop := lock.Heartbeat(ctx, p.locker, tenantID, runID, p.id, logger)
	defer stop()

	steps := 0

	for {
		result, err := p.processor.ProcessNextStep(leased, tenantID, runID, p.id)
		if err != nil {
			if errors.Is(context.Cause(leased), lock.ErrLeaseLost) {
				logger.WarnContext(ctx, "Stopped driving run after losing its lease", "steps", steps)

				return steps, nil
			}

			return steps, err
		}

		steps++

		if result.Status != models.RunStatusPending {
			logger.DebugContext(ctx, "Run left pending", "status", result.Status, "steps", steps)

			return steps, nil
		}

		if leased.Err() != nil {
			return steps, nil
		}
	}
}

func (p *Pool) subscribe(ctx context.Context) error {
	handlers := map[events.EventType]eventbus.EventHandler{
		events.RunTriggeredEvent: func(_ context.Context, event any) error {
			if e, ok := event.(*events.RunTriggered); ok {
				p.enqueue(runRef{tenantID: e.TenantID, runID: e.RunID})
			}

			return nil
		},
		events.RunResumedEvent: func(_ context.Context, event any) error {
			if e, ok := event.(*events.RunResumed); ok {
				p.enqueue(runRef{tenantID: e.TenantID, runID: e.RunID})
			}

			return nil
		},
		events.RunStepCompletedEvent: func(_ context.Context, event any) error {
			if e, ok := event.(*events.RunStepCompleted); ok {
				p.enqueue(runRef{tenantID: e.TenantID, runID: e.RunID})
			}

			return nil
		},
	}

	for eventType, handler := range handlers {
		if err := p.bus.Handle(eventType, handler); err != nil {
			return err
		}
	}

	if err := p.bus.Subscribe(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	return nil
}

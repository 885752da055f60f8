package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/datachoreography/choreo/pkg/approval"
	"github.com/datachoreography/choreo/pkg/compliance"
	"github.com/datachoreography/choreo/pkg/engine"
	"github.com/datachoreography/choreo/pkg/eventbus"
	"github.com/datachoreography/choreo/pkg/idempotency"
	"github.com/datachoreography/choreo/pkg/lock"
	"github.com/datachoreography/choreo/pkg/metrics"
	"github.com/datachoreography/choreo/pkg/otelhelper"
	"github.com/datachoreography/choreo/pkg/persistence"
	"github.com/datachoreography/choreo/pkg/registry"
	"github.com/datachoreography/choreo/pkg/vault"
)

var ErrMissingAnchorSecret = errors.New("anchor secret is required")

// Stack holds the components shared by the API, worker and scheduler.
type Stack struct {
	Persistence persistence.Persistence
	Registry    *registry.Registry
	EventBus    eventbus.EventBus
	Chain       *compliance.Chain
	Ledger      *idempotency.Ledger
	Vault       *vault.Vault
	Locker      lock.Locker
	Engine      *engine.Engine
	Gate        *approval.Gate
	Metrics     *metrics.Collector

	redis *goredis.Client
}

// Build opens the stores and transports named by cfg. On error everything
// opened so far is closed.
func Build(ctx context.Context, cfg Config, logger *slog.Logger) (stack *Stack, err error) {
	if cfg.AnchorSecret == "" {
		return nil, ErrMissingAnchorSecret
	}

	s := &Stack{Metrics: metrics.NewCollector()}

	defer func() {
		if err != nil {
			if closeErr := s.Close(context.WithoutCancel(ctx)); closeErr != nil {
				logger.ErrorContext(ctx, "Failed to close partially built stack", "error", closeErr)
			}
		}
	}()

	s.Registry, err = NewRegistry(logger, cfg.PluginsPath)
	if err != nil {
		return nil, err
	}

	s.Persistence, err = NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open persistence: %w", err)
	}

	s.EventBus, err = NewEventBus(cfg.EventBus, cfg.KafkaBrokers, cfg.ServiceName, logger)
	if err != nil {
		return nil, err
	}

	s.Vault, err = NewVault(cfg.VaultMasterKey, s.Persistence, s.Registry, logger)
	if err != nil {
		return nil, err
	}

	s.Locker, s.redis, err = NewLocker(cfg.LockBackend, cfg.RedisURL, s.Persistence.RunRepository(), cfg.LockTTL, logger)
	if err != nil {
		return nil, err
	}

	s.Chain = compliance.NewChain(s.Persistence.ComplianceRepository(), []byte(cfg.AnchorSecret), logger)
	s.Ledger = idempotency.NewLedger(s.Persistence.IdempotencyRepository(), cfg.IdempotencyRetention, logger)

	engineOpts := []engine.Option{
		engine.WithPublisher(s.EventBus),
		engine.WithMetrics(s.Metrics),
		engine.WithApprovalTTL(cfg.ApprovalTTL),
	}

	if cfg.Tracing {
		tracer, err := otelhelper.NewTracer(ctx, cfg.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("create tracer: %w", err)
		}

		engineOpts = append(engineOpts, engine.WithTracer(tracer))
	}

	s.Engine = engine.NewEngine(s.Persistence, s.Registry, s.Vault, s.Chain, s.Ledger, logger, engineOpts...)
	s.Gate = approval.NewGate(s.Persistence, s.Chain, logger,
		approval.WithPublisher(s.EventBus),
		approval.WithMetrics(s.Metrics),
	)

	return s, nil
}

// Close releases the transports and stores held by the stack.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error

	if s.EventBus != nil {
		errs = append(errs, s.EventBus.Close())
	}

	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}

	if s.Persistence != nil {
		errs = append(errs, s.Persistence.Close(ctx))
	}

	return errors.Join(errs...)
}

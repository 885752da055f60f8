// Package main provides the choreo API server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/datachoreography/choreo/pkg/cmd"
	"github.com/datachoreography/choreo/pkg/services"
	"github.com/datachoreography/choreo/pkg/web"
)

const shutdownTimeout = 10 * time.Second

type API struct {
	logger   *slog.Logger
	stack    *cmd.Stack
	validate *validator.Validate
}

func NewAPI(logger *slog.Logger, stack *cmd.Stack) *API {
	return &API{
		logger:   logger,
		stack:    stack,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	s := a.stack

	handlers := web.NewAPIHandlers(
		services.NewWorkflow(s.Persistence, s.Registry, s.Ledger, s.Chain, a.validate, a.logger),
		services.NewRun(s.Engine, s.Persistence, a.logger),
		services.NewApproval(s.Gate),
		services.NewConnection(s.Vault, s.Ledger, s.Chain, a.logger),
		services.NewCompliance(s.Chain, s.Persistence, s.EventBus, s.Metrics, a.logger),
		a.validate,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("choreo API")
	})

	handlers.Register(app, s.Metrics.Handler())

	return app
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			a.logger.ErrorContext(shutdownCtx, "Failed to shut down API server", "error", err)
		}
	}()

	a.logger.InfoContext(ctx, "Starting API server", "port", port)

	err := app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

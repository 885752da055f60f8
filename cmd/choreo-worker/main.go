// Package main provides the choreo worker, which leases runnable runs and
// advances them step by step.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/datachoreography/choreo/pkg/cmd"
	"github.com/datachoreography/choreo/pkg/log"
	"github.com/datachoreography/choreo/pkg/worker"
)

func main() {
	command := &cli.Command{
		Name:                  "choreo-worker",
		EnableShellCompletion: true,
		Usage:                 "Start workers to execute workflow runs",
		Flags: cmd.CommonFlags(
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Runs processed in parallel",
				Value:   worker.DefaultConcurrency,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "How often the store is polled for runnable runs",
				Value:   worker.DefaultPollInterval,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("choreo-worker").With("worker_id", workerID)
			logger.InfoContext(ctx, "Initializing choreo worker")

			stack, err := cmd.Build(ctx, cmd.ConfigFrom("choreo-worker", command), logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := stack.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close stack", "error", err)
				}
			}()

			pool := worker.NewPool(
				worker.Config{
					ID:           workerID,
					Concurrency:  command.Int("concurrency"),
					PollInterval: command.Duration("poll-interval"),
				},
				stack.Persistence.RunRepository(),
				stack.Engine,
				stack.Locker,
				logger,
				worker.WithEventBus(stack.EventBus),
				worker.WithMetrics(stack.Metrics),
			)

			return pool.Start(ctx)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		log.WithModule("choreo-worker").Error("choreo-worker failed", "error", err)
		stop()
		os.Exit(1)
	}
}

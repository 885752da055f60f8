// Package main provides the choreo scheduler: schedule-type workflow
// triggers, approval expiry, lease and ledger sweeps, and daily compliance
// anchors.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/datachoreography/choreo/pkg/cmd"
	"github.com/datachoreography/choreo/pkg/log"
	"github.com/datachoreography/choreo/pkg/scheduler"
	"github.com/datachoreography/choreo/pkg/services"
)

func main() {
	command := &cli.Command{
		Name:                  "choreo-scheduler",
		EnableShellCompletion: true,
		Usage:                 "Run scheduled triggers and maintenance jobs",
		Flags:                 cmd.CommonFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("choreo-scheduler")
			logger.InfoContext(ctx, "Initializing choreo scheduler")

			stack, err := cmd.Build(ctx, cmd.ConfigFrom("choreo-scheduler", command), logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := stack.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close stack", "error", err)
				}
			}()

			s := scheduler.NewScheduler(
				stack.Persistence.WorkflowRepository(),
				services.NewRun(stack.Engine, stack.Persistence, logger),
				stack.Gate,
				stack.Locker,
				stack.Ledger,
				services.NewCompliance(stack.Chain, stack.Persistence, stack.EventBus, stack.Metrics, logger),
				logger,
			)

			return s.Start(ctx)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		log.WithModule("choreo-scheduler").Error("choreo-scheduler failed", "error", err)
		stop()
		os.Exit(1)
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/datachoreography/choreo/pkg/cmd"
	"github.com/datachoreography/choreo/pkg/log"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "choreo-api",
		Usage:                 "Manage workflows, trigger runs and decide approvals",
		EnableShellCompletion: true,
		Flags: cmd.CommonFlags(
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("choreo-api")
			logger.InfoContext(ctx, "Initializing choreo API")

			stack, err := cmd.Build(ctx, cmd.ConfigFrom("choreo-api", command), logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := stack.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close stack", "error", err)
				}
			}()

			return NewAPI(logger, stack).Start(ctx, command.Int("port"))
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		log.WithModule("choreo-api").Error("choreo-api failed", "error", err)
		stop()
		os.Exit(1)
	}
}

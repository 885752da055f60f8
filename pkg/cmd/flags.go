package cmd

import (
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/datachoreography/choreo/pkg/lock"
	"github.com/datachoreography/choreo/pkg/models"
)

// Config is the wiring shared by the choreo binaries.
type Config struct {
	ServiceName          string
	DatabaseURL          string
	EventBus             string
	KafkaBrokers         string
	PluginsPath          string
	LockBackend          string
	RedisURL             string
	LockTTL              time.Duration
	VaultMasterKey       string
	AnchorSecret         string
	ApprovalTTL          time.Duration
	IdempotencyRetention time.Duration
	Tracing              bool
}

// CommonFlags returns the flags every binary accepts, followed by extra.
func CommonFlags(extra ...cli.Flag) []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (file:// or postgres://)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "plugins-path",
			Usage:   "Path to the directory containing action and tester plugins",
			Value:   "./plugins",
			Sources: cli.EnvVars("PLUGINS_PATH"),
		},
		&cli.StringFlag{
			Name:    "lock-backend",
			Usage:   "Run lease backend (store, redis)",
			Value:   "store",
			Sources: cli.EnvVars("LOCK_BACKEND"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for the redis lock backend",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.DurationFlag{
			Name:    "lock-ttl",
			Usage:   "Run lease duration",
			Value:   lock.DefaultTTL,
			Sources: cli.EnvVars("LOCK_TTL"),
		},
		&cli.StringFlag{
			Name:     "vault-master-key",
			Usage:    "Base64 encoded 32 byte master key for the credential vault",
			Required: true,
			Sources:  cli.EnvVars("VAULT_MASTER_KEY"),
		},
		&cli.StringFlag{
			Name:     "anchor-secret",
			Usage:    "Secret used to sign compliance anchors",
			Required: true,
			Sources:  cli.EnvVars("ANCHOR_SECRET"),
		},
		&cli.DurationFlag{
			Name:    "approval-ttl",
			Usage:   "How long approvals stay pending",
			Value:   models.DefaultApprovalTTL,
			Sources: cli.EnvVars("APPROVAL_TTL"),
		},
		&cli.DurationFlag{
			Name:    "idempotency-retention",
			Usage:   "How long idempotent responses are replayed",
			Value:   models.DefaultIdempotencyRetention,
			Sources: cli.EnvVars("IDEMPOTENCY_RETENTION"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export OpenTelemetry traces over OTLP/HTTP",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}

	return append(flags, extra...)
}

// ConfigFrom reads the common flags of a parsed command.
func ConfigFrom(serviceName string, command *cli.Command) Config {
	return Config{
		ServiceName:          serviceName,
		DatabaseURL:          command.String("database-url"),
		EventBus:             command.String("event-bus"),
		KafkaBrokers:         command.String("kafka-brokers"),
		PluginsPath:          command.String("plugins-path"),
		LockBackend:          command.String("lock-backend"),
		RedisURL:             command.String("redis-url"),
		LockTTL:              command.Duration("lock-ttl"),
		VaultMasterKey:       command.String("vault-master-key"),
		AnchorSecret:         command.String("anchor-secret"),
		ApprovalTTL:          command.Duration("approval-ttl"),
		IdempotencyRetention: command.Duration("idempotency-retention"),
		Tracing:              command.Bool("tracing"),
	}
}

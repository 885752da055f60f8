// Package log provides the log provider: writes a structured log line from a step.
package log

import (
	"context"
	"log/slog"

	"github.com/datachoreography/choreo/pkg/protocol"
)

const (
	Provider   = "log"
	ActionName = "write"
)

type ActionFactory struct{}

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

func (*ActionFactory) Provider() string { return Provider }

func (*ActionFactory) Action() string { return ActionName }

func (*ActionFactory) Description() string {
	return "Writes a structured log line with the resolved message and fields"
}

func (*ActionFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string", "minLength": 1},
			"level": map[string]any{
				"type":    "string",
				"default": "info",
				"enum":    []string{"debug", "info", "warn", "error"},
			},
			"fields": map[string]any{"type": "object"},
		},
		"required": []string{"message"},
	}
}

func (*ActionFactory) Create(logger *slog.Logger) (protocol.Action, error) {
	return &Action{logger: logger}, nil
}

type Action struct {
	logger *slog.Logger
}

func (a *Action) Invoke(ctx context.Context, inv protocol.Invocation) (map[string]any, error) {
	logger := a.logger
	if inv.Logger != nil {
		logger = inv.Logger
	}

	message, _ := inv.Params["message"].(string)
	levelName, _ := inv.Params["level"].(string)

	level := parseLevel(levelName)

	attrs := []any{"action", "log.write"}
	if fields, ok := inv.Params["fields"].(map[string]any); ok {
		for key, value := range fields {
			attrs = append(attrs, slog.Any(key, value))
		}
	}

	logger.Log(ctx, level, message, attrs...)

	return map[string]any{
		"logged":  true,
		"message": message,
		"level":   level.String(),
	}, nil
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package transform provides the transform provider: reshapes data already
// resolved from the run context into a step output.
package transform

import (
	"context"
	"log/slog"

	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/protocol"
)

const (
	Provider   = "transform"
	ActionName = "map"
)

type ActionFactory struct{}

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

func (*ActionFactory) Provider() string { return Provider }

func (*ActionFactory) Action() string { return ActionName }

func (*ActionFactory) Description() string {
	return "Builds an object from resolved fields, filling absent ones from defaults"
}

func (*ActionFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"fields":   map[string]any{"type": "object"},
			"defaults": map[string]any{"type": "object"},
		},
	}
}

func (*ActionFactory) Create(logger *slog.Logger) (protocol.Action, error) {
	return &Action{logger: logger}, nil
}

type Action struct {
	logger *slog.Logger
}

// Invoke returns fields merged over defaults. Params other than fields and
// defaults are copied as top-level fields.
func (a *Action) Invoke(ctx context.Context, inv protocol.Invocation) (map[string]any, error) {
	out := map[string]any{}

	if defaults, ok := inv.Params["defaults"].(map[string]any); ok {
		for key, value := range defaults {
			out[key] = models.CloneValue(value)
		}
	}

	for key, value := range inv.Params {
		if key == "fields" || key == "defaults" {
			continue
		}

		out[key] = models.CloneValue(value)
	}

	if fields, ok := inv.Params["fields"].(map[string]any); ok {
		for key, value := range fields {
			out[key] = models.CloneValue(value)
		}
	}

	a.logger.DebugContext(ctx, "Transform completed", "keys", len(out))

	return out, nil
}

// Package protocol defines the contracts between the execution engine and provider actions.
package protocol

import (
	"context"
	"log/slog"

	"github.com/datachoreography/choreo/pkg/models"
)

// Invocation carries everything an action needs for one call.
type Invocation struct {
	// Params are the step inputs resolved from the run context.
	Params map[string]any

	// Credentials are decrypted from the vault for this call only. Nil for
	// actions that need no connection.
	Credentials models.Credentials

	// IdempotencyKey is stable across attempts and reclaimed re-executions of
	// the same run step. Actions forward it to providers that support it.
	IdempotencyKey string

	Logger *slog.Logger
}

// Action is one provider operation.
type Action interface {
	Invoke(ctx context.Context, inv Invocation) (map[string]any, error)
}

// ActionFactory builds an action identified by (provider, action).
type ActionFactory interface {
	Provider() string
	Action() string
	Description() string

	// Schema is the JSON schema the resolved params must satisfy.
	Schema() map[string]any

	Create(logger *slog.Logger) (Action, error)
}

// CredentialTester checks provider credentials without performing a side effect.
type CredentialTester interface {
	Provider() string
	Test(ctx context.Context, credentials models.Credentials) error
}

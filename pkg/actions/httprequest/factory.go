// Package httprequest provides the generic HTTP provider: an authenticated
// request action and a credential tester.
package httprequest

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/datachoreography/choreo/pkg/protocol"
)

const (
	Provider   = "http"
	ActionName = "request"
)

// ActionFactory creates request actions sharing one HTTP client.
type ActionFactory struct {
	client *http.Client
}

// NewActionFactory creates a factory. A nil client selects a default one.
func NewActionFactory(client *http.Client) *ActionFactory {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	return &ActionFactory{client: client}
}

func (f *ActionFactory) Provider() string { return Provider }

func (f *ActionFactory) Action() string { return ActionName }

func (f *ActionFactory) Description() string {
	return "Performs an HTTP request authenticated with the step connection and returns status, headers and body"
}

func (f *ActionFactory) Create(logger *slog.Logger) (protocol.Action, error) {
	return &Action{client: f.client, logger: logger.With("action", "http.request")}, nil
}

func (f *ActionFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Absolute URL, or a path joined to the connection base_url",
				"examples":    []string{"https://api.example.com/contacts", "/v1/contacts/{{step_0.id}}"},
			},
			"method": map[string]any{
				"type":    "string",
				"default": "GET",
				"enum":    []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "get", "post", "put", "delete", "patch", "head"},
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"query": map[string]any{
				"type": "object",
			},
			"body": map[string]any{
				"description": "Request body. Strings are sent verbatim, anything else as JSON",
			},
		},
		"required": []string{"url"},
	}
}

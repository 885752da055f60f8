package web

import (
	"github.com/datachoreography/choreo/pkg/models"
)

// Request headers carrying the caller identity.
const (
	HeaderTenantID       = "X-Tenant-ID"
	HeaderActorID        = "X-Actor-ID"
	HeaderActorRoles     = "X-Actor-Roles"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderWebhookID      = "X-Webhook-ID"
)

// CreateWorkflowRequest represents the request body for creating a workflow or a new version of one.
type CreateWorkflowRequest struct {
	ID             string             `json:"id,omitempty"`
	Name           string             `json:"name"            validate:"required,min=3"`
	TriggerType    models.TriggerType `json:"trigger_type"    validate:"required,oneof=manual webhook schedule"`
	TriggerConfig  map[string]any     `json:"trigger_config,omitempty"`
	Enabled        *bool              `json:"enabled,omitempty"`
	SimulationMode bool               `json:"simulation_mode"`
	Steps          []*models.Step     `json:"steps"           validate:"required,min=1,dive"`
}

func (r CreateWorkflowRequest) workflow() *models.Workflow {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}

	return &models.Workflow{
		ID:             r.ID,
		Name:           r.Name,
		TriggerType:    r.TriggerType,
		TriggerConfig:  r.TriggerConfig,
		Enabled:        enabled,
		SimulationMode: r.SimulationMode,
		Steps:          r.Steps,
	}
}

// TriggerRequest represents the request body for a manual trigger.
type TriggerRequest struct {
	Payload map[string]any `json:"payload"`
}

// CancelRunRequest represents the request body for cancelling a run.
type CancelRunRequest struct {
	Reason   string `json:"reason"   validate:"max=500"`
	Rollback bool   `json:"rollback"`
}

// RetryRunRequest represents the request body for retrying a failed or cancelled run.
type RetryRunRequest struct {
	Mode         models.RetryMode `json:"mode"          validate:"omitempty,oneof=from_failure from_beginning"`
	ResetContext bool             `json:"reset_context"`
}

// DecisionRequest represents an approver's verdict.
type DecisionRequest struct {
	Decision models.Decision `json:"decision" validate:"required,oneof=approve reject"`
	Comment  string          `json:"comment"  validate:"max=2000"`
}

// StoreConnectionRequest represents the request body for storing credentials.
type StoreConnectionRequest struct {
	ID          string             `json:"id"          validate:"required"`
	Provider    string             `json:"provider"    validate:"required"`
	Credentials models.Credentials `json:"credentials" validate:"required,min=1"`
}

// RotateConnectionRequest represents the request body for replacing credentials.
type RotateConnectionRequest struct {
	Credentials models.Credentials `json:"credentials" validate:"required,min=1"`
}

// TestConnectionRequest represents unsaved credentials to check.
type TestConnectionRequest struct {
	Provider    string             `json:"provider"    validate:"required"`
	Credentials models.Credentials `json:"credentials" validate:"required,min=1"`
}

// ComputeAnchorRequest names the period to anchor.
type ComputeAnchorRequest struct {
	Period string `json:"period" validate:"required,datetime=2006-01-02"`
}

// RunResponse is a run plus whether the request replayed an earlier trigger.
type RunResponse struct {
	*models.Run

	Existing bool `json:"existing"`
}

// Package models defines the core domain models for tenant-isolated workflow execution.
package models

import (
	"fmt"
	"time"
)

// TriggerType identifies what started a run.
type TriggerType string

const (
	TriggerTypeManual   TriggerType = "manual"
	TriggerTypeWebhook  TriggerType = "webhook"
	TriggerTypeSchedule TriggerType = "schedule"
)

// RiskLevel classifies the blast radius of a step.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

const (
	DefaultStepTimeoutSeconds = 30
	MaxStepTimeoutSeconds     = 60
	DefaultRetryAttempts      = 3
	MaxRetryAttempts          = 3

	// DefaultApprover is used when a gated step names no approvers.
	DefaultApprover = "role:admin"
)

// Workflow is a versioned, tenant-owned sequence of steps. Workflows are never
// hard-deleted; runs reference a specific version.
type Workflow struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"       validate:"required"`
	Name           string         `json:"name"            validate:"required,min=3"`
	Version        int            `json:"version"         validate:"min=1"`
	TriggerType    TriggerType    `json:"trigger_type"    validate:"required,oneof=manual webhook schedule"`
	TriggerConfig  map[string]any `json:"trigger_config,omitempty"`
	Enabled        bool           `json:"enabled"`
	SimulationMode bool           `json:"simulation_mode"`
	Steps          []*Step        `json:"steps"           validate:"dive"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// StepAt returns the step with the given order.
func (w *Workflow) StepAt(order int) (*Step, bool) {
	for _, step := range w.Steps {
		if step.Order == order {
			return step, true
		}
	}

	return nil, false
}

// CronExpression returns the schedule of a schedule-triggered workflow.
func (w *Workflow) CronExpression() string {
	if w.TriggerType != TriggerTypeSchedule || w.TriggerConfig == nil {
		return ""
	}

	expr, _ := w.TriggerConfig["cron"].(string)

	return expr
}

// ValidateOrders checks that step orders are unique and contiguous from zero.
func (w *Workflow) ValidateOrders() error {
	seen := make(map[int]bool, len(w.Steps))
	for _, step := range w.Steps {
		if seen[step.Order] {
			return fmt.Errorf("duplicate step order %d", step.Order)
		}

		seen[step.Order] = true
	}

	for i := range w.Steps {
		if !seen[i] {
			return fmt.Errorf("step orders must be contiguous from 0, missing %d", i)
		}
	}

	return nil
}

// ValidateOutputs checks that each step writes to its own run-context key and
// none overwrites the trigger payload.
func (w *Workflow) ValidateOutputs() error {
	seen := make(map[string]int, len(w.Steps))
	for _, step := range w.Steps {
		name := step.OutputName()
		if name == TriggerContextKey {
			return fmt.Errorf("step %d: output key %q is reserved", step.Order, name)
		}

		if prev, ok := seen[name]; ok {
			return fmt.Errorf("steps %d and %d share output key %q", prev, step.Order, name)
		}

		seen[name] = step.Order
	}

	return nil
}

// Step is one provider action inside a workflow.
type Step struct {
	Order            int               `json:"order"                     validate:"min=0"`
	Name             string            `json:"name"`
	Provider         string            `json:"provider"                  validate:"required"`
	Action           string            `json:"action"                    validate:"required"`
	ConnectionID     string            `json:"connection_id,omitempty"`
	InputMapping     map[string]string `json:"input_mapping,omitempty"`
	RequiredInputs   []string          `json:"required_inputs,omitempty"`
	OutputKey        string            `json:"output_key,omitempty"`
	RequiresApproval bool              `json:"requires_approval"`
	Approvers        []string          `json:"approvers,omitempty"`
	RiskLevel        RiskLevel         `json:"risk_level,omitempty"      validate:"omitempty,oneof=low medium high critical"`
	RetryOnFailure   bool              `json:"retry_on_failure"`
	MaxAttempts      int               `json:"max_attempts,omitempty"    validate:"min=0,max=3"`
	TimeoutSeconds   int               `json:"timeout_seconds,omitempty" validate:"min=0,max=60"`
	Rollback         *RollbackAction   `json:"rollback,omitempty"`
}

// RollbackAction compensates a completed step when a run is cancelled with rollback.
type RollbackAction struct {
	Provider     string            `json:"provider"                validate:"required"`
	Action       string            `json:"action"                  validate:"required"`
	InputMapping map[string]string `json:"input_mapping,omitempty"`
}

// OutputName is the run-context key the step's result is stored under.
func (s *Step) OutputName() string {
	if s.OutputKey != "" {
		return s.OutputKey
	}

	return fmt.Sprintf("step_%d", s.Order)
}

// Attempts is the bounded number of invocation attempts for the step.
func (s *Step) Attempts() int {
	if !s.RetryOnFailure {
		return 1
	}

	if s.MaxAttempts <= 0 {
		return DefaultRetryAttempts
	}

	return min(s.MaxAttempts, MaxRetryAttempts)
}

// Timeout is the per-attempt invocation timeout.
func (s *Step) Timeout() time.Duration {
	seconds := s.TimeoutSeconds
	if seconds <= 0 {
		seconds = DefaultStepTimeoutSeconds
	}

	return time.Duration(min(seconds, MaxStepTimeoutSeconds)) * time.Second
}

// ApproverSet returns the approvers required to decide on the step.
func (s *Step) ApproverSet() []string {
	if len(s.Approvers) == 0 {
		return []string{DefaultApprover}
	}

	return append([]string(nil), s.Approvers...)
}

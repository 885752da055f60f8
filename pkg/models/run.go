package models

import (
	"slices"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending          RunStatus = "pending"
	RunStatusRunning          RunStatus = "running"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCancelled        RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Cancellable reports whether a run in this status may be cancelled.
func (s RunStatus) Cancellable() bool {
	return s == RunStatusPending || s == RunStatusRunning || s == RunStatusAwaitingApproval
}

// RetryMode selects where a retried run resumes.
type RetryMode string

const (
	RetryFromFailure   RetryMode = "from_failure"
	RetryFromBeginning RetryMode = "from_beginning"
)

// TriggerContextKey is the run-context key holding the trigger payload.
const TriggerContextKey = "trigger"

// Run is one execution instance of a workflow version.
type Run struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	WorkflowID       string         `json:"workflow_id"`
	WorkflowVersion  int            `json:"workflow_version"`
	IdempotencyKey   string         `json:"idempotency_key"`
	CorrelationID    string         `json:"correlation_id"`
	ParentRunID      string         `json:"parent_run_id,omitempty"`
	Attempt          int            `json:"attempt"`
	Status           RunStatus      `json:"status"`
	CurrentStepOrder int            `json:"current_step_order"`
	Context          map[string]any `json:"context"`
	TriggerType      TriggerType    `json:"trigger_type"`
	IsSimulation     bool           `json:"is_simulation"`
	ActionsCount     int            `json:"actions_count"`
	CompletedSteps   []int          `json:"completed_steps"`
	LockHolder       string         `json:"lock_holder,omitempty"`
	LockExpiresAt    *time.Time     `json:"lock_expires_at,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	DurationMs       int64          `json:"duration_ms"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Locked reports whether a non-expired lease is held at now.
func (r *Run) Locked(now time.Time) bool {
	return r.LockHolder != "" && r.LockExpiresAt != nil && !r.LockExpiresAt.Before(now)
}

// HeldBy reports whether workerID holds a non-expired lease at now.
func (r *Run) HeldBy(workerID string, now time.Time) bool {
	return r.Locked(now) && r.LockHolder == workerID
}

// Finish marks the run terminal with the given status.
func (r *Run) Finish(status RunStatus, errorMessage string, now time.Time) {
	r.Status = status
	r.ErrorMessage = errorMessage
	r.FinishedAt = &now

	start := r.CreatedAt
	if r.StartedAt != nil {
		start = *r.StartedAt
	}

	r.DurationMs = now.Sub(start).Milliseconds()
}

// Clone returns a copy whose context and completed steps can be mutated freely.
func (r *Run) Clone() *Run {
	c := *r
	c.Context = CloneMap(r.Context)
	c.CompletedSteps = slices.Clone(r.CompletedSteps)

	return &c
}

// CloneMap deep-copies JSON-like values.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}

	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}

	return out
}

// CloneValue deep-copies a JSON-like value.
func CloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = CloneValue(item)
		}

		return out
	default:
		return v
	}
}

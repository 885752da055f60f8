// Package events defines the run lifecycle notifications published on the event bus.
//
// Notifications are hints: workers subscribe to process runs immediately, but
// the persistent store stays the source of truth and polling covers any lost
// message.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const Topic = "choreo.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunTriggeredEvent        EventType = "run.triggered"
	RunStepCompletedEvent    EventType = "run.step_completed"
	RunAwaitingApprovalEvent EventType = "run.awaiting_approval"
	RunResumedEvent          EventType = "run.resumed"
	RunCompletedEvent        EventType = "run.completed"
	RunFailedEvent           EventType = "run.failed"
	RunCancelledEvent        EventType = "run.cancelled"

	ComplianceViolationEvent EventType = "compliance.violation"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	TenantID   string         `json:"tenant_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, tenantID, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		TenantID:   tenantID,
		WorkflowID: workflowID,
	}
}

type RunTriggered struct {
	BaseEvent

	RunID         string `json:"run_id"`
	CorrelationID string `json:"correlation_id"`
	TriggerType   string `json:"trigger_type"`
	Attempt       int    `json:"attempt"`
}

func (e RunTriggered) GetType() EventType {
	return RunTriggeredEvent
}

type RunStepCompleted struct {
	BaseEvent

	RunID         string `json:"run_id"`
	StepOrder     int    `json:"step_order"`
	NextStepOrder int    `json:"next_step_order"`
	Provider      string `json:"provider"`
	Action        string `json:"action"`
	DurationMs    int64  `json:"duration_ms"`
	Simulated     bool   `json:"simulated"`
}

func (e RunStepCompleted) GetType() EventType {
	return RunStepCompletedEvent
}

type RunAwaitingApproval struct {
	BaseEvent

	RunID      string    `json:"run_id"`
	StepOrder  int       `json:"step_order"`
	ApprovalID string    `json:"approval_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (e RunAwaitingApproval) GetType() EventType {
	return RunAwaitingApprovalEvent
}

type RunResumed struct {
	BaseEvent

	RunID      string `json:"run_id"`
	ApprovalID string `json:"approval_id"`
	ApprovedBy string `json:"approved_by"`
}

func (e RunResumed) GetType() EventType {
	return RunResumedEvent
}

type RunCompleted struct {
	BaseEvent

	RunID        string `json:"run_id"`
	DurationMs   int64  `json:"duration_ms"`
	ActionsCount int    `json:"actions_count"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

type RunFailed struct {
	BaseEvent

	RunID      string `json:"run_id"`
	StepOrder  int    `json:"step_order"`
	Error      string `json:"error"`
	DurationMs int64  `json:"duration_ms"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

type RunCancelled struct {
	BaseEvent

	RunID       string `json:"run_id"`
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelled_by"`
	RolledBack  []int  `json:"rolled_back,omitempty"`
}

func (e RunCancelled) GetType() EventType {
	return RunCancelledEvent
}

// ComplianceViolation reports a failed chain or anchor verification.
type ComplianceViolation struct {
	BaseEvent

	Scope         string   `json:"scope"`
	Period        string   `json:"period,omitempty"`
	Violations    int      `json:"violations"`
	FirstSequence int64    `json:"first_sequence,omitempty"`
	Kinds         []string `json:"kinds"`
}

func (e ComplianceViolation) GetType() EventType {
	return ComplianceViolationEvent
}

// Decode unmarshals a payload into the concrete event of eventType.
func Decode(eventType EventType, payload []byte) (any, error) {
	var event any

	switch eventType {
	case RunTriggeredEvent:
		event = &RunTriggered{}
	case RunStepCompletedEvent:
		event = &RunStepCompleted{}
	case RunAwaitingApprovalEvent:
		event = &RunAwaitingApproval{}
	case RunResumedEvent:
		event = &RunResumed{}
	case RunCompletedEvent:
		event = &RunCompleted{}
	case RunFailedEvent:
		event = &RunFailed{}
	case RunCancelledEvent:
		event = &RunCancelled{}
	case ComplianceViolationEvent:
		event = &ComplianceViolation{}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}

	return event, nil
}

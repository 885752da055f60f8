package models

import (
	"slices"
	"strings"
	"time"
)

// ApprovalState represents the lifecycle state of an approval.
type ApprovalState string

const (
	ApprovalStatePending  ApprovalState = "pending"
	ApprovalStateApproved ApprovalState = "approved"
	ApprovalStateRejected ApprovalState = "rejected"
	ApprovalStateExpired  ApprovalState = "expired"
)

// Decision is a human verdict on an approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// DefaultApprovalTTL is how long an approval stays pending before the sweep expires it.
const DefaultApprovalTTL = 24 * time.Hour

// Approval pauses a run at a gated step until a human decides.
type Approval struct {
	ID                string        `json:"id"`
	TenantID          string        `json:"tenant_id"`
	RunID             string        `json:"run_id"`
	StepOrder         int           `json:"step_order"`
	State             ApprovalState `json:"state"`
	RequiredApprovers []string      `json:"required_approvers"`
	RiskLevel         RiskLevel     `json:"risk_level,omitempty"`
	RequestedAt       time.Time     `json:"requested_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	RespondedAt       *time.Time    `json:"responded_at,omitempty"`
	RespondedBy       string        `json:"responded_by,omitempty"`
	Comment           string        `json:"comment,omitempty"`
}

// Expired reports whether the approval window has passed at now.
func (a *Approval) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Actor identifies who performs an operation.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// SystemActor is used for scheduler and worker driven transitions.
var SystemActor = Actor{ID: "system"}

// CanDecide reports whether actor matches the required approver set, either by
// user id ("user:<id>" or a bare id) or by role ("role:<name>").
func (a *Approval) CanDecide(actor Actor) bool {
	if actor.ID == "" {
		return false
	}

	for _, required := range a.RequiredApprovers {
		switch {
		case strings.HasPrefix(required, "role:"):
			if slices.Contains(actor.Roles, strings.TrimPrefix(required, "role:")) {
				return true
			}
		case strings.HasPrefix(required, "user:"):
			if strings.TrimPrefix(required, "user:") == actor.ID {
				return true
			}
		case required == actor.ID:
			return true
		}
	}

	return false
}

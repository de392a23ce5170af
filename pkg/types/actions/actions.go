// Package actions defines the action-bus value types: proposed side-effect
// actions, their autonomy levels and the lifecycle state machine.
package actions

import (
	"encoding/json"
	"time"
)

// AutonomyLevel determines how much human oversight an action requires
// before it may execute.
type AutonomyLevel string

const (
	AutonomyAuto     AutonomyLevel = "auto"
	AutonomyDraft    AutonomyLevel = "draft"
	AutonomyApproval AutonomyLevel = "approval"
	AutonomyCritical AutonomyLevel = "critical"
)

// HandlerKind names the external system an action is dispatched to.
type HandlerKind string

const (
	HandlerWhatsApp HandlerKind = "whatsapp"
	HandlerChatwoot HandlerKind = "chatwoot"
	HandlerSheets   HandlerKind = "sheets"
	HandlerWebhook  HandlerKind = "webhook"
	HandlerInternal HandlerKind = "internal"
)

// State is the lifecycle state of an action record.
type State string

const (
	StateProposed        State = "PROPOSED"
	StateDraft           State = "DRAFT"
	StatePendingApproval State = "PENDING_APPROVAL"
	StatePending2FA      State = "PENDING_2FA"
	StateApproved        State = "APPROVED"
	StateExecuting       State = "EXECUTING"
	StateExecuted        State = "EXECUTED"
	StateFailed          State = "FAILED"
	StateRejected        State = "REJECTED"
	StateCancelled       State = "CANCELLED"
	StateExpired         State = "EXPIRED"
)

// transitions is the legal state matrix. An action may only move along these
// edges; everything else is a state conflict.
var transitions = map[State][]State{
	StateProposed:        {StateDraft, StatePendingApproval, StateApproved, StateRejected, StateCancelled, StateExpired},
	StateDraft:           {StateApproved, StateRejected, StateCancelled, StateExpired},
	StatePendingApproval: {StatePending2FA, StateApproved, StateRejected, StateCancelled, StateExpired},
	StatePending2FA:      {StateApproved, StateRejected, StateCancelled, StateExpired},
	StateApproved:        {StateExecuting},
	StateExecuting:       {StateExecuted, StateFailed},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether an action in the given state may be cancelled.
func (s State) Cancellable() bool {
	switch s {
	case StateProposed, StateDraft, StatePendingApproval, StatePending2FA:
		return true
	}
	return false
}

// Terminal reports whether the state ends the action lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StateExecuted, StateFailed, StateRejected, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Metadata carries lifecycle annotations attached as the record progresses.
type Metadata struct {
	ApprovedBy      string          `json:"approved_by,omitempty"`
	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
	ExecutionResult json.RawMessage `json:"execution_result,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	Requires2FA     bool            `json:"requires_2fa,omitempty"`
	Attempts        int             `json:"attempts,omitempty"`
}

// Record is one proposed side-effect and its lifecycle.
type Record struct {
	ActionID      string          `json:"action_id" db:"action_id"`
	ActionType    string          `json:"action_type" db:"action_type"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Context       json.RawMessage `json:"context" db:"context"`
	RequestedBy   string          `json:"requested_by" db:"requested_by"`
	Reason        string          `json:"reason" db:"reason"`
	AutonomyLevel AutonomyLevel   `json:"autonomy_level" db:"autonomy_level"`
	Handler       HandlerKind     `json:"handler" db:"handler"`
	State         State           `json:"state" db:"state"`
	Metadata      Metadata        `json:"metadata" db:"-"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
}

// ExecutionResult captures one handler invocation outcome.
type ExecutionResult struct {
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	DurationMs int64           `json:"duration_ms"`
}

// ValidationResult is a dry-run preview of what executing an action would do.
type ValidationResult struct {
	Valid   bool     `json:"valid"`
	Errors  []string `json:"errors,omitempty"`
	Preview string   `json:"preview,omitempty"`
}

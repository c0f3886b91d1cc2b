// Package intent provides schema validation and lifecycle tracking for
// governance intents. An intent is data: nothing in this package executes
// side effects or approves anything on its own.
package intent

import (
	"time"
)

// Intent types accepted by the schema.
const (
	TypeInspectRepo   = "inspect_repo"
	TypeSummariseLogs = "summarise_logs"
	TypeAnalyzeCode   = "analyze_code"
	TypePlanAction    = "plan_action"
	TypeApplyPatch    = "apply_patch"

	// Client-defined intent types.
	TypeBlockPurchase = "block_purchase"
	TypeVerifyAccount = "verify_account"
	TypeRequireMFA    = "require_mfa"
	TypeFlagForReview = "flag_for_review"
	TypeAllow         = "allow"
)

// Execution modes, in escalation order.
const (
	ModeReasonOnly = "reason-only"
	ModeSimulate   = "simulate"
	ModePropose    = "propose"
)

// NextMode returns the next rung of the mode ladder, or "" at the end.
func NextMode(mode string) string {
	switch mode {
	case ModeReasonOnly:
		return ModeSimulate
	case ModeSimulate:
		return ModePropose
	default:
		return ""
	}
}

// Status of an intent in the queue.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// PhaseSpec is a proposed phase carried inside a submission, used for plan
// composition.
type PhaseSpec struct {
	PhaseID     string   `json:"phase_id"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Tasks       []string `json:"tasks,omitempty"`
}

// Payload is the schema-validated body of an intent. It is immutable once
// the intent is queued.
type Payload struct {
	Intent       string      `json:"intent"`
	Source       string      `json:"source"`
	Target       string      `json:"target,omitempty"`
	Context      any         `json:"context,omitempty"`
	PatchContent string      `json:"patch_content,omitempty"`
	Confidence   float64     `json:"confidence"`
	Mode         string      `json:"mode"`
	Notes        string      `json:"notes,omitempty"`
	Phases       []PhaseSpec `json:"phases,omitempty"`
}

// Intent is a queued, validated intent with lifecycle metadata.
type Intent struct {
	IntentID       string     `json:"intent_id"`
	Source         string     `json:"source"`
	Payload        Payload    `json:"data"`
	ArrivalTime    time.Time  `json:"arrival_time"`
	Status         Status     `json:"status"`
	ComposedPlanID string     `json:"composed_plan_id,omitempty"`
	ApprovalTime   *time.Time `json:"approval_time,omitempty"`
	RejectionTime  *time.Time `json:"rejection_time,omitempty"`
	RejectReason   string     `json:"reject_reason,omitempty"`
}

// FieldError is a single structured validation failure.
type FieldError struct {
	Field      string `json:"field"`
	Message    string `json:"message"`
	Constraint string `json:"schema_constraint"`
}

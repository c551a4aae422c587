package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Deal ─────────────────────────────────────────────────────────────────────

// DealStatus is the lifecycle state of a deal registration.
type DealStatus string

const (
	DealStatusPending  DealStatus = "pending"
	DealStatusAssigned DealStatus = "assigned"
	DealStatusDisputed DealStatus = "disputed"
	DealStatusApproved DealStatus = "approved"
	DealStatusRejected DealStatus = "rejected"
)

// Terminal reports whether the status admits no further approval actions.
func (s DealStatus) Terminal() bool {
	return s == DealStatusApproved || s == DealStatusRejected
}

// Valid reports whether s is a known status value.
func (s DealStatus) Valid() bool {
	switch s {
	case DealStatusPending, DealStatusAssigned, DealStatusDisputed,
		DealStatusApproved, DealStatusRejected:
		return true
	}
	return false
}

// Deal is a registered sales deal moving through an approval workflow.
type Deal struct {
	ID                 string          `json:"id"`
	DealName           string          `json:"deal_name"`
	CustomerName       string          `json:"customer_name"`
	ResellerID         string          `json:"reseller_id"`
	AssignedResellerID *string         `json:"assigned_reseller_id,omitempty"`
	WorkflowID         *string         `json:"workflow_id,omitempty"`
	Status             DealStatus      `json:"status"`
	Priority           string          `json:"priority"` // low | medium | high
	TotalValue         decimal.Decimal `json:"total_value"`
	Currency           string          `json:"currency"`
	AssignmentDate     *time.Time      `json:"assignment_date,omitempty"`
	CreatedBy          *string         `json:"created_by,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ── Workflow definition ──────────────────────────────────────────────────────

// WorkflowDefinition is an immutable, named sequence of approval steps.
// Definitions referenced by any deal are never updated in place.
type WorkflowDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description *string        `json:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// WorkflowStep is one ordered stage of a definition. Step numbers are
// contiguous starting at 1.
type WorkflowStep struct {
	StepNumber   int    `json:"step_number"`
	RequiredRole string `json:"required_role"`
}

// StepAfter returns the step following stepNumber, or nil when
// stepNumber is the last step.
func (d *WorkflowDefinition) StepAfter(stepNumber int) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].StepNumber == stepNumber+1 {
			return &d.Steps[i]
		}
	}
	return nil
}

// ── Approval ledger ──────────────────────────────────────────────────────────

// RecordAction is the terminal (or pending) outcome of a ledger record.
type RecordAction string

const (
	RecordActionPending   RecordAction = "pending"
	RecordActionApproved  RecordAction = "approved"
	RecordActionRejected  RecordAction = "rejected"
	RecordActionEscalated RecordAction = "escalated"
)

// ApprovalRecord is one row of a deal's approval ledger: a step that was
// entered, and how it was left. Records are ordered by
// (step_number, escalation_level); escalation_level 0 is the regular
// workflow step, levels >= 1 are escalation detours taken at that step.
// The current step of a deal is its lowest-ordered pending record, and
// at most one pending record exists per deal.
type ApprovalRecord struct {
	ID              string       `json:"id"`
	DealID          string       `json:"deal_id"`
	WorkflowID      string       `json:"workflow_id"`
	StepNumber      int          `json:"step_number"`
	EscalationLevel int          `json:"escalation_level"`
	RequiredRole    string       `json:"required_role"`
	ApproverID      *string      `json:"approver_id,omitempty"`
	ApprovedAt      *time.Time   `json:"approved_at,omitempty"`
	Action          RecordAction `json:"action"`
	Comments        *string      `json:"comments,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// ── Conflicts ────────────────────────────────────────────────────────────────

// ConflictStatus is the resolution state of a deal conflict.
type ConflictStatus string

const (
	ConflictStatusPending   ConflictStatus = "pending"
	ConflictStatusResolved  ConflictStatus = "resolved"
	ConflictStatusDismissed ConflictStatus = "dismissed"
)

// DealConflict flags competing claims on a deal. Conflicts are created
// by the external detection job; this service only resolves or
// dismisses them.
type DealConflict struct {
	ID                  string         `json:"id"`
	DealID              string         `json:"deal_id"`
	CompetingResellerID *string        `json:"competing_reseller_id,omitempty"`
	Details             *string        `json:"details,omitempty"`
	ResolutionStatus    ConflictStatus `json:"resolution_status"`
	ResolvedBy          *string        `json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// ── Assignment history ───────────────────────────────────────────────────────

// AssignmentHistoryRecord is one immutable entry in the assignment audit
// trail. The table has a mutation-prevention trigger, so append is the
// only write.
type AssignmentHistoryRecord struct {
	ID                 string    `json:"id"`
	DealID             string    `json:"deal_id"`
	PreviousResellerID *string   `json:"previous_reseller_id,omitempty"`
	NewResellerID      string    `json:"new_reseller_id"`
	AssignedBy         string    `json:"assigned_by"`
	Reason             *string   `json:"reason,omitempty"`
	AssignedAt         time.Time `json:"assigned_at"`
}

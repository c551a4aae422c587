package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-crm-deals/internal/apperrors"
	"github.com/pesio-ai/be-crm-deals/internal/repository"
)

// ── Actions ──────────────────────────────────────────────────────────────────

// ActionKind discriminates the closed set of approval actions.
type ActionKind string

const (
	ActionKindApprove  ActionKind = "approve"
	ActionKindReject   ActionKind = "reject"
	ActionKindEscalate ActionKind = "escalate"
)

// ApprovalAction is a tagged action variant. Build values through the
// constructors so an escalation always carries its target role.
type ApprovalAction struct {
	Kind           ActionKind
	EscalateToRole string
}

// Approve builds an approve action.
func Approve() ApprovalAction {
	return ApprovalAction{Kind: ActionKindApprove}
}

// Reject builds a reject action.
func Reject() ApprovalAction {
	return ApprovalAction{Kind: ActionKindReject}
}

// Escalate builds an escalate action targeting the given role.
func Escalate(targetRole string) ApprovalAction {
	return ApprovalAction{Kind: ActionKindEscalate, EscalateToRole: targetRole}
}

// ── Results ──────────────────────────────────────────────────────────────────

// TransitionOutcome describes what a successful transition did.
type TransitionOutcome string

const (
	// OutcomeAdvanced means the current step was approved and a next
	// step was opened.
	OutcomeAdvanced TransitionOutcome = "advanced"
	// OutcomeApproved means the last step was approved and the deal is
	// terminally approved.
	OutcomeApproved TransitionOutcome = "approved"
	// OutcomeRejected means the deal is terminally rejected.
	OutcomeRejected TransitionOutcome = "rejected"
	// OutcomeEscalated means an escalation detour was opened.
	OutcomeEscalated TransitionOutcome = "escalated"
)

// NextStep describes the step a deal is waiting on after a transition.
type NextStep struct {
	StepNumber        int      `json:"step_number"`
	EscalationLevel   int      `json:"escalation_level"`
	RequiredRole      string   `json:"required_role"`
	EligibleApprovers []string `json:"eligible_approvers"`
}

// TransitionResult is returned by ProcessApprovalAction on success.
type TransitionResult struct {
	Deal     *repository.Deal           `json:"deal"`
	Outcome  TransitionOutcome          `json:"outcome"`
	Closed   *repository.ApprovalRecord `json:"closed_record"`
	NextStep *NextStep                  `json:"next_step,omitempty"`
}

// BulkError describes one failed deal within a bulk approval.
type BulkError struct {
	DealID  string         `json:"deal_id"`
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

// BulkResult reports a bulk approval: per-deal failures never abort the
// batch, so Processed plus len(Errors) always equals the input size.
type BulkResult struct {
	Success   bool        `json:"success"`
	Processed int         `json:"processed"`
	Errors    []BulkError `json:"errors"`
}

// ── Service ──────────────────────────────────────────────────────────────────

// ApprovalService is the workflow state machine. It advances, rejects
// or escalates a deal's current approval step, and fans the approve
// transition out over deal sets with per-deal failure isolation.
type ApprovalService struct {
	deals     DealStore
	workflows WorkflowStore
	ledger    LedgerStore
	directory DirectoryClientInterface
	publisher EventPublisher
	log       zerolog.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	deals DealStore,
	workflows WorkflowStore,
	ledger LedgerStore,
	directory DirectoryClientInterface,
	publisher EventPublisher,
	log zerolog.Logger,
) *ApprovalService {
	return &ApprovalService{
		deals:     deals,
		workflows: workflows,
		ledger:    ledger,
		directory: directory,
		publisher: publisher,
		log:       log.With().Str("component", "approval_service").Logger(),
	}
}

// ProcessApprovalAction applies one action to a deal's current approval
// step. On any failure the ledger and the deal are untouched.
func (s *ApprovalService) ProcessApprovalAction(
	ctx context.Context,
	dealID, approverID string,
	action ApprovalAction,
	comments *string,
) (*TransitionResult, error) {
	if approverID == "" {
		return nil, apperrors.InvalidInput("approver_id", "approver is required")
	}
	switch action.Kind {
	case ActionKindApprove, ActionKindReject:
	case ActionKindEscalate:
		if action.EscalateToRole == "" {
			return nil, apperrors.InvalidInput("escalate_to", "escalation target role is required")
		}
	default:
		return nil, apperrors.InvalidInput("action", fmt.Sprintf("unknown action %q", action.Kind))
	}

	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if deal.Status.Terminal() {
		return nil, apperrors.InvalidState("deal has no active approval step")
	}

	current, err := s.ledger.GetCurrentStep(ctx, dealID)
	if err != nil {
		return nil, err
	}

	roles, err := s.directory.GetUserRoles(ctx, approverID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(roles, current.RequiredRole) {
		return nil, apperrors.PermissionDenied(
			fmt.Sprintf("approver does not hold required role %q for step %d", current.RequiredRole, current.StepNumber))
	}

	switch action.Kind {
	case ActionKindApprove:
		return s.approve(ctx, deal, current, approverID, comments)
	case ActionKindReject:
		return s.reject(ctx, deal, current, approverID, comments)
	default:
		return s.escalate(ctx, deal, current, approverID, action.EscalateToRole, comments)
	}
}

// approve closes the current record and either opens the following
// regular step or terminally approves the deal. An escalation record at
// step S resumes at the step that would have followed S.
func (s *ApprovalService) approve(
	ctx context.Context,
	deal *repository.Deal,
	current *repository.ApprovalRecord,
	approverID string,
	comments *string,
) (*TransitionResult, error) {
	wf, err := s.workflows.GetByID(ctx, current.WorkflowID)
	if err != nil {
		return nil, err
	}

	next := wf.StepAfter(current.StepNumber)

	t := repository.LedgerTransition{
		CloseRecordID: current.ID,
		CloseAction:   repository.RecordActionApproved,
		ApproverID:    approverID,
		Comments:      comments,
		DealID:        deal.ID,
	}

	result := &TransitionResult{Deal: deal, Closed: current}

	if next != nil {
		t.Open = &repository.ApprovalRecord{
			DealID:       deal.ID,
			WorkflowID:   current.WorkflowID,
			StepNumber:   next.StepNumber,
			RequiredRole: next.RequiredRole,
		}
		result.Outcome = OutcomeAdvanced
	} else {
		approved := repository.DealStatusApproved
		t.DealStatus = &approved
		result.Outcome = OutcomeApproved
	}

	if err := s.ledger.Apply(ctx, t); err != nil {
		return nil, err
	}
	now := time.Now()
	current.Action = repository.RecordActionApproved
	current.ApproverID = &approverID
	current.ApprovedAt = &now
	current.Comments = comments

	if next != nil {
		result.NextStep = &NextStep{
			StepNumber:        next.StepNumber,
			RequiredRole:      next.RequiredRole,
			EligibleApprovers: s.eligibleApprovers(ctx, next.RequiredRole),
		}
		s.publisher.PublishDealEvent(ctx, "deal_approval_required", deal.ID, approverID,
			result.NextStep.EligibleApprovers, map[string]any{
				"step_number":   next.StepNumber,
				"required_role": next.RequiredRole,
			})
	} else {
		deal.Status = repository.DealStatusApproved
		s.publisher.PublishDealEvent(ctx, "deal_approved", deal.ID, approverID,
			[]string{deal.ResellerID}, map[string]any{"deal_name": deal.DealName})
	}

	s.log.Info().
		Str("deal_id", deal.ID).
		Str("approver_id", approverID).
		Int("step_number", current.StepNumber).
		Str("outcome", string(result.Outcome)).
		Msg("Approval step approved")

	return result, nil
}

// reject closes the current record and terminally rejects the deal. No
// further step is ever opened.
func (s *ApprovalService) reject(
	ctx context.Context,
	deal *repository.Deal,
	current *repository.ApprovalRecord,
	approverID string,
	comments *string,
) (*TransitionResult, error) {
	rejected := repository.DealStatusRejected
	t := repository.LedgerTransition{
		CloseRecordID: current.ID,
		CloseAction:   repository.RecordActionRejected,
		ApproverID:    approverID,
		Comments:      comments,
		DealID:        deal.ID,
		DealStatus:    &rejected,
	}

	if err := s.ledger.Apply(ctx, t); err != nil {
		return nil, err
	}
	deal.Status = repository.DealStatusRejected
	current.Action = repository.RecordActionRejected
	current.ApproverID = &approverID
	current.Comments = comments

	reason := ""
	if comments != nil {
		reason = *comments
	}
	s.publisher.PublishDealEvent(ctx, "deal_rejected", deal.ID, approverID,
		[]string{deal.ResellerID}, map[string]any{"reason": reason})

	s.log.Info().
		Str("deal_id", deal.ID).
		Str("approver_id", approverID).
		Int("step_number", current.StepNumber).
		Msg("Deal rejected")

	return &TransitionResult{Deal: deal, Outcome: OutcomeRejected, Closed: current}, nil
}

// escalate closes the current record and opens a detour at the same
// step number with the next escalation level, routed to the target
// role. Approving the detour later resumes the regular sequence.
func (s *ApprovalService) escalate(
	ctx context.Context,
	deal *repository.Deal,
	current *repository.ApprovalRecord,
	approverID, targetRole string,
	comments *string,
) (*TransitionResult, error) {
	open := &repository.ApprovalRecord{
		DealID:          deal.ID,
		WorkflowID:      current.WorkflowID,
		StepNumber:      current.StepNumber,
		EscalationLevel: current.EscalationLevel + 1,
		RequiredRole:    targetRole,
	}
	t := repository.LedgerTransition{
		CloseRecordID: current.ID,
		CloseAction:   repository.RecordActionEscalated,
		ApproverID:    approverID,
		Comments:      comments,
		DealID:        deal.ID,
		Open:          open,
	}

	if err := s.ledger.Apply(ctx, t); err != nil {
		return nil, err
	}
	current.Action = repository.RecordActionEscalated
	current.ApproverID = &approverID
	current.Comments = comments

	nextStep := &NextStep{
		StepNumber:        open.StepNumber,
		EscalationLevel:   open.EscalationLevel,
		RequiredRole:      targetRole,
		EligibleApprovers: s.eligibleApprovers(ctx, targetRole),
	}
	s.publisher.PublishDealEvent(ctx, "deal_escalated", deal.ID, approverID,
		nextStep.EligibleApprovers, map[string]any{
			"step_number":      open.StepNumber,
			"escalation_level": open.EscalationLevel,
			"required_role":    targetRole,
		})

	s.log.Info().
		Str("deal_id", deal.ID).
		Str("approver_id", approverID).
		Int("step_number", open.StepNumber).
		Int("escalation_level", open.EscalationLevel).
		Str("target_role", targetRole).
		Msg("Approval step escalated")

	return &TransitionResult{Deal: deal, Outcome: OutcomeEscalated, Closed: current, NextStep: nextStep}, nil
}

// BulkApprove applies the approve transition to every deal in input
// order. Failures are isolated per deal: one entry in Errors, no effect
// on the rest of the batch. Re-running the same set after a partial
// success only re-attempts the previously failed deals.
func (s *ApprovalService) BulkApprove(
	ctx context.Context,
	dealIDs []string,
	approverID string,
	comments *string,
) (*BulkResult, error) {
	if len(dealIDs) == 0 {
		return nil, apperrors.InvalidInput("deal_ids", "at least one deal id is required")
	}
	if approverID == "" {
		return nil, apperrors.InvalidInput("approver_id", "approver is required")
	}

	result := &BulkResult{Errors: []BulkError{}}
	for _, dealID := range dealIDs {
		if _, err := s.ProcessApprovalAction(ctx, dealID, approverID, Approve(), comments); err != nil {
			result.Errors = append(result.Errors, BulkError{
				DealID:  dealID,
				Code:    apperrors.CodeOf(err),
				Message: fmt.Sprintf("deal %s: %v", dealID, err),
			})
			continue
		}
		result.Processed++
	}
	result.Success = len(result.Errors) == 0

	s.log.Info().
		Str("approver_id", approverID).
		Int("requested", len(dealIDs)).
		Int("processed", result.Processed).
		Int("failed", len(result.Errors)).
		Msg("Bulk approval finished")

	return result, nil
}

// GetBulkApprovalCandidates returns every deal whose current approval
// step requires a role the approver holds.
func (s *ApprovalService) GetBulkApprovalCandidates(ctx context.Context, approverID string) ([]*repository.Deal, error) {
	if approverID == "" {
		return nil, apperrors.InvalidInput("approver_id", "approver is required")
	}

	roles, err := s.directory.GetUserRoles(ctx, approverID)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return []*repository.Deal{}, nil
	}
	return s.deals.ListApprovalCandidates(ctx, roles)
}

// eligibleApprovers resolves who can act on a role. Directory failures
// degrade to an empty list; they never fail the transition.
func (s *ApprovalService) eligibleApprovers(ctx context.Context, role string) []string {
	users, err := s.directory.GetUsersWithRole(ctx, role)
	if err != nil {
		s.log.Warn().Err(err).Str("role", role).Msg("Could not resolve eligible approvers")
		return nil
	}
	return users
}

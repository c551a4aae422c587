package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-crm-deals/internal/apperrors"
	"github.com/pesio-ai/be-crm-deals/internal/repository"
)

// AssignmentWarning reports a best-effort secondary write that failed
// after the assignment itself succeeded.
type AssignmentWarning struct {
	Effect  string `json:"effect"` // assignment_history | conflict_resolution
	Message string `json:"message"`
}

// AssignmentResult carries the assigned deal plus any partial-failure
// warnings. Warnings are informational: the assignment stands.
type AssignmentResult struct {
	Deal              *repository.Deal    `json:"deal"`
	ConflictsResolved int64               `json:"conflicts_resolved"`
	Warnings          []AssignmentWarning `json:"warnings,omitempty"`
}

// AssignmentService routes deals to resellers and closes out open
// conflicts on the way.
type AssignmentService struct {
	deals     DealStore
	history   HistoryStore
	conflicts ConflictStore
	publisher EventPublisher
	log       zerolog.Logger
}

// NewAssignmentService creates a new AssignmentService.
func NewAssignmentService(
	deals DealStore,
	history HistoryStore,
	conflicts ConflictStore,
	publisher EventPublisher,
	log zerolog.Logger,
) *AssignmentService {
	return &AssignmentService{
		deals:     deals,
		history:   history,
		conflicts: conflicts,
		publisher: publisher,
		log:       log.With().Str("component", "assignment_service").Logger(),
	}
}

// AssignDeal assigns a deal to a reseller, then runs the secondary
// effects in order: append the audit history record, resolve every
// pending conflict. Each secondary failure is captured as a warning and
// never blocks the other effect or rolls back the assignment.
func (s *AssignmentService) AssignDeal(
	ctx context.Context,
	dealID, resellerID, actorID string,
	reason *string,
) (*AssignmentResult, error) {
	if resellerID == "" {
		return nil, apperrors.InvalidInput("reseller_id", "reseller is required")
	}
	if actorID == "" {
		return nil, apperrors.InvalidInput("actor_id", "actor is required")
	}

	// Read first so the prior assignee survives into the history record.
	before, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}

	deal, err := s.deals.Assign(ctx, dealID, resellerID)
	if err != nil {
		return nil, err
	}

	result := &AssignmentResult{Deal: deal}

	histErr := s.history.Append(ctx, &repository.AssignmentHistoryRecord{
		DealID:             dealID,
		PreviousResellerID: before.AssignedResellerID,
		NewResellerID:      resellerID,
		AssignedBy:         actorID,
		Reason:             reason,
	})
	if histErr != nil {
		s.log.Warn().Err(histErr).Str("deal_id", dealID).Msg("Failed to append assignment history")
		result.Warnings = append(result.Warnings, AssignmentWarning{
			Effect:  "assignment_history",
			Message: histErr.Error(),
		})
	}

	resolved, confErr := s.conflicts.ResolvePending(ctx, dealID, actorID)
	if confErr != nil {
		s.log.Warn().Err(confErr).Str("deal_id", dealID).Msg("Failed to resolve pending conflicts")
		result.Warnings = append(result.Warnings, AssignmentWarning{
			Effect:  "conflict_resolution",
			Message: confErr.Error(),
		})
	}
	result.ConflictsResolved = resolved

	s.publisher.PublishDealEvent(ctx, "deal_assigned", dealID, actorID,
		[]string{resellerID}, map[string]any{
			"deal_name":          deal.DealName,
			"conflicts_resolved": resolved,
		})

	s.log.Info().
		Str("deal_id", dealID).
		Str("reseller_id", resellerID).
		Str("actor_id", actorID).
		Int64("conflicts_resolved", resolved).
		Int("warnings", len(result.Warnings)).
		Msg("Deal assigned")

	return result, nil
}

// GetAssignmentHistory returns the audit trail for a deal.
func (s *AssignmentService) GetAssignmentHistory(ctx context.Context, dealID string) ([]*repository.AssignmentHistoryRecord, error) {
	if _, err := s.deals.GetByID(ctx, dealID); err != nil {
		return nil, err
	}
	return s.history.GetByDealID(ctx, dealID)
}

// GetConflicts returns all conflict records for a deal.
func (s *AssignmentService) GetConflicts(ctx context.Context, dealID string) ([]*repository.DealConflict, error) {
	if _, err := s.deals.GetByID(ctx, dealID); err != nil {
		return nil, err
	}
	return s.conflicts.GetByDealID(ctx, dealID)
}

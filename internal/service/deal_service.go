package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-crm-deals/internal/apperrors"
	"github.com/pesio-ai/be-crm-deals/internal/repository"
)

// DealService handles deal registration plumbing around the approval
// engine: creation, lookup, listing, submission and the workflow
// definition catalog.
type DealService struct {
	deals     DealStore
	workflows WorkflowStore
	ledger    LedgerStore
	directory DirectoryClientInterface
	publisher EventPublisher
	log       zerolog.Logger
}

// NewDealService creates a new DealService.
func NewDealService(
	deals DealStore,
	workflows WorkflowStore,
	ledger LedgerStore,
	directory DirectoryClientInterface,
	publisher EventPublisher,
	log zerolog.Logger,
) *DealService {
	return &DealService{
		deals:     deals,
		workflows: workflows,
		ledger:    ledger,
		directory: directory,
		publisher: publisher,
		log:       log.With().Str("component", "deal_service").Logger(),
	}
}

// CreateDealRequest represents a create deal request.
type CreateDealRequest struct {
	DealName     string  `json:"deal_name"`
	CustomerName string  `json:"customer_name"`
	ResellerID   string  `json:"reseller_id"`
	Priority     string  `json:"priority"`
	TotalValue   string  `json:"total_value"`
	Currency     string  `json:"currency"`
	CreatedBy    *string `json:"-"`
}

var validPriorities = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
}

// CreateDeal registers a new deal in the pending state.
func (s *DealService) CreateDeal(ctx context.Context, req *CreateDealRequest) (*repository.Deal, error) {
	if req.DealName == "" {
		return nil, apperrors.InvalidInput("deal_name", "deal name is required")
	}
	if req.CustomerName == "" {
		return nil, apperrors.InvalidInput("customer_name", "customer name is required")
	}
	if req.ResellerID == "" {
		return nil, apperrors.InvalidInput("reseller_id", "submitting reseller is required")
	}

	priority := strings.ToLower(req.Priority)
	if priority == "" {
		priority = "medium"
	}
	if !validPriorities[priority] {
		return nil, apperrors.InvalidInput("priority", "priority must be low, medium or high")
	}

	totalValue := decimal.Zero
	if req.TotalValue != "" {
		var err error
		totalValue, err = decimal.NewFromString(req.TotalValue)
		if err != nil {
			return nil, apperrors.InvalidInput("total_value", "invalid decimal amount")
		}
		if totalValue.IsNegative() {
			return nil, apperrors.InvalidInput("total_value", "amount cannot be negative")
		}
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = "USD"
	}
	if len(currency) != 3 {
		return nil, apperrors.InvalidInput("currency", "currency must be 3-letter ISO code")
	}

	deal := &repository.Deal{
		DealName:     req.DealName,
		CustomerName: req.CustomerName,
		ResellerID:   req.ResellerID,
		Status:       repository.DealStatusPending,
		Priority:     priority,
		TotalValue:   totalValue,
		Currency:     currency,
		CreatedBy:    req.CreatedBy,
	}
	if err := s.deals.Create(ctx, deal); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("deal_id", deal.ID).
		Str("deal_name", deal.DealName).
		Str("reseller_id", deal.ResellerID).
		Str("priority", deal.Priority).
		Msg("Deal created")

	return deal, nil
}

// GetDeal retrieves a deal by ID.
func (s *DealService) GetDeal(ctx context.Context, id string) (*repository.Deal, error) {
	return s.deals.GetByID(ctx, id)
}

// ListDeals lists deals with filtering and pagination.
func (s *DealService) ListDeals(ctx context.Context, status, resellerID *string, page, pageSize int) ([]*repository.Deal, int64, error) {
	if status != nil && !repository.DealStatus(*status).Valid() {
		return nil, 0, apperrors.InvalidInput("status", "unknown deal status")
	}
	offset := (page - 1) * pageSize
	return s.deals.List(ctx, status, resellerID, pageSize, offset)
}

// SubmitForApproval attaches a workflow definition to a deal and seeds
// the step-1 pending ledger record. The deal's approval then runs
// entirely through the approval engine.
func (s *DealService) SubmitForApproval(ctx context.Context, dealID, workflowID, submittedBy string) (*repository.ApprovalRecord, error) {
	if submittedBy == "" {
		return nil, apperrors.InvalidInput("submitted_by", "submitter is required")
	}

	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	wf, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if err := s.deals.AttachWorkflow(ctx, dealID, wf); err != nil {
		return nil, err
	}

	current, err := s.ledger.GetCurrentStep(ctx, dealID)
	if err != nil {
		return nil, err
	}

	recipients, dirErr := s.directory.GetUsersWithRole(ctx, current.RequiredRole)
	if dirErr != nil {
		s.log.Warn().Err(dirErr).Str("role", current.RequiredRole).Msg("Could not resolve approvers for submission notice")
	}
	s.publisher.PublishDealEvent(ctx, "deal_submitted", dealID, submittedBy,
		recipients, map[string]any{
			"deal_name":     deal.DealName,
			"workflow_id":   workflowID,
			"step_number":   current.StepNumber,
			"required_role": current.RequiredRole,
		})

	s.log.Info().
		Str("deal_id", dealID).
		Str("workflow_id", workflowID).
		Str("submitted_by", submittedBy).
		Str("first_role", current.RequiredRole).
		Msg("Deal submitted for approval")

	return current, nil
}

// GetApprovalHistory returns the full approval ledger for a deal.
func (s *DealService) GetApprovalHistory(ctx context.Context, dealID string) ([]*repository.ApprovalRecord, error) {
	if _, err := s.deals.GetByID(ctx, dealID); err != nil {
		return nil, err
	}
	return s.ledger.GetByDealID(ctx, dealID)
}

// ── Workflow definition catalog ──────────────────────────────────────────────

// CreateWorkflowRequest represents a create workflow definition request.
type CreateWorkflowRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Steps       []struct {
		StepNumber   int    `json:"step_number"`
		RequiredRole string `json:"required_role"`
	} `json:"steps"`
}

// CreateWorkflowDefinition adds a definition to the catalog.
func (s *DealService) CreateWorkflowDefinition(ctx context.Context, req *CreateWorkflowRequest) (*repository.WorkflowDefinition, error) {
	if req.Name == "" {
		return nil, apperrors.InvalidInput("name", "workflow name is required")
	}

	wf := &repository.WorkflowDefinition{
		Name:        req.Name,
		Description: req.Description,
	}
	for _, step := range req.Steps {
		wf.Steps = append(wf.Steps, repository.WorkflowStep{
			StepNumber:   step.StepNumber,
			RequiredRole: step.RequiredRole,
		})
	}

	if err := s.workflows.Create(ctx, wf); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("name", wf.Name).
		Int("steps", len(wf.Steps)).
		Msg("Workflow definition created")

	return wf, nil
}

// GetWorkflowDefinition retrieves a definition with its steps.
func (s *DealService) GetWorkflowDefinition(ctx context.Context, id string) (*repository.WorkflowDefinition, error) {
	return s.workflows.GetByID(ctx, id)
}

// ListWorkflowDefinitions lists the catalog.
func (s *DealService) ListWorkflowDefinitions(ctx context.Context) ([]*repository.WorkflowDefinition, error) {
	return s.workflows.List(ctx)
}

package service

import (
	"context"

	"github.com/pesio-ai/be-crm-deals/internal/repository"
)

// Storage and collaborator surfaces the services consume. The concrete
// implementations live in internal/repository and internal/client; the
// interfaces live here so services can be exercised against fakes.

// DealStore persists deal registrations.
type DealStore interface {
	Create(ctx context.Context, deal *repository.Deal) error
	GetByID(ctx context.Context, id string) (*repository.Deal, error)
	List(ctx context.Context, status, resellerID *string, limit, offset int) ([]*repository.Deal, int64, error)
	AttachWorkflow(ctx context.Context, dealID string, wf *repository.WorkflowDefinition) error
	Assign(ctx context.Context, dealID, resellerID string) (*repository.Deal, error)
	ListApprovalCandidates(ctx context.Context, roles []string) ([]*repository.Deal, error)
}

// WorkflowStore reads the workflow definition catalog.
type WorkflowStore interface {
	Create(ctx context.Context, wf *repository.WorkflowDefinition) error
	GetByID(ctx context.Context, id string) (*repository.WorkflowDefinition, error)
	List(ctx context.Context) ([]*repository.WorkflowDefinition, error)
}

// LedgerStore reads and transitions the approval ledger.
type LedgerStore interface {
	GetCurrentStep(ctx context.Context, dealID string) (*repository.ApprovalRecord, error)
	GetByDealID(ctx context.Context, dealID string) ([]*repository.ApprovalRecord, error)
	Apply(ctx context.Context, t repository.LedgerTransition) error
}

// ConflictStore reads and resolves deal conflicts.
type ConflictStore interface {
	GetByDealID(ctx context.Context, dealID string) ([]*repository.DealConflict, error)
	ResolvePending(ctx context.Context, dealID, resolvedBy string) (int64, error)
}

// HistoryStore appends and reads the assignment audit trail.
type HistoryStore interface {
	Append(ctx context.Context, rec *repository.AssignmentHistoryRecord) error
	GetByDealID(ctx context.Context, dealID string) ([]*repository.AssignmentHistoryRecord, error)
}

// DirectoryClientInterface resolves user role information from the
// platform directory service.
type DirectoryClientInterface interface {
	// GetUserRoles returns the roles a user holds.
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
	// GetUsersWithRole returns user IDs holding the given role.
	GetUsersWithRole(ctx context.Context, role string) ([]string, error)
}

// EventPublisher is informed of state transitions after they commit.
// Implementations never fail the caller; publish errors are logged and
// swallowed.
type EventPublisher interface {
	PublishDealEvent(ctx context.Context, eventType, dealID, actorID string, recipients []string, payload map[string]any)
}

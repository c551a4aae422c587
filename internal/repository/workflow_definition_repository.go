package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-crm-deals/internal/apperrors"
	"github.com/pesio-ai/be-crm-deals/internal/database"
)

// WorkflowDefinitionRepository manages the approval workflow catalog.
// Definitions are write-once: once any deal references one, updates are
// refused and the engine treats the step list as immutable.
type WorkflowDefinitionRepository struct {
	db *database.DB
}

// NewWorkflowDefinitionRepository creates a new WorkflowDefinitionRepository.
func NewWorkflowDefinitionRepository(db *database.DB) *WorkflowDefinitionRepository {
	return &WorkflowDefinitionRepository{db: db}
}

// Create inserts a definition and its ordered steps in one transaction.
// Step numbers must be contiguous starting at 1.
func (r *WorkflowDefinitionRepository) Create(ctx context.Context, wf *WorkflowDefinition) error {
	if len(wf.Steps) == 0 {
		return apperrors.InvalidInput("steps", "workflow must have at least one step")
	}
	for i, step := range wf.Steps {
		if step.StepNumber != i+1 {
			return apperrors.InvalidInput("steps", "step numbers must be contiguous starting at 1")
		}
		if step.RequiredRole == "" {
			return apperrors.InvalidInput("steps", "each step requires a role")
		}
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		wfQuery := `
			INSERT INTO deal_workflow_definitions (name, description)
			VALUES ($1, $2)
			RETURNING id, created_at, updated_at
		`
		err := tx.QueryRow(ctx, wfQuery, wf.Name, wf.Description).
			Scan(&wf.ID, &wf.CreatedAt, &wf.UpdatedAt)
		if isUniqueViolation(err) {
			return apperrors.Newf(apperrors.CodeConflict, "workflow definition %q already exists", wf.Name)
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create workflow definition")
		}

		stepQuery := `
			INSERT INTO deal_workflow_steps (workflow_id, step_number, required_role)
			VALUES ($1, $2, $3)
		`
		for _, step := range wf.Steps {
			if _, err := tx.Exec(ctx, stepQuery, wf.ID, step.StepNumber, step.RequiredRole); err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create workflow step")
			}
		}
		return nil
	})
}

// GetByID retrieves a definition with its steps ordered by step_number.
func (r *WorkflowDefinitionRepository) GetByID(ctx context.Context, id string) (*WorkflowDefinition, error) {
	query := `
		SELECT id, name, description, created_at, updated_at
		FROM deal_workflow_definitions
		WHERE id = $1
	`

	wf := &WorkflowDefinition{}
	err := r.db.QueryRow(ctx, query, id).
		Scan(&wf.ID, &wf.Name, &wf.Description, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("workflow_definition", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get workflow definition")
	}

	steps, err := r.getSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Steps = steps
	return wf, nil
}

// List returns every definition without steps. Callers needing the step
// list follow up with GetByID.
func (r *WorkflowDefinitionRepository) List(ctx context.Context) ([]*WorkflowDefinition, error) {
	query := `
		SELECT id, name, description, created_at, updated_at
		FROM deal_workflow_definitions
		ORDER BY name ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list workflow definitions")
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	for rows.Next() {
		wf := &WorkflowDefinition{}
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Description, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan workflow definition")
		}
		defs = append(defs, wf)
	}
	return defs, rows.Err()
}

func (r *WorkflowDefinitionRepository) getSteps(ctx context.Context, workflowID string) ([]WorkflowStep, error) {
	query := `
		SELECT step_number, required_role
		FROM deal_workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_number ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get workflow steps")
	}
	defer rows.Close()

	var steps []WorkflowStep
	for rows.Next() {
		var step WorkflowStep
		if err := rows.Scan(&step.StepNumber, &step.RequiredRole); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan workflow step")
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

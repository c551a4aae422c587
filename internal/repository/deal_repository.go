package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-crm-deals/internal/apperrors"
	"github.com/pesio-ai/be-crm-deals/internal/database"
)

const dealColumns = `
	id, deal_name, customer_name, reseller_id, assigned_reseller_id,
	workflow_id, status, priority, total_value, currency,
	assignment_date, created_by, created_at, updated_at`

// DealRepository handles persistence of deal registrations.
type DealRepository struct {
	db *database.DB
}

// NewDealRepository creates a new DealRepository.
func NewDealRepository(db *database.DB) *DealRepository {
	return &DealRepository{db: db}
}

// Create inserts a new deal.
func (r *DealRepository) Create(ctx context.Context, deal *Deal) error {
	query := `
		INSERT INTO crm_deals
		    (deal_name, customer_name, reseller_id,
		     status, priority, total_value, currency, created_by)
		VALUES ($1, $2, $3,
		        $4::deal_status, $5::deal_priority, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		deal.DealName,
		deal.CustomerName,
		deal.ResellerID,
		deal.Status,
		deal.Priority,
		deal.TotalValue,
		deal.Currency,
		deal.CreatedBy,
	).Scan(&deal.ID, &deal.CreatedAt, &deal.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create deal")
	}
	return nil
}

// GetByID retrieves a deal by primary key.
func (r *DealRepository) GetByID(ctx context.Context, id string) (*Deal, error) {
	query := `SELECT` + dealColumns + ` FROM crm_deals WHERE id = $1`

	deal, err := r.scanDeal(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("deal", id)
	}
	return deal, err
}

// List returns deals with optional status / reseller filters and the
// total count for pagination.
func (r *DealRepository) List(ctx context.Context, status, resellerID *string, limit, offset int) ([]*Deal, int64, error) {
	query := `
		SELECT` + dealColumns + `,
		       COUNT(*) OVER() AS total
		FROM crm_deals
		WHERE ($1::deal_status IS NULL OR status = $1::deal_status)
		  AND ($2::text IS NULL OR reseller_id = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Query(ctx, query, status, resellerID, limit, offset)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list deals")
	}
	defer rows.Close()

	var deals []*Deal
	var total int64
	for rows.Next() {
		deal := &Deal{}
		if err := rows.Scan(
			&deal.ID, &deal.DealName, &deal.CustomerName, &deal.ResellerID, &deal.AssignedResellerID,
			&deal.WorkflowID, &deal.Status, &deal.Priority, &deal.TotalValue, &deal.Currency,
			&deal.AssignmentDate, &deal.CreatedBy, &deal.CreatedAt, &deal.UpdatedAt,
			&total,
		); err != nil {
			return nil, 0, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan deal")
		}
		deals = append(deals, deal)
	}
	return deals, total, rows.Err()
}

// AttachWorkflow binds a workflow definition to a deal and seeds the
// step-1 pending ledger record, in one transaction. The partial unique
// index on pending records rejects a second open step for the deal.
func (r *DealRepository) AttachWorkflow(ctx context.Context, dealID string, wf *WorkflowDefinition) error {
	if len(wf.Steps) == 0 {
		return apperrors.InvalidInput("workflow_id", "workflow definition has no steps")
	}
	first := wf.Steps[0]

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		updateQuery := `
			UPDATE crm_deals
			SET workflow_id = $2,
			    updated_at  = NOW()
			WHERE id = $1
			  AND status NOT IN ('approved', 'rejected')
			RETURNING id
		`
		var returnedID string
		err := tx.QueryRow(ctx, updateQuery, dealID, wf.ID).Scan(&returnedID)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.InvalidState("deal is terminal or does not exist")
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to attach workflow")
		}

		insertQuery := `
			INSERT INTO deal_approval_records
			    (deal_id, workflow_id, step_number, escalation_level, required_role, action)
			VALUES ($1, $2, $3, 0, $4, 'pending'::approval_record_action)
		`
		_, err = tx.Exec(ctx, insertQuery, dealID, wf.ID, first.StepNumber, first.RequiredRole)
		if isUniqueViolation(err) {
			return apperrors.InvalidState("deal already has an open approval step")
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to seed approval ledger")
		}
		return nil
	})
}

// Assign sets the assigned reseller, marks the deal assigned and stamps
// the assignment date, returning the updated row.
func (r *DealRepository) Assign(ctx context.Context, dealID, resellerID string) (*Deal, error) {
	query := `
		UPDATE crm_deals
		SET assigned_reseller_id = $2,
		    status               = 'assigned'::deal_status,
		    assignment_date      = NOW(),
		    updated_at           = NOW()
		WHERE id = $1
		RETURNING` + dealColumns + `
	`

	deal, err := r.scanDeal(r.db.QueryRow(ctx, query, dealID, resellerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("deal", dealID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to assign deal")
	}
	return deal, nil
}

// ListApprovalCandidates returns deals whose current pending ledger
// record requires one of the given roles. The row comparison pins the
// join to the lowest-ordered pending record, matching the engine's
// current-step definition.
func (r *DealRepository) ListApprovalCandidates(ctx context.Context, roles []string) ([]*Deal, error) {
	query := `
		SELECT` + qualifiedDealColumns("d") + `
		FROM crm_deals d
		JOIN deal_approval_records r
		  ON r.deal_id = d.id
		 AND r.action = 'pending'::approval_record_action
		WHERE r.required_role = ANY($1)
		  AND d.status NOT IN ('approved', 'rejected')
		  AND NOT EXISTS (
		      SELECT 1 FROM deal_approval_records p
		      WHERE p.deal_id = d.id
		        AND p.action = 'pending'::approval_record_action
		        AND (p.step_number, p.escalation_level) < (r.step_number, r.escalation_level)
		  )
		ORDER BY d.priority DESC, d.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, roles)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list approval candidates")
	}
	defer rows.Close()

	var deals []*Deal
	for rows.Next() {
		deal, err := r.scanDeal(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan deal")
		}
		deals = append(deals, deal)
	}
	return deals, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type dealScanner interface {
	Scan(dest ...any) error
}

func (r *DealRepository) scanDeal(row dealScanner) (*Deal, error) {
	deal := &Deal{}
	err := row.Scan(
		&deal.ID,
		&deal.DealName,
		&deal.CustomerName,
		&deal.ResellerID,
		&deal.AssignedResellerID,
		&deal.WorkflowID,
		&deal.Status,
		&deal.Priority,
		&deal.TotalValue,
		&deal.Currency,
		&deal.AssignmentDate,
		&deal.CreatedBy,
		&deal.CreatedAt,
		&deal.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return deal, nil
}

func qualifiedDealColumns(alias string) string {
	return `
	` + alias + `.id, ` + alias + `.deal_name, ` + alias + `.customer_name, ` + alias + `.reseller_id, ` + alias + `.assigned_reseller_id,
	` + alias + `.workflow_id, ` + alias + `.status, ` + alias + `.priority, ` + alias + `.total_value, ` + alias + `.currency,
	` + alias + `.assignment_date, ` + alias + `.created_by, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

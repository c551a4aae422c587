package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-crm-deals/internal/apperrors"
	"github.com/pesio-ai/be-crm-deals/internal/database"
)

const approvalRecordColumns = `
	id, deal_id, workflow_id, step_number, escalation_level,
	required_role, approver_id, approved_at, action, comments,
	created_at, updated_at`

// ApprovalLedgerRepository reads and mutates the per-deal approval
// ledger. The ledger only ever grows: records are closed in place and
// new pending records are opened, never deleted.
type ApprovalLedgerRepository struct {
	db *database.DB
}

// NewApprovalLedgerRepository creates a new ApprovalLedgerRepository.
func NewApprovalLedgerRepository(db *database.DB) *ApprovalLedgerRepository {
	return &ApprovalLedgerRepository{db: db}
}

// GetCurrentStep returns the deal's lowest-ordered pending record, the
// step the engine acts on next.
func (r *ApprovalLedgerRepository) GetCurrentStep(ctx context.Context, dealID string) (*ApprovalRecord, error) {
	query := `
		SELECT` + approvalRecordColumns + `
		FROM deal_approval_records
		WHERE deal_id = $1
		  AND action = 'pending'::approval_record_action
		ORDER BY step_number ASC, escalation_level ASC
		LIMIT 1
	`

	rec, err := r.scanRecord(r.db.QueryRow(ctx, query, dealID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.InvalidState("deal has no active approval step")
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get current approval step")
	}
	return rec, nil
}

// GetByDealID returns the full ledger for a deal in step order.
func (r *ApprovalLedgerRepository) GetByDealID(ctx context.Context, dealID string) ([]*ApprovalRecord, error) {
	query := `
		SELECT` + approvalRecordColumns + `
		FROM deal_approval_records
		WHERE deal_id = $1
		ORDER BY step_number ASC, escalation_level ASC, created_at ASC
	`

	rows, err := r.db.Query(ctx, query, dealID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get approval ledger")
	}
	defer rows.Close()

	var records []*ApprovalRecord
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan approval record")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LedgerTransition is one atomic engine step: close the current pending
// record, optionally open the next one, optionally move the deal to a
// new status. Deal status never changes without a ledger mutation in
// the same transaction.
type LedgerTransition struct {
	CloseRecordID string
	CloseAction   RecordAction
	ApproverID    string
	Comments      *string

	// Open, when set, becomes the next pending record.
	Open *ApprovalRecord

	// DealID and DealStatus, when set, update the deal row.
	DealID     string
	DealStatus *DealStatus
}

// Apply executes the transition in one transaction. The close is
// conditional on the record still being pending, so of two racing
// actions exactly one commits; the loser gets INVALID_STATE.
func (r *ApprovalLedgerRepository) Apply(ctx context.Context, t LedgerTransition) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		closeQuery := `
			UPDATE deal_approval_records
			SET action      = $2::approval_record_action,
			    approver_id = $3,
			    approved_at = CASE WHEN $2::approval_record_action = 'approved' THEN NOW() END,
			    comments    = $4,
			    updated_at  = NOW()
			WHERE id = $1
			  AND action = 'pending'::approval_record_action
			RETURNING id
		`
		var closedID string
		err := tx.QueryRow(ctx, closeQuery, t.CloseRecordID, t.CloseAction, t.ApproverID, t.Comments).Scan(&closedID)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.InvalidState("approval step was already actioned")
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to close approval record")
		}

		if t.Open != nil {
			openQuery := `
				INSERT INTO deal_approval_records
				    (deal_id, workflow_id, step_number, escalation_level, required_role, action)
				VALUES ($1, $2, $3, $4, $5, 'pending'::approval_record_action)
				RETURNING id, created_at, updated_at
			`
			err := tx.QueryRow(ctx, openQuery,
				t.Open.DealID,
				t.Open.WorkflowID,
				t.Open.StepNumber,
				t.Open.EscalationLevel,
				t.Open.RequiredRole,
			).Scan(&t.Open.ID, &t.Open.CreatedAt, &t.Open.UpdatedAt)
			if isUniqueViolation(err) {
				return apperrors.InvalidState("deal already has an open approval step")
			}
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to open next approval record")
			}
			t.Open.Action = RecordActionPending
		}

		if t.DealStatus != nil {
			statusQuery := `
				UPDATE crm_deals
				SET status     = $2::deal_status,
				    updated_at = NOW()
				WHERE id = $1
				RETURNING id
			`
			var dealID string
			err := tx.QueryRow(ctx, statusQuery, t.DealID, *t.DealStatus).Scan(&dealID)
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.NotFound("deal", t.DealID)
			}
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update deal status")
			}
		}

		return nil
	})
}

// ── scan helper ──────────────────────────────────────────────────────────────

type recordScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalLedgerRepository) scanRecord(row recordScanner) (*ApprovalRecord, error) {
	rec := &ApprovalRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.DealID,
		&rec.WorkflowID,
		&rec.StepNumber,
		&rec.EscalationLevel,
		&rec.RequiredRole,
		&rec.ApproverID,
		&rec.ApprovedAt,
		&rec.Action,
		&rec.Comments,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

package repository

import (
	"context"

	"github.com/pesio-ai/be-crm-deals/internal/apperrors"
	"github.com/pesio-ai/be-crm-deals/internal/database"
)

// AssignmentHistoryRepository appends and reads the immutable assignment
// audit trail. The table has a mutation-prevention trigger, so Append is
// the only write exposed.
type AssignmentHistoryRepository struct {
	db *database.DB
}

// NewAssignmentHistoryRepository creates a new AssignmentHistoryRepository.
func NewAssignmentHistoryRepository(db *database.DB) *AssignmentHistoryRepository {
	return &AssignmentHistoryRepository{db: db}
}

// Append inserts one history record.
func (r *AssignmentHistoryRepository) Append(ctx context.Context, rec *AssignmentHistoryRecord) error {
	query := `
		INSERT INTO deal_assignment_history
		    (deal_id, previous_reseller_id, new_reseller_id, assigned_by, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, assigned_at
	`

	err := r.db.QueryRow(ctx, query,
		rec.DealID,
		rec.PreviousResellerID,
		rec.NewResellerID,
		rec.AssignedBy,
		rec.Reason,
	).Scan(&rec.ID, &rec.AssignedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to append assignment history")
	}
	return nil
}

// GetByDealID returns the assignment trail for a deal oldest-first.
func (r *AssignmentHistoryRepository) GetByDealID(ctx context.Context, dealID string) ([]*AssignmentHistoryRecord, error) {
	query := `
		SELECT id, deal_id, previous_reseller_id, new_reseller_id,
		       assigned_by, reason, assigned_at
		FROM deal_assignment_history
		WHERE deal_id = $1
		ORDER BY assigned_at ASC
	`

	rows, err := r.db.Query(ctx, query, dealID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get assignment history")
	}
	defer rows.Close()

	var records []*AssignmentHistoryRecord
	for rows.Next() {
		rec := &AssignmentHistoryRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.DealID, &rec.PreviousResellerID, &rec.NewResellerID,
			&rec.AssignedBy, &rec.Reason, &rec.AssignedAt,
		); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan assignment history")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

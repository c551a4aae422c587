package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-crm-deals/internal/apperrors"
	"github.com/pesio-ai/be-crm-deals/internal/database"
)

const conflictColumns = `
	id, deal_id, competing_reseller_id, details,
	resolution_status, resolved_by, resolved_at,
	created_at, updated_at`

// ConflictRepository reads and resolves deal conflict records. Conflict
// creation belongs to the external detection job; Create exists for it
// and for seeding.
type ConflictRepository struct {
	db *database.DB
}

// NewConflictRepository creates a new ConflictRepository.
func NewConflictRepository(db *database.DB) *ConflictRepository {
	return &ConflictRepository{db: db}
}

// Create inserts a new pending conflict.
func (r *ConflictRepository) Create(ctx context.Context, c *DealConflict) error {
	query := `
		INSERT INTO deal_conflicts
		    (deal_id, competing_reseller_id, details, resolution_status)
		VALUES ($1, $2, $3, 'pending'::conflict_resolution_status)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query, c.DealID, c.CompetingResellerID, c.Details).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create conflict")
	}
	c.ResolutionStatus = ConflictStatusPending
	return nil
}

// GetByDealID returns all conflicts for a deal, newest first.
func (r *ConflictRepository) GetByDealID(ctx context.Context, dealID string) ([]*DealConflict, error) {
	query := `
		SELECT` + conflictColumns + `
		FROM deal_conflicts
		WHERE deal_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, dealID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get conflicts")
	}
	defer rows.Close()

	var conflicts []*DealConflict
	for rows.Next() {
		c := &DealConflict{}
		if err := rows.Scan(
			&c.ID, &c.DealID, &c.CompetingResellerID, &c.Details,
			&c.ResolutionStatus, &c.ResolvedBy, &c.ResolvedAt,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan conflict")
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// ResolvePending marks every pending conflict on a deal resolved and
// returns how many rows transitioned.
func (r *ConflictRepository) ResolvePending(ctx context.Context, dealID, resolvedBy string) (int64, error) {
	query := `
		UPDATE deal_conflicts
		SET resolution_status = 'resolved'::conflict_resolution_status,
		    resolved_by       = $2,
		    resolved_at       = NOW(),
		    updated_at        = NOW()
		WHERE deal_id = $1
		  AND resolution_status = 'pending'::conflict_resolution_status
	`

	tag, err := r.db.Exec(ctx, query, dealID, resolvedBy)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeInternal, "failed to resolve conflicts")
	}
	return tag.RowsAffected(), nil
}

// Dismiss marks a single pending conflict dismissed.
func (r *ConflictRepository) Dismiss(ctx context.Context, id, dismissedBy string) error {
	query := `
		UPDATE deal_conflicts
		SET resolution_status = 'dismissed'::conflict_resolution_status,
		    resolved_by       = $2,
		    resolved_at       = NOW(),
		    updated_at        = NOW()
		WHERE id = $1
		  AND resolution_status = 'pending'::conflict_resolution_status
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, dismissedBy).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.InvalidState("conflict not found or not pending")
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to dismiss conflict")
	}
	return nil
}

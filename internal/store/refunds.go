package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"payment-engine/internal/models"
)

// CreateRefund inserts a new refund record. A partial unique index on
// origin_ref over the non-terminal statuses enforces at most one open
// refund per origin; losing that race surfaces as ErrConflict.
func (s *Store) CreateRefund(ctx context.Context, refund *models.Refund) error {
	query := `
		INSERT INTO refunds (ref, origin_ref, origin_kind, payer_id, refund_type, amount, status, reason, evidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	err := s.db.GetContext(ctx, refund, query,
		refund.Ref, refund.OriginRef, refund.OriginKind, refund.PayerID,
		refund.RefundType, refund.Amount, refund.Status, refund.Reason, refund.Evidence)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return fmt.Errorf("refund already open for %s: %w", refund.OriginRef, models.ErrConflict)
	}
	return err
}

// GetRefundByRef retrieves a refund by its reference number.
func (s *Store) GetRefundByRef(ctx context.Context, ref string) (*models.Refund, error) {
	var refund models.Refund
	err := s.db.GetContext(ctx, &refund, "SELECT * FROM refunds WHERE ref = $1", ref)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("refund %s: %w", ref, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// GetLatestRefundByOrigin retrieves the most recent refund for an
// originating order or deposit, or nil when there is none.
func (s *Store) GetLatestRefundByOrigin(ctx context.Context, originRef string) (*models.Refund, error) {
	var refund models.Refund
	err := s.db.GetContext(ctx, &refund,
		"SELECT * FROM refunds WHERE origin_ref = $1 ORDER BY created_at DESC LIMIT 1", originRef)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// GetOpenRefundByOrigin retrieves the non-terminal refund for an origin, or
// nil when every refund for the origin is terminal.
func (s *Store) GetOpenRefundByOrigin(ctx context.Context, originRef string) (*models.Refund, error) {
	query, args, err := sqlx.In(
		"SELECT * FROM refunds WHERE origin_ref = ? AND status IN (?) LIMIT 1",
		originRef, models.RefundNonTerminalStatuses)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var refund models.Refund
	err = s.db.GetContext(ctx, &refund, query, args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// UpdateRefundStatusIf moves a refund to status next only if it is currently
// in status expected.
func (s *Store) UpdateRefundStatusIf(ctx context.Context, ref, expected, next string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE refunds SET status = $1, updated_at = NOW() WHERE ref = $2 AND status = $3",
		next, ref, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetRefundExternalIf conditionally records the gateway's refund id while
// keeping the refund in its current status.
func (s *Store) SetRefundExternalIf(ctx context.Context, ref, expected, externalRefund string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refunds SET external_refund = $1, updated_at = NOW()
		 WHERE ref = $2 AND status = $3`,
		externalRefund, ref, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetRefundOriginStatus records the originating order's status at the
// moment the refund starts executing, so a failed refund restores the
// order to where it was instead of a fixed status.
func (s *Store) SetRefundOriginStatus(ctx context.Context, ref, originStatus string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE refunds SET origin_status = $1, updated_at = NOW() WHERE ref = $2",
		originStatus, ref)
	return err
}

// SetRefundTracking records the return tracking number on a refund.
func (s *Store) SetRefundTracking(ctx context.Context, ref, trackingNo string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE refunds SET tracking_no = $1, updated_at = NOW() WHERE ref = $2",
		trackingNo, ref)
	return err
}

// IncrementRefundRetry bumps the retry counter after a failed gateway call.
func (s *Store) IncrementRefundRetry(ctx context.Context, ref string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE refunds SET retry_count = retry_count + 1, updated_at = NOW() WHERE ref = $1",
		ref)
	return err
}

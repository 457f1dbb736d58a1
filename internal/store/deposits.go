package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"payment-engine/internal/models"
)

// CreateDeposit inserts a new deposit record. A partial unique index on
// payer_id over the PENDING and PAID statuses enforces at most one active
// deposit per payer; losing that race surfaces as ErrConflict and the
// caller re-reads the winning row.
func (s *Store) CreateDeposit(ctx context.Context, deposit *models.Deposit) error {
	query := `
		INSERT INTO deposits (ref, payer_id, amount, status, order_ref)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	err := s.db.GetContext(ctx, deposit, query,
		deposit.Ref, deposit.PayerID, deposit.Amount, deposit.Status, deposit.OrderRef)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return fmt.Errorf("payer %d already holds an active deposit: %w",
			deposit.PayerID, models.ErrConflict)
	}
	return err
}

// GetDepositByRef retrieves a deposit by its reference number.
func (s *Store) GetDepositByRef(ctx context.Context, ref string) (*models.Deposit, error) {
	var deposit models.Deposit
	err := s.db.GetContext(ctx, &deposit, "SELECT * FROM deposits WHERE ref = $1", ref)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("deposit %s: %w", ref, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &deposit, nil
}

// GetLatestDepositByPayer retrieves the payer's most recent deposit, or nil
// when the payer has none.
func (s *Store) GetLatestDepositByPayer(ctx context.Context, payerID int64) (*models.Deposit, error) {
	var deposit models.Deposit
	err := s.db.GetContext(ctx, &deposit,
		"SELECT * FROM deposits WHERE payer_id = $1 ORDER BY created_at DESC LIMIT 1", payerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &deposit, nil
}

// GetDepositByOrderRef retrieves the deposit behind a companion order, or
// nil when the order is not a deposit order.
func (s *Store) GetDepositByOrderRef(ctx context.Context, orderRef string) (*models.Deposit, error) {
	var deposit models.Deposit
	err := s.db.GetContext(ctx, &deposit,
		"SELECT * FROM deposits WHERE order_ref = $1", orderRef)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &deposit, nil
}

// GetDepositByPayerAndStatus retrieves the payer's deposit in the given
// status, or nil when there is none.
func (s *Store) GetDepositByPayerAndStatus(ctx context.Context, payerID int64, status string) (*models.Deposit, error) {
	var deposit models.Deposit
	err := s.db.GetContext(ctx, &deposit,
		`SELECT * FROM deposits WHERE payer_id = $1 AND status = $2
		 ORDER BY created_at DESC LIMIT 1`, payerID, status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &deposit, nil
}

// UpdateDepositStatusIf moves a deposit to status next only if it is
// currently in status expected.
func (s *Store) UpdateDepositStatusIf(ctx context.Context, ref, expected, next string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE deposits SET status = $1, updated_at = NOW() WHERE ref = $2 AND status = $3",
		next, ref, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetDepositRefundIf conditionally moves a deposit into a refund status and
// records the refund reference in the same write.
func (s *Store) SetDepositRefundIf(ctx context.Context, ref, expected, next, refundRef string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deposits SET status = $1, refund_ref = $2, updated_at = NOW()
		 WHERE ref = $3 AND status = $4`,
		next, refundRef, ref, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetDepositExternalRefund records the gateway's refund id on a deposit.
func (s *Store) SetDepositExternalRefund(ctx context.Context, ref, externalRefund string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE deposits SET external_refund = $1, updated_at = NOW() WHERE ref = $2",
		externalRefund, ref)
	return err
}

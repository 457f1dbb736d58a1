package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"payment-engine/internal/models"
)

// GetOpenWorkOrdersByOwner returns the payer's work orders whose status is
// not in the supplied terminal set.
func (s *Store) GetOpenWorkOrdersByOwner(ctx context.Context, ownerID int64, terminal []string) ([]models.WorkOrder, error) {
	query, args, err := sqlx.In(
		"SELECT * FROM work_orders WHERE owner_id = ? AND status NOT IN (?) ORDER BY id",
		ownerID, terminal)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var workOrders []models.WorkOrder
	err = s.db.SelectContext(ctx, &workOrders, query, args...)
	return workOrders, err
}

// SetPriorityFlag sets the priority flag on all of the payer's open work
// orders. Re-applying the same value is a no-op, so the call is safe to
// retry independently of the write that triggered it.
func (s *Store) SetPriorityFlag(ctx context.Context, ownerID int64, value bool, terminal []string) error {
	query, args, err := sqlx.In(
		`UPDATE work_orders SET priority = ?, updated_at = NOW()
		 WHERE owner_id = ? AND status NOT IN (?) AND priority <> ?`,
		value, ownerID, terminal, value)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// CloseWorkOrdersByOrderRef closes any open work orders linked to an order
// reference. Used when the expiry sweep closes an unpaid order.
func (s *Store) CloseWorkOrdersByOrderRef(ctx context.Context, orderRef string, terminal []string) error {
	query, args, err := sqlx.In(
		`UPDATE work_orders SET status = 'CLOSED', updated_at = NOW()
		 WHERE order_ref = ? AND status NOT IN (?)`,
		orderRef, terminal)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"payment-engine/internal/models"
)

// CreateOrder inserts a new order and its line items.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (ref, payer_id, amount, status, order_type, paid)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	if err := tx.GetContext(ctx, order, query,
		order.Ref, order.PayerID, order.Amount, order.Status, order.OrderType, order.Paid); err != nil {
		return err
	}

	for i := range items {
		items[i].OrderID = order.ID
		if err := tx.GetContext(ctx, &items[i].ID,
			`INSERT INTO order_items (order_id, name, quantity, unit_price)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			items[i].OrderID, items[i].Name, items[i].Quantity, items[i].UnitPrice); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetOrderByRef retrieves an order by its reference number.
func (s *Store) GetOrderByRef(ctx context.Context, ref string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE ref = $1", ref)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s: %w", ref, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItems retrieves all line items for an order.
func (s *Store) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1", orderID)
	return items, err
}

// UpdateOrderStatusIf moves an order to status next only if it is currently
// in status expected. Returns false when the guard did not match, which
// means another invocation already transitioned the row.
func (s *Store) UpdateOrderStatusIf(ctx context.Context, ref, expected, next string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE ref = $2 AND status = $3",
		next, ref, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkOrderPaidIf conditionally marks an order paid, recording the external
// transaction id. The guard is status = expected AND paid = false.
func (s *Store) MarkOrderPaidIf(ctx context.Context, ref, expected, externalTx string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, paid = TRUE, external_tx = $2, updated_at = NOW()
		 WHERE ref = $3 AND status = $4 AND paid = FALSE`,
		models.OrderStatusPaid, externalTx, ref, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CloseOrderIf conditionally closes an unpaid order with a close reason.
func (s *Store) CloseOrderIf(ctx context.Context, ref, expected, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, close_reason = $2, updated_at = NOW()
		 WHERE ref = $3 AND status = $4 AND paid = FALSE`,
		models.OrderStatusClosed, reason, ref, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetOrderAfterSale records the after-sale substatus on an order.
func (s *Store) SetOrderAfterSale(ctx context.Context, ref, afterSale string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET after_sale = $1, updated_at = NOW() WHERE ref = $2",
		afterSale, ref)
	return err
}

// GetStaleUnpaidOrders returns up to limit unpaid PENDING_PAYMENT orders
// created before the cutoff, oldest first.
func (s *Store) GetStaleUnpaidOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		`SELECT * FROM orders
		 WHERE status = $1 AND paid = FALSE AND created_at < $2
		 ORDER BY created_at LIMIT $3`,
		models.OrderStatusPendingPayment, cutoff, limit)
	return orders, err
}

// GetOrdersByPayer retrieves orders for a payer, newest first.
func (s *Store) GetOrdersByPayer(ctx context.Context, payerID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE payer_id = $1 ORDER BY created_at DESC", payerID)
	return orders, err
}

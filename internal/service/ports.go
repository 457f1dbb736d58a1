package service

import (
	"context"
	"time"

	"payment-engine/internal/models"
)

// Store is the state-store boundary the lifecycle managers depend on.
// Implemented by *store.Store; tests use in-memory fakes.
type Store interface {
	// Orders
	CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrderByRef(ctx context.Context, ref string) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrderStatusIf(ctx context.Context, ref, expected, next string) (bool, error)
	MarkOrderPaidIf(ctx context.Context, ref, expected, externalTx string) (bool, error)
	CloseOrderIf(ctx context.Context, ref, expected, reason string) (bool, error)
	SetOrderAfterSale(ctx context.Context, ref, afterSale string) error
	GetStaleUnpaidOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	GetOrdersByPayer(ctx context.Context, payerID int64) ([]models.Order, error)

	// Deposits
	CreateDeposit(ctx context.Context, deposit *models.Deposit) error
	GetDepositByRef(ctx context.Context, ref string) (*models.Deposit, error)
	GetDepositByOrderRef(ctx context.Context, orderRef string) (*models.Deposit, error)
	GetLatestDepositByPayer(ctx context.Context, payerID int64) (*models.Deposit, error)
	GetDepositByPayerAndStatus(ctx context.Context, payerID int64, status string) (*models.Deposit, error)
	UpdateDepositStatusIf(ctx context.Context, ref, expected, next string) (bool, error)
	SetDepositRefundIf(ctx context.Context, ref, expected, next, refundRef string) (bool, error)
	SetDepositExternalRefund(ctx context.Context, ref, externalRefund string) error

	// Refunds
	CreateRefund(ctx context.Context, refund *models.Refund) error
	GetRefundByRef(ctx context.Context, ref string) (*models.Refund, error)
	GetLatestRefundByOrigin(ctx context.Context, originRef string) (*models.Refund, error)
	GetOpenRefundByOrigin(ctx context.Context, originRef string) (*models.Refund, error)
	UpdateRefundStatusIf(ctx context.Context, ref, expected, next string) (bool, error)
	SetRefundExternalIf(ctx context.Context, ref, expected, externalRefund string) (bool, error)
	SetRefundOriginStatus(ctx context.Context, ref, originStatus string) error
	SetRefundTracking(ctx context.Context, ref, trackingNo string) error
	IncrementRefundRetry(ctx context.Context, ref string) error

	// Work orders (related-work-record collaborator)
	GetOpenWorkOrdersByOwner(ctx context.Context, ownerID int64, terminal []string) ([]models.WorkOrder, error)
	SetPriorityFlag(ctx context.Context, ownerID int64, value bool, terminal []string) error
	CloseWorkOrdersByOrderRef(ctx context.Context, orderRef string, terminal []string) error

	// Status logs
	AppendStatusLog(ctx context.Context, ownerRef, ownerKind, status, operator, remark string) error
	GetStatusLogs(ctx context.Context, ownerRef, ownerKind string) ([]models.StatusLog, error)
}

// EventPublisher publishes domain events after transitions are applied.
// Implemented by *broker.EventPublisher.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderClosed(ctx context.Context, event *models.OrderClosedEvent) error
	PublishDepositPaid(ctx context.Context, event *models.DepositPaidEvent) error
	PublishDepositRefunded(ctx context.Context, event *models.DepositRefundedEvent) error
	PublishRefundCompleted(ctx context.Context, event *models.RefundCompletedEvent) error
	PublishRefundFailed(ctx context.Context, event *models.RefundFailedEvent) error
}

// GatewayLimiter bounds active gateway queries on the read-repair paths.
// Implemented by *redisclient.Client.
type GatewayLimiter interface {
	AllowGatewayQuery(ctx context.Context, ref string) (bool, error)
}

// IdempotencyStore stores idempotency-key to reference mappings for order
// creation. Implemented by *redisclient.Client.
type IdempotencyStore interface {
	GetIdempotentRef(ctx context.Context, key string) (string, error)
	SetIdempotentRef(ctx context.Context, key, ref string, ttl time.Duration) error
}

// RefundReconciler is the slice of the refund manager the deposit manager
// needs for read-repair of a refunding deposit.
type RefundReconciler interface {
	ReconcileRefund(ctx context.Context, refundRef string) (bool, error)
}

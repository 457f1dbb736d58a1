package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-engine/internal/models"
	"payment-engine/internal/recon"
	"payment-engine/internal/util"
)

// expireBatchSize bounds the work one expiry sweep invocation performs.
const expireBatchSize = 100

// idempotencyTTL is how long an order-creation idempotency key is honoured.
const idempotencyTTL = 24 * time.Hour

// OrderService manages the order lifecycle: creation, the payment/shipment/
// completion state machine, and the stale-order expiry sweep.
type OrderService struct {
	store  Store
	engine *recon.Engine
	events EventPublisher
	idem   IdempotencyStore
	logger *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(store Store, engine *recon.Engine, events EventPublisher, idem IdempotencyStore) *OrderService {
	return &OrderService{
		store:  store,
		engine: engine,
		events: events,
		idem:   idem,
		logger: util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	PayerID        int64              `json:"payer_id" binding:"required"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	Name      string `json:"name" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
	UnitPrice int64  `json:"unit_price" binding:"required,min=1"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	Ref    string `json:"ref"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// CreateOrder validates and persists a new order in PENDING_PAYMENT.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if err := validateCreateOrder(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existingRef, err := s.idem.GetIdempotentRef(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existingRef != "" {
			existing, err := s.store.GetOrderByRef(ctx, existingRef)
			if err != nil {
				return nil, err
			}
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("ref", existingRef))
			return &CreateOrderResponse{Ref: existing.Ref, Status: existing.Status, Amount: existing.Amount}, nil
		}
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	var total int64
	for _, item := range req.Items {
		items = append(items, models.OrderItem{
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
		total += item.UnitPrice * int64(item.Quantity)
	}

	order := &models.Order{
		Ref:       newRef("ORD"),
		PayerID:   req.PayerID,
		Amount:    total,
		Status:    models.OrderStatusPendingPayment,
		OrderType: models.OrderTypeGoods,
	}

	if err := s.store.CreateOrder(ctx, order, items); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if req.IdempotencyKey != "" {
		if err := s.idem.SetIdempotentRef(ctx, req.IdempotencyKey, order.Ref, idempotencyTTL); err != nil {
			s.logger.Error("Failed to store idempotency key", zap.Error(err))
		}
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("ref", order.Ref),
		zap.Int64("payer_id", order.PayerID),
		zap.Int64("amount", order.Amount))

	if err := s.events.PublishOrderCreated(ctx, &models.OrderCreatedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderCreated),
		Ref:       order.Ref,
		PayerID:   order.PayerID,
		Amount:    order.Amount,
	}); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return &CreateOrderResponse{Ref: order.Ref, Status: order.Status, Amount: order.Amount}, nil
}

// GetOrder retrieves an order and its line items.
func (s *OrderService) GetOrder(ctx context.Context, ref string) (*models.Order, []models.OrderItem, error) {
	order, err := s.store.GetOrderByRef(ctx, ref)
	if err != nil {
		return nil, nil, err
	}

	items, err := s.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, nil, err
	}

	return order, items, nil
}

// ListOrdersByPayer retrieves a payer's orders, newest first.
func (s *OrderService) ListOrdersByPayer(ctx context.Context, payerID int64) ([]models.Order, error) {
	if payerID <= 0 {
		return nil, fmt.Errorf("payer id is required: %w", models.ErrInvalidInput)
	}
	return s.store.GetOrdersByPayer(ctx, payerID)
}

// MarkOrderPaid records a payment observation (webhook notification or
// active query result) against an order. Duplicate deliveries are no-ops.
// Returns whether this invocation applied the transition.
func (s *OrderService) MarkOrderPaid(ctx context.Context, source, ref, externalTx string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.MarkOrderPaid")
	defer span.End()

	target := s.orderTarget(ref)
	target.Write = func(ctx context.Context, expected, next string) (bool, error) {
		return s.store.MarkOrderPaidIf(ctx, ref, expected, externalTx)
	}

	return s.engine.Observe(ctx, source, target, models.OrderStatusPaid, func(ctx context.Context) error {
		order, err := s.store.GetOrderByRef(ctx, ref)
		if err != nil {
			return err
		}
		return s.events.PublishOrderPaid(ctx, &models.OrderPaidEvent{
			BaseEvent:  newBaseEvent(models.EventTypeOrderPaid),
			Ref:        ref,
			ExternalTx: externalTx,
			Amount:     order.Amount,
		})
	})
}

// ShipOrder moves a paid order to SHIPPED.
func (s *OrderService) ShipOrder(ctx context.Context, ref, operator string) error {
	return s.engine.Transition(ctx, operator, s.orderTarget(ref), models.OrderStatusShipped)
}

// CompleteOrder moves an order to COMPLETED.
func (s *OrderService) CompleteOrder(ctx context.Context, ref, operator string) error {
	return s.engine.Transition(ctx, operator, s.orderTarget(ref), models.OrderStatusCompleted)
}

// CancelOrder cancels an order that has not been paid.
func (s *OrderService) CancelOrder(ctx context.Context, ref, operator string) error {
	return s.engine.Transition(ctx, operator, s.orderTarget(ref), models.OrderStatusCancelled)
}

// ExpireStaleOrders closes unpaid PENDING_PAYMENT orders created before
// now minus window, in bounded batches. Per-record failures are logged and
// skipped; re-running over an already-closed order is a no-op, so
// overlapping schedules are safe. Returns the number of orders closed.
func (s *OrderService) ExpireStaleOrders(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ExpireStaleOrders")
	defer span.End()

	cutoff := now.Add(-window)
	stale, err := s.store.GetStaleUnpaidOrders(ctx, cutoff, expireBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to query stale orders: %w", err)
	}

	closed := 0
	for _, order := range stale {
		applied, err := s.store.CloseOrderIf(ctx, order.Ref, models.OrderStatusPendingPayment, "timeout")
		if err != nil {
			s.logger.Error("Failed to close stale order, skipping",
				zap.String("ref", order.Ref),
				zap.Error(err))
			continue
		}
		if !applied {
			// Paid or closed concurrently since the scan.
			continue
		}

		closed++
		util.OrdersExpiredTotal.Inc()
		util.TransitionsAppliedTotal.WithLabelValues("ORDER", models.OrderStatusClosed).Inc()
		s.logger.Info("Stale order closed",
			zap.String("ref", order.Ref),
			zap.Time("created_at", order.CreatedAt))

		if err := s.store.CloseWorkOrdersByOrderRef(ctx, order.Ref, models.WorkOrderTerminalStatuses); err != nil {
			s.logger.Error("Failed to close linked work orders",
				zap.String("ref", order.Ref),
				zap.Error(err))
		}

		if err := s.events.PublishOrderClosed(ctx, &models.OrderClosedEvent{
			BaseEvent: newBaseEvent(models.EventTypeOrderClosed),
			Ref:       order.Ref,
			Reason:    "timeout",
		}); err != nil {
			s.logger.Error("Failed to publish OrderClosed event", zap.Error(err))
		}
	}

	return closed, nil
}

func (s *OrderService) orderTarget(ref string) recon.Target {
	return recon.Target{
		Aggregate: "ORDER",
		Ref:       ref,
		Read: func(ctx context.Context) (string, error) {
			order, err := s.store.GetOrderByRef(ctx, ref)
			if err != nil {
				return "", err
			}
			return order.Status, nil
		},
		CanMove: models.CanOrderTransition,
		Write: func(ctx context.Context, expected, next string) (bool, error) {
			return s.store.UpdateOrderStatusIf(ctx, ref, expected, next)
		},
	}
}

func validateCreateOrder(req *CreateOrderRequest) error {
	if req.PayerID <= 0 {
		return fmt.Errorf("payer id is required: %w", models.ErrInvalidInput)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("order needs at least one item: %w", models.ErrInvalidInput)
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 || item.UnitPrice <= 0 {
			return fmt.Errorf("item %q has non-positive quantity or price: %w", item.Name, models.ErrInvalidInput)
		}
	}
	return nil
}

func newRef(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

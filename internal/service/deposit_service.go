package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"payment-engine/internal/gateway"
	"payment-engine/internal/models"
	"payment-engine/internal/recon"
	"payment-engine/internal/util"
)

// Deposit confirmation results returned to the caller.
const (
	ConfirmResultPaid     = "PAID"
	ConfirmResultNotPaid  = "NOT_PAID"
	ConfirmResultAbnormal = "ABNORMAL"
	ConfirmResultClosed   = "CLOSED"
)

// DepositAmount is the fixed refundable hold, in minor units.
const DepositAmount int64 = 50000

// DepositService manages refundable deposits: idempotent creation, payment
// confirmation with gateway fallback, read-repair, and refund intake.
type DepositService struct {
	store   Store
	engine  *recon.Engine
	gateway gateway.Client
	events  EventPublisher
	limiter GatewayLimiter
	refunds RefundReconciler
	logger  *zap.Logger
}

// NewDepositService creates a new deposit service
func NewDepositService(store Store, engine *recon.Engine, gw gateway.Client, events EventPublisher, limiter GatewayLimiter, refunds RefundReconciler) *DepositService {
	return &DepositService{
		store:   store,
		engine:  engine,
		gateway: gw,
		events:  events,
		limiter: limiter,
		refunds: refunds,
		logger:  util.GetLogger(),
	}
}

// DepositIntentResponse carries the reference numbers and gateway intent
// parameters the client needs to complete payment.
type DepositIntentResponse struct {
	DepositRef string               `json:"deposit_ref"`
	OrderRef   string               `json:"order_ref"`
	Status     string               `json:"status"`
	Amount     int64                `json:"amount"`
	Intent     gateway.IntentParams `json:"intent"`
}

// CreateOrReuseDeposit creates a deposit for the payer, or returns the
// existing PENDING one so a retried client never opens a duplicate intent.
// A payer with a PAID deposit gets ErrAlreadyActive.
func (s *DepositService) CreateOrReuseDeposit(ctx context.Context, payerID int64) (*DepositIntentResponse, error) {
	ctx, span := util.StartSpan(ctx, "DepositService.CreateOrReuseDeposit")
	defer span.End()

	if payerID <= 0 {
		return nil, fmt.Errorf("payer id is required: %w", models.ErrInvalidInput)
	}

	existing, err := s.findActiveDeposit(ctx, payerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	order := &models.Order{
		Ref:       newRef("ORD"),
		PayerID:   payerID,
		Amount:    DepositAmount,
		Status:    models.OrderStatusPendingPayment,
		OrderType: models.OrderTypeDeposit,
	}
	items := []models.OrderItem{{Name: "Refundable deposit", Quantity: 1, UnitPrice: DepositAmount}}
	if err := s.store.CreateOrder(ctx, order, items); err != nil {
		return nil, fmt.Errorf("failed to create companion order: %w", err)
	}

	deposit := &models.Deposit{
		Ref:      newRef("DEP"),
		PayerID:  payerID,
		Amount:   DepositAmount,
		Status:   models.DepositStatusPending,
		OrderRef: order.Ref,
	}
	if err := s.store.CreateDeposit(ctx, deposit); err != nil {
		if errors.Is(err, models.ErrConflict) {
			// A concurrent call inserted first; the unique index on active
			// deposits rejected ours. Release the companion order and hand
			// back the winner's row.
			if _, cErr := s.store.CloseOrderIf(ctx, order.Ref,
				models.OrderStatusPendingPayment, "duplicate deposit"); cErr != nil {
				s.logger.Error("Failed to close duplicate companion order",
					zap.String("order_ref", order.Ref), zap.Error(cErr))
			}
			existing, rErr := s.findActiveDeposit(ctx, payerID)
			if rErr != nil {
				return nil, rErr
			}
			if existing != nil {
				return existing, nil
			}
			return nil, err
		}
		return nil, fmt.Errorf("failed to create deposit: %w", err)
	}

	if err := s.store.AppendStatusLog(ctx, deposit.Ref, models.LogOwnerDeposit,
		deposit.Status, fmt.Sprintf("payer:%d", payerID), ""); err != nil {
		s.logger.Error("Failed to append deposit status log", zap.Error(err))
	}

	intent, err := s.gateway.CreateIntent(ctx, order.Ref, deposit.Amount, "refundable deposit")
	if err != nil {
		// The PENDING deposit stays reusable; the next call retries the
		// intent with the same reference.
		return nil, err
	}

	s.logger.Info("Deposit created",
		zap.Int64("payer_id", payerID),
		zap.String("deposit_ref", deposit.Ref),
		zap.String("order_ref", order.Ref))

	return &DepositIntentResponse{
		DepositRef: deposit.Ref,
		OrderRef:   order.Ref,
		Status:     deposit.Status,
		Amount:     deposit.Amount,
		Intent:     intent,
	}, nil
}

// findActiveDeposit resolves the payer's deposit slot: a PAID deposit
// rejects creation, a PENDING one is reused so a retried client never
// opens a duplicate intent. Returns nil when the payer holds neither.
func (s *DepositService) findActiveDeposit(ctx context.Context, payerID int64) (*DepositIntentResponse, error) {
	active, err := s.store.GetDepositByPayerAndStatus(ctx, payerID, models.DepositStatusPaid)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("deposit %s: %w", active.Ref, models.ErrAlreadyActive)
	}

	pending, err := s.store.GetDepositByPayerAndStatus(ctx, payerID, models.DepositStatusPending)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, nil
	}

	// Intent creation is idempotent on the order reference, so the
	// gateway hands back the original intent.
	intent, err := s.gateway.CreateIntent(ctx, pending.OrderRef, pending.Amount, "refundable deposit")
	if err != nil {
		return nil, err
	}
	s.logger.Info("Reusing pending deposit",
		zap.Int64("payer_id", payerID),
		zap.String("deposit_ref", pending.Ref))
	return &DepositIntentResponse{
		DepositRef: pending.Ref,
		OrderRef:   pending.OrderRef,
		Status:     pending.Status,
		Amount:     pending.Amount,
		Intent:     intent,
	}, nil
}

// ConfirmDeposit is the compensating confirmation path, callable after the
// client believes payment succeeded. It covers a lost or delayed webhook
// and is safe to call concurrently with the webhook handler: the
// conditional write guarantees at-most-once effect.
func (s *DepositService) ConfirmDeposit(ctx context.Context, ref string) (string, error) {
	ctx, span := util.StartSpan(ctx, "DepositService.ConfirmDeposit")
	defer span.End()

	deposit, err := s.store.GetDepositByRef(ctx, ref)
	if err != nil {
		return "", err
	}

	if deposit.Status != models.DepositStatusPending {
		// PAID or any later status means payment already landed.
		if deposit.Status == models.DepositStatusClosed {
			return ConfirmResultClosed, nil
		}
		return ConfirmResultPaid, nil
	}

	order, err := s.store.GetOrderByRef(ctx, deposit.OrderRef)
	if err != nil {
		return "", err
	}
	if order.Paid && order.ExternalTx != "" {
		// The webhook already settled the order but the deposit write was
		// lost or hasn't landed; perform the same transition it would have.
		if _, err := s.markDepositPaid(ctx, recon.SourceUserAction, deposit); err != nil {
			return "", err
		}
		return ConfirmResultPaid, nil
	}

	status, err := s.gateway.QueryPaymentStatus(ctx, deposit.OrderRef)
	if err != nil {
		return "", err
	}

	switch status.State {
	case gateway.PaymentSuccess:
		if _, err := s.markOrderAndDepositPaid(ctx, deposit, status.ExternalTx); err != nil {
			return "", err
		}
		return ConfirmResultPaid, nil
	case gateway.PaymentPending:
		return ConfirmResultNotPaid, nil
	case gateway.PaymentClosed:
		return ConfirmResultClosed, nil
	default:
		return ConfirmResultAbnormal, nil
	}
}

// HandlePaymentConfirmed applies a payment observation for a deposit's
// companion order, used by the notification path.
func (s *DepositService) HandlePaymentConfirmed(ctx context.Context, source, orderRef, externalTx string) error {
	deposit, err := s.store.GetDepositByOrderRef(ctx, orderRef)
	if err != nil {
		return err
	}
	if deposit == nil {
		return nil
	}
	_, err = s.markDepositPaid(ctx, source, deposit)
	return err
}

// QueryDeposit returns the payer's latest deposit, opportunistically
// repairing drift: a REFUNDING deposit runs refund reconciliation inline,
// and a PAID deposit re-asserts the priority flag on any open work created
// after it was marked paid.
func (s *DepositService) QueryDeposit(ctx context.Context, payerID int64) (*models.Deposit, []models.StatusLog, error) {
	ctx, span := util.StartSpan(ctx, "DepositService.QueryDeposit")
	defer span.End()

	deposit, err := s.store.GetLatestDepositByPayer(ctx, payerID)
	if err != nil {
		return nil, nil, err
	}
	if deposit == nil {
		return nil, nil, fmt.Errorf("payer %d has no deposit: %w", payerID, models.ErrNotFound)
	}

	if deposit.Status == models.DepositStatusRefunding && deposit.RefundRef != "" {
		repaired, err := s.refunds.ReconcileRefund(ctx, deposit.RefundRef)
		if err != nil {
			s.logger.Warn("Deposit refund reconciliation failed on read",
				zap.String("deposit_ref", deposit.Ref),
				zap.Error(err))
		}
		if repaired {
			util.ReadRepairsTotal.WithLabelValues("DEPOSIT").Inc()
			deposit, err = s.store.GetDepositByRef(ctx, deposit.Ref)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	if deposit.Status == models.DepositStatusPaid {
		if err := s.store.SetPriorityFlag(ctx, payerID, true, models.WorkOrderTerminalStatuses); err != nil {
			s.logger.Error("Failed to re-assert priority flags",
				zap.Int64("payer_id", payerID),
				zap.Error(err))
		}
	}

	logs, err := s.store.GetStatusLogs(ctx, deposit.Ref, models.LogOwnerDeposit)
	if err != nil {
		return nil, nil, err
	}

	return deposit, logs, nil
}

// DepositRefundRequest is a deposit refund intake.
type DepositRefundRequest struct {
	PayerID    int64  `json:"payer_id"`
	DepositRef string `json:"deposit_ref,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Reason     string `json:"reason" binding:"required"`
}

// RequestDepositRefund handles refund intake for a deposit. A user request
// requires no open work orders and parks the deposit in PENDING_REFUND; an
// operator bypasses the open-work check and executes at the gateway
// immediately. Returns the refund reference for the operator path.
func (s *DepositService) RequestDepositRefund(ctx context.Context, req *DepositRefundRequest) (string, error) {
	ctx, span := util.StartSpan(ctx, "DepositService.RequestDepositRefund")
	defer span.End()

	deposit, err := s.resolveDeposit(ctx, req)
	if err != nil {
		return "", err
	}

	if req.Operator != "" {
		return s.operatorRefund(ctx, deposit, req.Operator, req.Reason)
	}

	if deposit.Status != models.DepositStatusPaid {
		return "", fmt.Errorf("deposit %s in status %s cannot request refund: %w",
			deposit.Ref, deposit.Status, models.ErrInvalidTransition)
	}

	open, err := s.store.GetOpenWorkOrdersByOwner(ctx, deposit.PayerID, models.WorkOrderTerminalStatuses)
	if err != nil {
		return "", err
	}
	if len(open) > 0 {
		return "", fmt.Errorf("payer %d has %d open work orders: %w",
			deposit.PayerID, len(open), models.ErrHasOpenWork)
	}

	operator := fmt.Sprintf("payer:%d", deposit.PayerID)
	err = s.engine.Transition(ctx, operator, s.depositTarget(deposit.Ref), models.DepositStatusPendingRefund,
		func(ctx context.Context) error {
			return s.store.AppendStatusLog(ctx, deposit.Ref, models.LogOwnerDeposit,
				models.DepositStatusPendingRefund, operator, req.Reason)
		})
	return "", err
}

// operatorRefund moves the deposit to REFUNDING and invokes the gateway
// refund immediately. A failed gateway call leaves the deposit REFUNDING
// with a log entry so the fallback query can still discover eventual
// success.
func (s *DepositService) operatorRefund(ctx context.Context, deposit *models.Deposit, operator, reason string) (string, error) {
	if deposit.Status != models.DepositStatusPaid && deposit.Status != models.DepositStatusPendingRefund {
		return "", fmt.Errorf("deposit %s in status %s cannot be refunded: %w",
			deposit.Ref, deposit.Status, models.ErrInvalidTransition)
	}

	refund := &models.Refund{
		Ref:        newRef("RFD"),
		OriginRef:  deposit.Ref,
		OriginKind: models.RefundOriginDeposit,
		PayerID:    deposit.PayerID,
		RefundType: models.RefundTypeDeposit,
		Amount:     deposit.Amount,
		Status:     models.RefundStatusRefunding,
		Reason:     reason,
	}
	if err := s.store.CreateRefund(ctx, refund); err != nil {
		if errors.Is(err, models.ErrConflict) {
			// A concurrent refund got there first.
			return "", fmt.Errorf("deposit %s: %w", deposit.Ref, err)
		}
		return "", fmt.Errorf("failed to create deposit refund: %w", err)
	}

	applied, err := s.store.SetDepositRefundIf(ctx, deposit.Ref, deposit.Status, models.DepositStatusRefunding, refund.Ref)
	if err != nil {
		return "", err
	}
	if !applied {
		return "", fmt.Errorf("deposit %s changed concurrently: %w", deposit.Ref, models.ErrConflict)
	}

	util.TransitionsAppliedTotal.WithLabelValues("DEPOSIT", models.DepositStatusRefunding).Inc()
	s.logger.Info("Deposit refund started",
		zap.String("deposit_ref", deposit.Ref),
		zap.String("refund_ref", refund.Ref),
		zap.String("operator", operator))

	if err := s.store.AppendStatusLog(ctx, deposit.Ref, models.LogOwnerDeposit,
		models.DepositStatusRefunding, operator, reason); err != nil {
		s.logger.Error("Failed to append deposit status log", zap.Error(err))
	}

	// Mirror the companion order into the refund flow.
	if _, err := s.engine.Observe(ctx, recon.SourceUserAction,
		s.orderTarget(deposit.OrderRef), models.OrderStatusRefunding); err != nil {
		s.logger.Error("Failed to mirror companion order", zap.Error(err))
	}

	externalID, err := s.gateway.CreateRefund(ctx, deposit.OrderRef, refund.Ref, refund.Amount)
	if err != nil {
		if retryErr := s.store.IncrementRefundRetry(ctx, refund.Ref); retryErr != nil {
			s.logger.Error("Failed to bump refund retry counter", zap.Error(retryErr))
		}
		s.logger.Warn("Gateway refund call failed, deposit stays REFUNDING",
			zap.String("deposit_ref", deposit.Ref),
			zap.String("refund_ref", refund.Ref),
			zap.Error(err))
		return refund.Ref, nil
	}

	if _, err := s.store.SetRefundExternalIf(ctx, refund.Ref, models.RefundStatusRefunding, externalID); err != nil {
		s.logger.Error("Failed to record external refund id", zap.Error(err))
	}
	if err := s.store.SetDepositExternalRefund(ctx, deposit.Ref, externalID); err != nil {
		s.logger.Error("Failed to record deposit external refund id", zap.Error(err))
	}

	return refund.Ref, nil
}

// markOrderAndDepositPaid settles both documents from an active query
// result: the companion order first, then the deposit.
func (s *DepositService) markOrderAndDepositPaid(ctx context.Context, deposit *models.Deposit, externalTx string) (bool, error) {
	orderTarget := s.orderTarget(deposit.OrderRef)
	orderTarget.Write = func(ctx context.Context, expected, next string) (bool, error) {
		return s.store.MarkOrderPaidIf(ctx, deposit.OrderRef, expected, externalTx)
	}
	if _, err := s.engine.Observe(ctx, recon.SourceActiveQuery, orderTarget, models.OrderStatusPaid); err != nil {
		return false, err
	}

	return s.markDepositPaid(ctx, recon.SourceActiveQuery, deposit)
}

// markDepositPaid performs the single paid transition for a deposit,
// propagating the priority flag to the payer's open work orders. Safe to
// run concurrently with the webhook handler.
func (s *DepositService) markDepositPaid(ctx context.Context, source string, deposit *models.Deposit) (bool, error) {
	return s.engine.Observe(ctx, source, s.depositTarget(deposit.Ref), models.DepositStatusPaid,
		func(ctx context.Context) error {
			return s.store.SetPriorityFlag(ctx, deposit.PayerID, true, models.WorkOrderTerminalStatuses)
		},
		func(ctx context.Context) error {
			if err := s.store.AppendStatusLog(ctx, deposit.Ref, models.LogOwnerDeposit,
				models.DepositStatusPaid, source, ""); err != nil {
				return err
			}
			return s.events.PublishDepositPaid(ctx, &models.DepositPaidEvent{
				BaseEvent: newBaseEvent(models.EventTypeDepositPaid),
				Ref:       deposit.Ref,
				PayerID:   deposit.PayerID,
				Amount:    deposit.Amount,
			})
		})
}

func (s *DepositService) resolveDeposit(ctx context.Context, req *DepositRefundRequest) (*models.Deposit, error) {
	if req.DepositRef != "" {
		return s.store.GetDepositByRef(ctx, req.DepositRef)
	}
	if req.PayerID <= 0 {
		return nil, fmt.Errorf("payer id or deposit ref is required: %w", models.ErrInvalidInput)
	}
	deposit, err := s.store.GetLatestDepositByPayer(ctx, req.PayerID)
	if err != nil {
		return nil, err
	}
	if deposit == nil {
		return nil, fmt.Errorf("payer %d has no deposit: %w", req.PayerID, models.ErrNotFound)
	}
	return deposit, nil
}

func (s *DepositService) depositTarget(ref string) recon.Target {
	return recon.Target{
		Aggregate: "DEPOSIT",
		Ref:       ref,
		Read: func(ctx context.Context) (string, error) {
			deposit, err := s.store.GetDepositByRef(ctx, ref)
			if err != nil {
				return "", err
			}
			return deposit.Status, nil
		},
		CanMove: models.CanDepositTransition,
		Write: func(ctx context.Context, expected, next string) (bool, error) {
			return s.store.UpdateDepositStatusIf(ctx, ref, expected, next)
		},
	}
}

func (s *DepositService) orderTarget(ref string) recon.Target {
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

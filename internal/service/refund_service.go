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

// RefundService manages the refund lifecycle for mall orders and deposits:
// application intake, the review/return sub-state-machine, gateway-backed
// execution, and reconciliation of in-flight refunds.
type RefundService struct {
	store   Store
	engine  *recon.Engine
	gateway gateway.Client
	events  EventPublisher
	limiter GatewayLimiter
	logger  *zap.Logger
}

// NewRefundService creates a new refund service
func NewRefundService(store Store, engine *recon.Engine, gw gateway.Client, events EventPublisher, limiter GatewayLimiter) *RefundService {
	return &RefundService{
		store:   store,
		engine:  engine,
		gateway: gw,
		events:  events,
		limiter: limiter,
		logger:  util.GetLogger(),
	}
}

// ApplyRefundRequest represents a refund application for a mall order.
type ApplyRefundRequest struct {
	OrderRef   string `json:"order_ref" binding:"required"`
	RefundType string `json:"refund_type" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
	Evidence   string `json:"evidence,omitempty"`
}

// ApplyRefund accepts a refund application for an order. A prior refund in
// REFUND_FAILED is auto-closed to unblock reapplication; an open refund for
// the same order rejects the new application.
func (s *RefundService) ApplyRefund(ctx context.Context, req *ApplyRefundRequest) (string, error) {
	ctx, span := util.StartSpan(ctx, "RefundService.ApplyRefund")
	defer span.End()

	if req.RefundType != models.RefundTypeRefundOnly && req.RefundType != models.RefundTypeReturnAndRefund {
		return "", fmt.Errorf("unknown refund type %q: %w", req.RefundType, models.ErrInvalidInput)
	}
	if req.Reason == "" {
		return "", fmt.Errorf("refund reason is required: %w", models.ErrInvalidInput)
	}

	order, err := s.store.GetOrderByRef(ctx, req.OrderRef)
	if err != nil {
		return "", err
	}
	if !models.IsOrderRefundEligible(order.Status) {
		return "", fmt.Errorf("order %s in status %s is not refund-eligible: %w",
			order.Ref, order.Status, models.ErrInvalidTransition)
	}

	open, err := s.store.GetOpenRefundByOrigin(ctx, order.Ref)
	if err != nil {
		return "", err
	}
	if open != nil {
		return "", fmt.Errorf("refund %s already open for order %s: %w",
			open.Ref, order.Ref, models.ErrInvalidInput)
	}

	latest, err := s.store.GetLatestRefundByOrigin(ctx, order.Ref)
	if err != nil {
		return "", err
	}
	if latest != nil && latest.Status == models.RefundStatusFailed {
		if _, err := s.engine.Observe(ctx, recon.SourceUserAction,
			s.refundTarget(latest.Ref), models.RefundStatusClosed); err != nil {
			return "", err
		}
		s.logger.Info("Closed failed refund to unblock reapplication",
			zap.String("refund_ref", latest.Ref),
			zap.String("order_ref", order.Ref))
	}

	refund := &models.Refund{
		Ref:        newRef("RFD"),
		OriginRef:  order.Ref,
		OriginKind: models.RefundOriginOrder,
		PayerID:    order.PayerID,
		RefundType: req.RefundType,
		Amount:     order.Amount,
		Status:     models.RefundStatusPendingReview,
		Reason:     req.Reason,
		Evidence:   req.Evidence,
	}
	if err := s.store.CreateRefund(ctx, refund); err != nil {
		if errors.Is(err, models.ErrConflict) {
			// A concurrent application passed the open-refund check too;
			// the unique index on open refunds let only one row in.
			return "", fmt.Errorf("refund already open for order %s: %w",
				order.Ref, models.ErrInvalidInput)
		}
		return "", fmt.Errorf("failed to create refund: %w", err)
	}

	if err := s.store.SetOrderAfterSale(ctx, order.Ref, models.AfterSaleApplied); err != nil {
		s.logger.Error("Failed to set order after-sale substatus", zap.Error(err))
	}
	if err := s.store.AppendStatusLog(ctx, refund.Ref, models.LogOwnerRefund,
		refund.Status, fmt.Sprintf("payer:%d", order.PayerID), req.Reason); err != nil {
		s.logger.Error("Failed to append refund status log", zap.Error(err))
	}

	s.logger.Info("Refund application created",
		zap.String("refund_ref", refund.Ref),
		zap.String("order_ref", order.Ref),
		zap.String("type", refund.RefundType))

	return refund.Ref, nil
}

// CancelRefund withdraws a refund application. Permitted only while it is
// still PENDING_REVIEW; the order's after-sale substatus is restored.
func (s *RefundService) CancelRefund(ctx context.Context, refundRef, operator string) error {
	refund, err := s.store.GetRefundByRef(ctx, refundRef)
	if err != nil {
		return err
	}
	if refund.Status != models.RefundStatusPendingReview {
		return fmt.Errorf("refund %s in status %s cannot be cancelled: %w",
			refundRef, refund.Status, models.ErrInvalidTransition)
	}

	return s.engine.Transition(ctx, operator, s.refundTarget(refundRef), models.RefundStatusCancelled,
		func(ctx context.Context) error {
			if err := s.store.SetOrderAfterSale(ctx, refund.OriginRef, models.AfterSaleNone); err != nil {
				return err
			}
			return s.store.AppendStatusLog(ctx, refundRef, models.LogOwnerRefund,
				models.RefundStatusCancelled, operator, "withdrawn by requester")
		})
}

// ReviewRefund records an operator decision on a PENDING_REVIEW refund.
// Approval of a return-and-refund routes through the return leg; approval
// of a refund-only request executes at the gateway immediately.
func (s *RefundService) ReviewRefund(ctx context.Context, refundRef string, approve bool, operator, remark string) error {
	ctx, span := util.StartSpan(ctx, "RefundService.ReviewRefund")
	defer span.End()

	refund, err := s.store.GetRefundByRef(ctx, refundRef)
	if err != nil {
		return err
	}

	if !approve {
		return s.engine.Transition(ctx, operator, s.refundTarget(refundRef), models.RefundStatusRejected,
			func(ctx context.Context) error {
				if err := s.store.SetOrderAfterSale(ctx, refund.OriginRef, models.AfterSaleResolved); err != nil {
					return err
				}
				return s.store.AppendStatusLog(ctx, refundRef, models.LogOwnerRefund,
					models.RefundStatusRejected, operator, remark)
			})
	}

	if refund.RefundType == models.RefundTypeReturnAndRefund {
		return s.engine.Transition(ctx, operator, s.refundTarget(refundRef), models.RefundStatusAwaitingReturn,
			func(ctx context.Context) error {
				return s.store.AppendStatusLog(ctx, refundRef, models.LogOwnerRefund,
					models.RefundStatusAwaitingReturn, operator, remark)
			})
	}

	if err := s.engine.Transition(ctx, operator, s.refundTarget(refundRef), models.RefundStatusApproved,
		func(ctx context.Context) error {
			return s.store.AppendStatusLog(ctx, refundRef, models.LogOwnerRefund,
				models.RefundStatusApproved, operator, remark)
		}); err != nil {
		return err
	}

	return s.ExecuteRefund(ctx, refundRef, operator)
}

// MarkReturned records the requester shipping the goods back.
func (s *RefundService) MarkReturned(ctx context.Context, refundRef, trackingNo string) error {
	if trackingNo == "" {
		return fmt.Errorf("tracking number is required: %w", models.ErrInvalidInput)
	}

	return s.engine.Transition(ctx, "requester", s.refundTarget(refundRef), models.RefundStatusAwaitingReceipt,
		func(ctx context.Context) error {
			if err := s.store.SetRefundTracking(ctx, refundRef, trackingNo); err != nil {
				return err
			}
			return s.store.AppendStatusLog(ctx, refundRef, models.LogOwnerRefund,
				models.RefundStatusAwaitingReceipt, "requester", "return shipped: "+trackingNo)
		})
}

// ConfirmReceipt records the operator receiving the returned goods and
// executes the refund at the gateway.
func (s *RefundService) ConfirmReceipt(ctx context.Context, refundRef, operator string) error {
	refund, err := s.store.GetRefundByRef(ctx, refundRef)
	if err != nil {
		return err
	}
	if refund.Status != models.RefundStatusAwaitingReceipt {
		return fmt.Errorf("refund %s in status %s: receipt not expected: %w",
			refundRef, refund.Status, models.ErrInvalidTransition)
	}

	return s.ExecuteRefund(ctx, refundRef, operator)
}

// ExecuteRefund moves a refund to REFUNDING, mirrors the originating order,
// and asks the gateway for the money movement. A failed gateway call leaves
// the refund in REFUNDING with a bumped retry counter so reconciliation can
// still complete it later.
func (s *RefundService) ExecuteRefund(ctx context.Context, refundRef, operator string) error {
	ctx, span := util.StartSpan(ctx, "RefundService.ExecuteRefund")
	defer span.End()

	refund, err := s.store.GetRefundByRef(ctx, refundRef)
	if err != nil {
		return err
	}

	err = s.engine.Transition(ctx, operator, s.refundTarget(refundRef), models.RefundStatusRefunding,
		func(ctx context.Context) error {
			if refund.OriginKind == models.RefundOriginOrder {
				order, err := s.store.GetOrderByRef(ctx, refund.OriginRef)
				if err != nil {
					return err
				}
				// Remember where the order was so a failed refund restores
				// it there instead of regressing it to PAID.
				if err := s.store.SetRefundOriginStatus(ctx, refundRef, order.Status); err != nil {
					return err
				}
				if _, err := s.engine.Observe(ctx, recon.SourceUserAction,
					s.orderTarget(refund.OriginRef), models.OrderStatusRefunding); err != nil {
					return err
				}
			}
			return s.store.AppendStatusLog(ctx, refundRef, models.LogOwnerRefund,
				models.RefundStatusRefunding, operator, "")
		})
	if err != nil {
		return err
	}

	externalID, err := s.gateway.CreateRefund(ctx, refund.OriginRef, refund.Ref, refund.Amount)
	if err != nil {
		// Deliberately not rolled back: the refund may still have been
		// accepted upstream; the fallback query will discover it.
		if retryErr := s.store.IncrementRefundRetry(ctx, refundRef); retryErr != nil {
			s.logger.Error("Failed to bump refund retry counter", zap.Error(retryErr))
		}
		s.logger.Warn("Gateway refund call failed, refund stays REFUNDING",
			zap.String("refund_ref", refundRef),
			zap.Error(err))
		return nil
	}

	if _, err := s.store.SetRefundExternalIf(ctx, refundRef, models.RefundStatusRefunding, externalID); err != nil {
		s.logger.Error("Failed to record external refund id", zap.Error(err))
	}

	return nil
}

// GetRefundDetail returns a refund by refund reference or by originating
// order reference. Reading a REFUNDING refund triggers a rate-limited
// gateway query first, so a resolved refund never stays stale past the
// first read ("read repairs state").
func (s *RefundService) GetRefundDetail(ctx context.Context, ref string) (*models.Refund, []models.StatusLog, error) {
	ctx, span := util.StartSpan(ctx, "RefundService.GetRefundDetail")
	defer span.End()

	refund, err := s.store.GetRefundByRef(ctx, ref)
	if errors.Is(err, models.ErrNotFound) {
		refund, err = s.store.GetLatestRefundByOrigin(ctx, ref)
		if err == nil && refund == nil {
			return nil, nil, fmt.Errorf("no refund for %s: %w", ref, models.ErrNotFound)
		}
	}
	if err != nil {
		return nil, nil, err
	}

	if refund.Status == models.RefundStatusRefunding {
		repaired, err := s.ReconcileRefund(ctx, refund.Ref)
		if err != nil {
			s.logger.Warn("Refund reconciliation failed on read",
				zap.String("refund_ref", refund.Ref),
				zap.Error(err))
		}
		if repaired {
			util.ReadRepairsTotal.WithLabelValues("REFUND").Inc()
			refund, err = s.store.GetRefundByRef(ctx, refund.Ref)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	logs, err := s.store.GetStatusLogs(ctx, refund.Ref, models.LogOwnerRefund)
	if err != nil {
		return nil, nil, err
	}

	return refund, logs, nil
}

// ReconcileRefund actively queries the gateway for a REFUNDING refund and
// applies the same conditional transition an asynchronous notification
// would. The external query is rate limited per reference; a denied window
// or an ambiguous gateway answer leaves state untouched. Returns whether a
// transition was applied.
func (s *RefundService) ReconcileRefund(ctx context.Context, refundRef string) (bool, error) {
	refund, err := s.store.GetRefundByRef(ctx, refundRef)
	if err != nil {
		return false, err
	}
	if refund.Status != models.RefundStatusRefunding {
		return false, nil
	}

	allowed, err := s.limiter.AllowGatewayQuery(ctx, refund.Ref)
	if err != nil {
		s.logger.Warn("Gateway query rate limiter unavailable", zap.Error(err))
		return false, nil
	}
	if !allowed {
		return false, nil
	}

	status, err := s.gateway.QueryRefundStatus(ctx, refund.OriginRef, refund.Ref, refund.ExternalRefund)
	if err != nil {
		// Ambiguity is never upgraded to success or failure; the next
		// read retries.
		s.logger.Warn("Refund status query failed",
			zap.String("refund_ref", refund.Ref),
			zap.Error(err))
		return false, nil
	}

	switch status.State {
	case gateway.RefundSuccess:
		return s.ApplyRefundOutcome(ctx, recon.SourceActiveQuery, refund.Ref, true, "")
	case gateway.RefundAbnormal, gateway.RefundClosed:
		return s.ApplyRefundOutcome(ctx, recon.SourceActiveQuery, refund.Ref, false, string(status.State))
	default:
		return false, nil
	}
}

// ApplyRefundOutcome applies a definitive refund outcome observation
// (notification or active query) to the refund and its originating order or
// deposit. Duplicate deliveries are no-ops.
func (s *RefundService) ApplyRefundOutcome(ctx context.Context, source, refundRef string, succeeded bool, reason string) (bool, error) {
	refund, err := s.store.GetRefundByRef(ctx, refundRef)
	if err != nil {
		return false, err
	}

	if succeeded {
		return s.engine.Observe(ctx, source, s.refundTarget(refundRef), models.RefundStatusRefunded,
			func(ctx context.Context) error { return s.settleOrigin(ctx, source, refund, true) },
			func(ctx context.Context) error {
				if err := s.store.AppendStatusLog(ctx, refundRef, models.LogOwnerRefund,
					models.RefundStatusRefunded, source, ""); err != nil {
					return err
				}
				return s.events.PublishRefundCompleted(ctx, &models.RefundCompletedEvent{
					BaseEvent: newBaseEvent(models.EventTypeRefundCompleted),
					Ref:       refundRef,
					OriginRef: refund.OriginRef,
					Amount:    refund.Amount,
				})
			})
	}

	return s.engine.Observe(ctx, source, s.refundTarget(refundRef), models.RefundStatusFailed,
		func(ctx context.Context) error { return s.settleOrigin(ctx, source, refund, false) },
		func(ctx context.Context) error {
			util.RefundsFailedTotal.WithLabelValues(refund.OriginKind).Inc()
			if err := s.store.AppendStatusLog(ctx, refundRef, models.LogOwnerRefund,
				models.RefundStatusFailed, source, reason); err != nil {
				return err
			}
			return s.events.PublishRefundFailed(ctx, &models.RefundFailedEvent{
				BaseEvent: newBaseEvent(models.EventTypeRefundFailed),
				Ref:       refundRef,
				OriginRef: refund.OriginRef,
				Reason:    reason,
			})
		})
}

// settleOrigin mirrors a refund outcome onto the originating order or
// deposit. Every write is conditional, so re-running after a partial
// failure is safe.
func (s *RefundService) settleOrigin(ctx context.Context, source string, refund *models.Refund, succeeded bool) error {
	if refund.OriginKind == models.RefundOriginDeposit {
		return s.settleDepositOrigin(ctx, source, refund, succeeded)
	}

	next := models.OrderStatusRefunded
	if !succeeded {
		// Restore the order to its pre-refund status so the payer can
		// reapply without the order regressing.
		next = refund.OriginStatus
		if !models.CanOrderTransition(models.OrderStatusRefunding, next) {
			next = models.OrderStatusPaid
		}
	}
	if _, err := s.engine.Observe(ctx, source, s.orderTarget(refund.OriginRef), next); err != nil {
		return err
	}
	return s.store.SetOrderAfterSale(ctx, refund.OriginRef, models.AfterSaleResolved)
}

func (s *RefundService) settleDepositOrigin(ctx context.Context, source string, refund *models.Refund, succeeded bool) error {
	deposit, err := s.store.GetDepositByRef(ctx, refund.OriginRef)
	if err != nil {
		return err
	}

	if !succeeded {
		// Restore the hold and its companion order.
		if _, err := s.engine.Observe(ctx, source, s.depositTarget(deposit.Ref), models.DepositStatusPaid); err != nil {
			return err
		}
		_, err := s.engine.Observe(ctx, source, s.orderTarget(deposit.OrderRef), models.OrderStatusPaid)
		return err
	}

	_, err = s.engine.Observe(ctx, source, s.depositTarget(deposit.Ref), models.DepositStatusRefunded,
		func(ctx context.Context) error {
			// The hold is gone, so open work loses its priority.
			return s.store.SetPriorityFlag(ctx, deposit.PayerID, false, models.WorkOrderTerminalStatuses)
		},
		func(ctx context.Context) error {
			if _, err := s.engine.Observe(ctx, source, s.orderTarget(deposit.OrderRef), models.OrderStatusRefunded); err != nil {
				return err
			}
			return s.events.PublishDepositRefunded(ctx, &models.DepositRefundedEvent{
				BaseEvent: newBaseEvent(models.EventTypeDepositRefunded),
				Ref:       deposit.Ref,
				PayerID:   deposit.PayerID,
				RefundRef: refund.Ref,
			})
		})
	return err
}

func (s *RefundService) refundTarget(ref string) recon.Target {
	return recon.Target{
		Aggregate: "REFUND",
		Ref:       ref,
		Read: func(ctx context.Context) (string, error) {
			refund, err := s.store.GetRefundByRef(ctx, ref)
			if err != nil {
				return "", err
			}
			return refund.Status, nil
		},
		CanMove: models.CanRefundTransition,
		Write: func(ctx context.Context, expected, next string) (bool, error) {
			return s.store.UpdateRefundStatusIf(ctx, ref, expected, next)
		},
	}
}

func (s *RefundService) orderTarget(ref string) recon.Target {
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

func (s *RefundService) depositTarget(ref string) recon.Target {
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

package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"payment-engine/internal/models"
	"payment-engine/internal/recon"
	"payment-engine/internal/util"
)

// NotificationOrchestrator funnels asynchronous gateway notifications into
// the same reconciliation paths the fallback queries use. Notifications may
// be delayed, lost, or duplicated; every handler is idempotent because the
// underlying transitions are conditional.
type NotificationOrchestrator struct {
	orders   *OrderService
	deposits *DepositService
	refunds  *RefundService
	logger   *zap.Logger
}

// NewNotificationOrchestrator creates a new notification orchestrator
func NewNotificationOrchestrator(orders *OrderService, deposits *DepositService, refunds *RefundService) *NotificationOrchestrator {
	return &NotificationOrchestrator{
		orders:   orders,
		deposits: deposits,
		refunds:  refunds,
		logger:   util.GetLogger(),
	}
}

// HandlePaymentNotification handles an asynchronous payment success
// notification. A duplicate delivery for an already-paid order is a no-op.
func (no *NotificationOrchestrator) HandlePaymentNotification(ctx context.Context, event *models.PaymentNotificationEvent) error {
	ctx, span := util.StartSpan(ctx, "NotificationOrchestrator.HandlePaymentNotification")
	defer span.End()

	util.NotificationsTotal.WithLabelValues(models.EventTypePaymentNotification).Inc()

	no.logger.Info("Handling payment notification",
		zap.String("ref", event.Ref),
		zap.String("external_tx", event.ExternalTx))

	applied, err := no.orders.MarkOrderPaid(ctx, recon.SourceNotification, event.Ref, event.ExternalTx)
	if errors.Is(err, models.ErrNotFound) {
		no.logger.Warn("Payment notification for unknown order discarded",
			zap.String("ref", event.Ref))
		return nil
	}
	if err != nil {
		return err
	}
	if !applied {
		no.logger.Info("Duplicate payment notification",
			zap.String("ref", event.Ref))
	}

	// A deposit's companion order carries the deposit forward too.
	return no.deposits.HandlePaymentConfirmed(ctx, recon.SourceNotification, event.Ref, event.ExternalTx)
}

// HandleRefundNotification handles an asynchronous refund outcome
// notification.
func (no *NotificationOrchestrator) HandleRefundNotification(ctx context.Context, event *models.RefundNotificationEvent) error {
	ctx, span := util.StartSpan(ctx, "NotificationOrchestrator.HandleRefundNotification")
	defer span.End()

	util.NotificationsTotal.WithLabelValues(models.EventTypeRefundNotification).Inc()

	no.logger.Info("Handling refund notification",
		zap.String("refund_ref", event.RefundRef),
		zap.Bool("succeeded", event.Succeeded))

	_, err := no.refunds.ApplyRefundOutcome(ctx, recon.SourceNotification, event.RefundRef, event.Succeeded, event.Reason)
	if errors.Is(err, models.ErrNotFound) {
		no.logger.Warn("Refund notification for unknown refund discarded",
			zap.String("refund_ref", event.RefundRef))
		return nil
	}
	return err
}

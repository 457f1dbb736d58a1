package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/segmentio/kafka-go"

	"payment-engine/internal/models"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, event.Ref, event)
}

// PublishOrderPaid publishes OrderPaid event
func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return ep.producer.PublishEvent(ctx, event.Ref, event)
}

// PublishOrderClosed publishes OrderClosed event
func (ep *EventPublisher) PublishOrderClosed(ctx context.Context, event *models.OrderClosedEvent) error {
	return ep.producer.PublishEvent(ctx, event.Ref, event)
}

// PublishDepositPaid publishes DepositPaid event
func (ep *EventPublisher) PublishDepositPaid(ctx context.Context, event *models.DepositPaidEvent) error {
	return ep.producer.PublishEvent(ctx, event.Ref, event)
}

// PublishDepositRefunded publishes DepositRefunded event
func (ep *EventPublisher) PublishDepositRefunded(ctx context.Context, event *models.DepositRefundedEvent) error {
	return ep.producer.PublishEvent(ctx, event.Ref, event)
}

// PublishRefundCompleted publishes RefundCompleted event
func (ep *EventPublisher) PublishRefundCompleted(ctx context.Context, event *models.RefundCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, event.OriginRef, event)
}

// PublishRefundFailed publishes RefundFailed event
func (ep *EventPublisher) PublishRefundFailed(ctx context.Context, event *models.RefundFailedEvent) error {
	return ep.producer.PublishEvent(ctx, event.OriginRef, event)
}

// NotificationHandler routes inbound gateway notification events.
type NotificationHandler struct {
	onPayment func(context.Context, *models.PaymentNotificationEvent) error
	onRefund  func(context.Context, *models.RefundNotificationEvent) error
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler() *NotificationHandler {
	return &NotificationHandler{}
}

// OnPaymentNotification registers a handler for payment notifications
func (nh *NotificationHandler) OnPaymentNotification(handler func(context.Context, *models.PaymentNotificationEvent) error) {
	nh.onPayment = handler
}

// OnRefundNotification registers a handler for refund notifications
func (nh *NotificationHandler) OnRefundNotification(handler func(context.Context, *models.RefundNotificationEvent) error) {
	nh.onRefund = handler
}

// HandleMessage routes messages to the registered handlers
func (nh *NotificationHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypePaymentNotification:
		if nh.onPayment != nil {
			var event models.PaymentNotificationEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal payment notification: %w", err)
			}
			return nh.onPayment(ctx, &event)
		}

	case models.EventTypeRefundNotification:
		if nh.onRefund != nil {
			var event models.RefundNotificationEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal refund notification: %w", err)
			}
			return nh.onRefund(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}

package models

import "time"

// Event types
const (
	EventTypeOrderCreated        = "ORDER_CREATED"
	EventTypeOrderPaid           = "ORDER_PAID"
	EventTypeOrderClosed         = "ORDER_CLOSED"
	EventTypeDepositPaid         = "DEPOSIT_PAID"
	EventTypeDepositRefunded     = "DEPOSIT_REFUNDED"
	EventTypeRefundCompleted     = "REFUND_COMPLETED"
	EventTypeRefundFailed        = "REFUND_FAILED"
	EventTypePaymentNotification = "PAYMENT_NOTIFICATION"
	EventTypeRefundNotification  = "REFUND_NOTIFICATION"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order is created
type OrderCreatedEvent struct {
	BaseEvent
	Ref     string `json:"ref"`
	PayerID int64  `json:"payer_id"`
	Amount  int64  `json:"amount"`
}

// OrderPaidEvent published when an order transitions to PAID
type OrderPaidEvent struct {
	BaseEvent
	Ref        string `json:"ref"`
	ExternalTx string `json:"external_tx"`
	Amount     int64  `json:"amount"`
}

// OrderClosedEvent published when an order is closed by the expiry sweep or cancelled
type OrderClosedEvent struct {
	BaseEvent
	Ref    string `json:"ref"`
	Reason string `json:"reason"`
}

// DepositPaidEvent published when a deposit transitions to PAID
type DepositPaidEvent struct {
	BaseEvent
	Ref     string `json:"ref"`
	PayerID int64  `json:"payer_id"`
	Amount  int64  `json:"amount"`
}

// DepositRefundedEvent published when a deposit refund completes
type DepositRefundedEvent struct {
	BaseEvent
	Ref       string `json:"ref"`
	PayerID   int64  `json:"payer_id"`
	RefundRef string `json:"refund_ref"`
}

// RefundCompletedEvent published when a refund reaches REFUNDED
type RefundCompletedEvent struct {
	BaseEvent
	Ref       string `json:"ref"`
	OriginRef string `json:"origin_ref"`
	Amount    int64  `json:"amount"`
}

// RefundFailedEvent published when a refund reaches REFUND_FAILED
type RefundFailedEvent struct {
	BaseEvent
	Ref       string `json:"ref"`
	OriginRef string `json:"origin_ref"`
	Reason    string `json:"reason"`
}

// PaymentNotificationEvent is the inbound asynchronous payment notification.
// It may be delayed, lost, or delivered more than once; handling must be
// idempotent.
type PaymentNotificationEvent struct {
	BaseEvent
	Ref        string    `json:"ref"`
	ExternalTx string    `json:"external_tx"`
	PaidAt     time.Time `json:"paid_at"`
}

// RefundNotificationEvent is the inbound asynchronous refund notification.
type RefundNotificationEvent struct {
	BaseEvent
	OriginRef string `json:"origin_ref"`
	RefundRef string `json:"refund_ref"`
	Succeeded bool   `json:"succeeded"`
	Reason    string `json:"reason,omitempty"`
}

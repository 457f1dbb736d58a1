// Package gateway wraps the external payment gateway behind a normalized
// result type. The gateway is authoritative for money movement but only
// eventually observable: synchronous calls can time out after the side
// effect already happened, so a transport timeout maps to an Unknown
// outcome, never to success or failure.
package gateway

import (
	"context"
	"time"
)

// PaymentState is the normalized outcome of a payment status query.
type PaymentState string

const (
	PaymentSuccess  PaymentState = "SUCCESS"
	PaymentPending  PaymentState = "PENDING"
	PaymentAbnormal PaymentState = "ABNORMAL"
	PaymentClosed   PaymentState = "CLOSED"
)

// RefundState is the normalized outcome of a refund status query.
type RefundState string

const (
	RefundSuccess    RefundState = "SUCCESS"
	RefundProcessing RefundState = "PROCESSING"
	RefundAbnormal   RefundState = "ABNORMAL"
	RefundClosed     RefundState = "CLOSED"
)

// IntentParams are returned to the caller so the client can complete payment.
type IntentParams struct {
	IntentID     string    `json:"intent_id"`
	ClientSecret string    `json:"client_secret"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// PaymentStatus is the result of an active payment status query.
type PaymentStatus struct {
	State      PaymentState
	ExternalTx string
	PaidAt     time.Time
}

// RefundStatus is the result of an active refund status query.
type RefundStatus struct {
	State          RefundState
	ExternalRefund string
}

// Client is the boundary to the external payment gateway. Both operations
// are idempotent on the gateway side; implementations must use bounded
// timeouts and report ambiguity as models.ErrGatewayUnknown.
type Client interface {
	CreateIntent(ctx context.Context, ref string, amount int64, description string) (IntentParams, error)
	QueryPaymentStatus(ctx context.Context, ref string) (PaymentStatus, error)
	CreateRefund(ctx context.Context, originRef, refundRef string, amount int64) (string, error)
	QueryRefundStatus(ctx context.Context, originRef, refundRef, externalRefund string) (RefundStatus, error)
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"

	"payment-engine/internal/models"
	"payment-engine/internal/util"
)

// StripeClient implements Client on top of the Stripe API. Local reference
// numbers are carried in intent metadata so status queries can run even when
// no external id was persisted yet.
type StripeClient struct {
	api     *client.API
	timeout time.Duration
	logger  *zap.Logger
}

// NewStripeClient creates a gateway client backed by Stripe.
func NewStripeClient(apiKey string, timeout time.Duration) (*StripeClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("stripe api key is required: %w", models.ErrInvalidInput)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	sc := client.New(apiKey, nil)

	return &StripeClient{
		api:     sc,
		timeout: timeout,
		logger:  util.GetLogger(),
	}, nil
}

// CreateIntent creates a payment intent for the given reference number.
// The reference doubles as the idempotency key, so a retried create returns
// the original intent instead of opening a second one.
func (g *StripeClient) CreateIntent(ctx context.Context, ref string, amount int64, description string) (IntentParams, error) {
	start := time.Now()
	defer func() { util.GatewayCallLatency.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(string(stripe.CurrencyCNY)),
		Description: stripe.String(description),
		Metadata:    map[string]string{"ref": ref},
	}
	params.Context = ctx
	params.SetIdempotencyKey(ref)

	intent, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return IntentParams{}, g.mapErr("create intent", ref, err)
	}

	g.logger.Info("Payment intent created",
		zap.String("ref", ref),
		zap.String("intent_id", intent.ID))

	return IntentParams{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		ExpiresAt:    time.Now().Add(30 * time.Minute),
	}, nil
}

// QueryPaymentStatus actively queries payment state by local reference
// number. A reference the gateway has never seen reports PENDING: the
// client simply never launched payment.
func (g *StripeClient) QueryPaymentStatus(ctx context.Context, ref string) (PaymentStatus, error) {
	start := time.Now()
	defer func() { util.GatewayCallLatency.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	intent, err := g.findIntentByRef(ctx, ref)
	if err != nil {
		return PaymentStatus{}, err
	}
	if intent == nil {
		return PaymentStatus{State: PaymentPending}, nil
	}

	status := PaymentStatus{State: PaymentPending, ExternalTx: intent.ID}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status.State = PaymentSuccess
		if charge := intent.LatestCharge; charge != nil {
			status.PaidAt = time.Unix(charge.Created, 0).UTC()
		}
	case stripe.PaymentIntentStatusCanceled:
		status.State = PaymentClosed
	default:
		if intent.LastPaymentError != nil {
			status.State = PaymentAbnormal
		}
	}

	return status, nil
}

// CreateRefund asks the gateway to refund the payment behind originRef.
// The refund reference is used as the idempotency key; the returned id is
// the gateway's refund id.
func (g *StripeClient) CreateRefund(ctx context.Context, originRef, refundRef string, amount int64) (string, error) {
	start := time.Now()
	defer func() { util.GatewayCallLatency.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	intent, err := g.findIntentByRef(ctx, originRef)
	if err != nil {
		return "", err
	}
	if intent == nil {
		return "", fmt.Errorf("no payment found for %s: %w", originRef, models.ErrGatewayFailed)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intent.ID),
		Amount:        stripe.Int64(amount),
		Metadata:      map[string]string{"refund_ref": refundRef},
	}
	params.Context = ctx
	params.SetIdempotencyKey(refundRef)

	refund, err := g.api.Refunds.New(params)
	if err != nil {
		return "", g.mapErr("create refund", refundRef, err)
	}

	g.logger.Info("Refund created at gateway",
		zap.String("origin_ref", originRef),
		zap.String("refund_ref", refundRef),
		zap.String("external_refund", refund.ID))

	return refund.ID, nil
}

// QueryRefundStatus actively queries refund state. When a gateway refund id
// is known it is used directly; otherwise the originating payment's charge
// is inspected.
func (g *StripeClient) QueryRefundStatus(ctx context.Context, originRef, refundRef, externalRefund string) (RefundStatus, error) {
	start := time.Now()
	defer func() { util.GatewayCallLatency.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if externalRefund != "" {
		params := &stripe.RefundParams{}
		params.Context = ctx
		refund, err := g.api.Refunds.Get(externalRefund, params)
		if err != nil {
			return RefundStatus{}, g.mapErr("query refund", refundRef, err)
		}
		return RefundStatus{State: mapRefundState(refund.Status), ExternalRefund: refund.ID}, nil
	}

	intent, err := g.findIntentByRef(ctx, originRef)
	if err != nil {
		return RefundStatus{}, err
	}
	if intent == nil || intent.LatestCharge == nil {
		return RefundStatus{State: RefundProcessing}, nil
	}
	if intent.LatestCharge.Refunded {
		return RefundStatus{State: RefundSuccess}, nil
	}
	return RefundStatus{State: RefundProcessing}, nil
}

func (g *StripeClient) findIntentByRef(ctx context.Context, ref string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("metadata['ref']:'%s'", ref),
			Context: ctx,
		},
	}

	iter := g.api.PaymentIntents.Search(params)
	for iter.Next() {
		return iter.PaymentIntent(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, g.mapErr("search intent", ref, err)
	}
	return nil, nil
}

// mapErr classifies gateway errors. A definitive API response stays a hard
// failure; timeouts and transport errors become ErrGatewayUnknown because
// the side effect may have happened.
func (g *StripeClient) mapErr(op, ref string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		util.GatewayCallsTotal.WithLabelValues(op, "failed").Inc()
		g.logger.Warn("Gateway call failed",
			zap.String("op", op),
			zap.String("ref", ref),
			zap.String("code", string(stripeErr.Code)))
		return fmt.Errorf("%s %s: %s: %w", op, ref, stripeErr.Code, models.ErrGatewayFailed)
	}

	util.GatewayCallsTotal.WithLabelValues(op, "unknown").Inc()
	g.logger.Warn("Gateway call ambiguous",
		zap.String("op", op),
		zap.String("ref", ref),
		zap.Error(err))
	return fmt.Errorf("%s %s: %v: %w", op, ref, err, models.ErrGatewayUnknown)
}

func mapRefundState(status stripe.RefundStatus) RefundState {
	switch status {
	case stripe.RefundStatusSucceeded:
		return RefundSuccess
	case stripe.RefundStatusFailed:
		return RefundAbnormal
	case stripe.RefundStatusCanceled:
		return RefundClosed
	default:
		return RefundProcessing
	}
}

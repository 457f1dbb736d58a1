package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-engine/internal/gateway"
	"payment-engine/internal/models"
	"payment-engine/internal/recon"
)

type depositFixture struct {
	deposits *DepositService
	refunds  *RefundService
	store    *fakeStore
	gateway  *fakeGateway
	events   *fakePublisher
	limiter  *fakeLimiter
}

func newDepositFixture() *depositFixture {
	store := newFakeStore()
	events := newFakePublisher()
	gw := &fakeGateway{
		intent:   gateway.IntentParams{IntentID: "pi_dep", ClientSecret: "secret"},
		refundID: "re_dep",
	}
	limiter := &fakeLimiter{allow: true}
	engine := recon.NewEngine()

	refunds := NewRefundService(store, engine, gw, events, limiter)
	deposits := NewDepositService(store, engine, gw, events, limiter, refunds)

	return &depositFixture{
		deposits: deposits,
		refunds:  refunds,
		store:    store,
		gateway:  gw,
		events:   events,
		limiter:  limiter,
	}
}

// seedPaidDeposit creates a PAID deposit with its paid companion order.
func seedPaidDeposit(f *depositFixture, payerID int64) *models.Deposit {
	order := &models.Order{
		Ref:        newRef("ORD"),
		PayerID:    payerID,
		Amount:     DepositAmount,
		Status:     models.OrderStatusPaid,
		OrderType:  models.OrderTypeDeposit,
		Paid:       true,
		ExternalTx: "pi_seeded",
	}
	_ = f.store.CreateOrder(context.Background(), order, nil)

	deposit := &models.Deposit{
		Ref:      newRef("DEP"),
		PayerID:  payerID,
		Amount:   DepositAmount,
		Status:   models.DepositStatusPaid,
		OrderRef: order.Ref,
	}
	_ = f.store.CreateDeposit(context.Background(), deposit)
	return deposit
}

func TestCreateDepositOpensCompanionOrder(t *testing.T) {
	f := newDepositFixture()

	resp, err := f.deposits.CreateOrReuseDeposit(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, models.DepositStatusPending, resp.Status)
	assert.Equal(t, DepositAmount, resp.Amount)
	assert.Equal(t, "pi_dep", resp.Intent.IntentID)

	order := f.store.orders[resp.OrderRef]
	require.NotNil(t, order)
	assert.Equal(t, models.OrderTypeDeposit, order.OrderType)
	assert.Equal(t, models.OrderStatusPendingPayment, order.Status)
}

func TestCreateDepositReusesPending(t *testing.T) {
	f := newDepositFixture()

	first, err := f.deposits.CreateOrReuseDeposit(context.Background(), 7)
	require.NoError(t, err)

	second, err := f.deposits.CreateOrReuseDeposit(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, first.DepositRef, second.DepositRef)
	assert.Equal(t, first.OrderRef, second.OrderRef)
	assert.Len(t, f.store.deposits, 1)
	assert.Len(t, f.store.orders, 1)
}

func TestCreateDepositRejectsActiveHold(t *testing.T) {
	f := newDepositFixture()
	seedPaidDeposit(f, 7)

	_, err := f.deposits.CreateOrReuseDeposit(context.Background(), 7)
	assert.True(t, errors.Is(err, models.ErrAlreadyActive))
	assert.Len(t, f.store.deposits, 1)
}

func TestCreateDepositLostRaceReusesWinner(t *testing.T) {
	f := newDepositFixture()

	// A competing call lands its PENDING deposit between this call's
	// existence checks and its insert.
	f.store.beforeCreateDeposit = func() {
		order := &models.Order{
			Ref:       "ORD-winner",
			PayerID:   7,
			Amount:    DepositAmount,
			Status:    models.OrderStatusPendingPayment,
			OrderType: models.OrderTypeDeposit,
		}
		_ = f.store.CreateOrder(context.Background(), order, nil)
		_ = f.store.CreateDeposit(context.Background(), &models.Deposit{
			Ref:      "DEP-winner",
			PayerID:  7,
			Amount:   DepositAmount,
			Status:   models.DepositStatusPending,
			OrderRef: "ORD-winner",
		})
	}

	resp, err := f.deposits.CreateOrReuseDeposit(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "DEP-winner", resp.DepositRef)
	assert.Equal(t, "ORD-winner", resp.OrderRef)

	active := 0
	for _, d := range f.store.deposits {
		if d.Status == models.DepositStatusPending || d.Status == models.DepositStatusPaid {
			active++
		}
	}
	assert.Equal(t, 1, active)

	// The loser's companion order is released, not left pending payment.
	for ref, order := range f.store.orders {
		if ref == "ORD-winner" {
			continue
		}
		assert.Equal(t, models.OrderStatusClosed, order.Status)
		assert.Equal(t, "duplicate deposit", order.CloseReason)
	}
}

func TestCreateDepositLostRaceToPaidHold(t *testing.T) {
	f := newDepositFixture()

	// The competing deposit is already PAID by the time ours inserts.
	f.store.beforeCreateDeposit = func() {
		seedPaidDeposit(f, 7)
	}

	_, err := f.deposits.CreateOrReuseDeposit(context.Background(), 7)
	assert.True(t, errors.Is(err, models.ErrAlreadyActive))

	paid := 0
	for _, d := range f.store.deposits {
		if d.Status == models.DepositStatusPaid {
			paid++
		}
	}
	assert.Equal(t, 1, paid)
}

func TestConfirmDepositSettlesViaActiveQuery(t *testing.T) {
	f := newDepositFixture()
	resp, err := f.deposits.CreateOrReuseDeposit(context.Background(), 7)
	require.NoError(t, err)

	f.store.workOrders = append(f.store.workOrders, &models.WorkOrder{
		ID: 100, OwnerID: 7, Status: "OPEN",
	})
	f.gateway.payStatus = gateway.PaymentStatus{State: gateway.PaymentSuccess, ExternalTx: "pi_dep"}

	result, err := f.deposits.ConfirmDeposit(context.Background(), resp.DepositRef)
	require.NoError(t, err)
	assert.Equal(t, ConfirmResultPaid, result)

	deposit := f.store.deposits[resp.DepositRef]
	assert.Equal(t, models.DepositStatusPaid, deposit.Status)

	order := f.store.orders[resp.OrderRef]
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.True(t, order.Paid)
	assert.Equal(t, "pi_dep", order.ExternalTx)

	// The hold grants priority to the payer's open work.
	assert.True(t, f.store.workOrders[0].Priority)
	assert.Equal(t, 1, f.events.counts[models.EventTypeDepositPaid])
}

func TestConfirmDepositIsIdempotent(t *testing.T) {
	f := newDepositFixture()
	resp, err := f.deposits.CreateOrReuseDeposit(context.Background(), 7)
	require.NoError(t, err)

	f.gateway.payStatus = gateway.PaymentStatus{State: gateway.PaymentSuccess, ExternalTx: "pi_dep"}

	first, err := f.deposits.ConfirmDeposit(context.Background(), resp.DepositRef)
	require.NoError(t, err)

	second, err := f.deposits.ConfirmDeposit(context.Background(), resp.DepositRef)
	require.NoError(t, err)

	assert.Equal(t, ConfirmResultPaid, first)
	assert.Equal(t, ConfirmResultPaid, second)
	// The second call answers from local state without a gateway query.
	assert.Equal(t, 1, f.gateway.payQueryCalls)
	assert.Equal(t, 1, f.events.counts[models.EventTypeDepositPaid])
}

func TestConfirmDepositNotPaidLeavesStateUntouched(t *testing.T) {
	f := newDepositFixture()
	resp, err := f.deposits.CreateOrReuseDeposit(context.Background(), 7)
	require.NoError(t, err)

	f.gateway.payStatus = gateway.PaymentStatus{State: gateway.PaymentPending}

	result, err := f.deposits.ConfirmDeposit(context.Background(), resp.DepositRef)
	require.NoError(t, err)
	assert.Equal(t, ConfirmResultNotPaid, result)
	assert.Equal(t, models.DepositStatusPending, f.store.deposits[resp.DepositRef].Status)
}

func TestConfirmDepositAmbiguousGateway(t *testing.T) {
	f := newDepositFixture()
	resp, err := f.deposits.CreateOrReuseDeposit(context.Background(), 7)
	require.NoError(t, err)

	f.gateway.payErr = models.ErrGatewayUnknown

	_, err = f.deposits.ConfirmDeposit(context.Background(), resp.DepositRef)
	assert.True(t, errors.Is(err, models.ErrGatewayUnknown))

	// Ambiguity never mutates state.
	assert.Equal(t, models.DepositStatusPending, f.store.deposits[resp.DepositRef].Status)
}

func TestConfirmDepositAfterWebhookSkipsGateway(t *testing.T) {
	f := newDepositFixture()
	resp, err := f.deposits.CreateOrReuseDeposit(context.Background(), 7)
	require.NoError(t, err)

	// The webhook settled the order but the deposit write was lost.
	order := f.store.orders[resp.OrderRef]
	order.Status = models.OrderStatusPaid
	order.Paid = true
	order.ExternalTx = "pi_webhook"

	result, err := f.deposits.ConfirmDeposit(context.Background(), resp.DepositRef)
	require.NoError(t, err)
	assert.Equal(t, ConfirmResultPaid, result)
	assert.Equal(t, models.DepositStatusPaid, f.store.deposits[resp.DepositRef].Status)
	assert.Equal(t, 0, f.gateway.payQueryCalls)
}

func TestUserRefundRequestBlockedByOpenWork(t *testing.T) {
	f := newDepositFixture()
	deposit := seedPaidDeposit(f, 7)

	f.store.workOrders = append(f.store.workOrders, &models.WorkOrder{
		ID: 100, OwnerID: 7, Status: "OPEN",
	})

	_, err := f.deposits.RequestDepositRefund(context.Background(), &DepositRefundRequest{
		PayerID: 7,
		Reason:  "moving away",
	})
	assert.True(t, errors.Is(err, models.ErrHasOpenWork))
	assert.Equal(t, models.DepositStatusPaid, f.store.deposits[deposit.Ref].Status)
}

func TestUserRefundRequestParksPendingRefund(t *testing.T) {
	f := newDepositFixture()
	deposit := seedPaidDeposit(f, 7)

	_, err := f.deposits.RequestDepositRefund(context.Background(), &DepositRefundRequest{
		PayerID: 7,
		Reason:  "moving away",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusPendingRefund, f.store.deposits[deposit.Ref].Status)

	logs, err := f.store.GetStatusLogs(context.Background(), deposit.Ref, models.LogOwnerDeposit)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.DepositStatusPendingRefund, logs[len(logs)-1].Status)
}

func TestOperatorRefundExecutesAtGateway(t *testing.T) {
	f := newDepositFixture()
	deposit := seedPaidDeposit(f, 7)

	refundRef, err := f.deposits.RequestDepositRefund(context.Background(), &DepositRefundRequest{
		DepositRef: deposit.Ref,
		Operator:   "ops-lee",
		Reason:     "contract ended",
	})
	require.NoError(t, err)
	require.NotEmpty(t, refundRef)

	got := f.store.deposits[deposit.Ref]
	assert.Equal(t, models.DepositStatusRefunding, got.Status)
	assert.Equal(t, refundRef, got.RefundRef)
	assert.Equal(t, "re_dep", got.ExternalRefund)

	refund := f.store.refunds[refundRef]
	require.NotNil(t, refund)
	assert.Equal(t, models.RefundStatusRefunding, refund.Status)
	assert.Equal(t, models.RefundOriginDeposit, refund.OriginKind)
	assert.Equal(t, "re_dep", refund.ExternalRefund)

	// The companion order mirrors the refund flow.
	assert.Equal(t, models.OrderStatusRefunding, f.store.orders[deposit.OrderRef].Status)
}

func TestOperatorRefundSurvivesGatewayFailure(t *testing.T) {
	f := newDepositFixture()
	deposit := seedPaidDeposit(f, 7)

	f.gateway.refundErr = models.ErrGatewayUnknown

	refundRef, err := f.deposits.RequestDepositRefund(context.Background(), &DepositRefundRequest{
		DepositRef: deposit.Ref,
		Operator:   "ops-lee",
		Reason:     "contract ended",
	})
	require.NoError(t, err)

	// The deposit stays REFUNDING so the fallback query can discover the
	// outcome; the attempt is counted.
	assert.Equal(t, models.DepositStatusRefunding, f.store.deposits[deposit.Ref].Status)
	refund := f.store.refunds[refundRef]
	assert.Equal(t, models.RefundStatusRefunding, refund.Status)
	assert.Equal(t, 1, refund.RetryCount)
	assert.Empty(t, refund.ExternalRefund)
}

func TestQueryDepositRepairsRefundingState(t *testing.T) {
	f := newDepositFixture()
	deposit := seedPaidDeposit(f, 7)

	refundRef, err := f.deposits.RequestDepositRefund(context.Background(), &DepositRefundRequest{
		DepositRef: deposit.Ref,
		Operator:   "ops-lee",
		Reason:     "contract ended",
	})
	require.NoError(t, err)

	// The gateway finished the refund but the notification never arrived.
	f.gateway.refundStatus = gateway.RefundStatus{State: gateway.RefundSuccess, ExternalRefund: "re_dep"}

	got, logs, err := f.deposits.QueryDeposit(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, models.DepositStatusRefunded, got.Status)
	assert.Equal(t, models.RefundStatusRefunded, f.store.refunds[refundRef].Status)
	assert.Equal(t, models.OrderStatusRefunded, f.store.orders[deposit.OrderRef].Status)
	assert.NotEmpty(t, logs)
	assert.Equal(t, 1, f.events.counts[models.EventTypeDepositRefunded])
}

func TestQueryDepositRateLimitedLeavesState(t *testing.T) {
	f := newDepositFixture()
	deposit := seedPaidDeposit(f, 7)

	_, err := f.deposits.RequestDepositRefund(context.Background(), &DepositRefundRequest{
		DepositRef: deposit.Ref,
		Operator:   "ops-lee",
		Reason:     "contract ended",
	})
	require.NoError(t, err)

	f.limiter.allow = false
	f.gateway.refundStatus = gateway.RefundStatus{State: gateway.RefundSuccess}

	got, _, err := f.deposits.QueryDeposit(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, models.DepositStatusRefunding, got.Status)
	assert.Equal(t, 0, f.gateway.refundQueryCalls)
}

func TestDepositEndToEndLifecycle(t *testing.T) {
	f := newDepositFixture()

	f.store.workOrders = append(f.store.workOrders, &models.WorkOrder{
		ID: 100, OwnerID: 7, Status: "OPEN",
	})

	// Create, pay via active query.
	resp, err := f.deposits.CreateOrReuseDeposit(context.Background(), 7)
	require.NoError(t, err)

	f.gateway.payStatus = gateway.PaymentStatus{State: gateway.PaymentSuccess, ExternalTx: "pi_e2e"}
	result, err := f.deposits.ConfirmDeposit(context.Background(), resp.DepositRef)
	require.NoError(t, err)
	require.Equal(t, ConfirmResultPaid, result)
	assert.True(t, f.store.workOrders[0].Priority)

	// Operator refunds; the notification for the outcome is lost, so the
	// next read repairs it.
	refundRef, err := f.deposits.RequestDepositRefund(context.Background(), &DepositRefundRequest{
		DepositRef: resp.DepositRef,
		Operator:   "ops-lee",
		Reason:     "contract ended",
	})
	require.NoError(t, err)

	f.gateway.refundStatus = gateway.RefundStatus{State: gateway.RefundSuccess, ExternalRefund: "re_dep"}
	deposit, _, err := f.deposits.QueryDeposit(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, models.DepositStatusRefunded, deposit.Status)
	assert.Equal(t, models.RefundStatusRefunded, f.store.refunds[refundRef].Status)
	assert.Equal(t, models.OrderStatusRefunded, f.store.orders[resp.OrderRef].Status)

	// The hold is gone, so the priority grant is withdrawn.
	assert.False(t, f.store.workOrders[0].Priority)
}

func TestQueryDepositReassertsPriority(t *testing.T) {
	f := newDepositFixture()
	seedPaidDeposit(f, 7)

	// Work opened after the deposit was marked paid starts without the flag.
	f.store.workOrders = append(f.store.workOrders, &models.WorkOrder{
		ID: 100, OwnerID: 7, Status: "OPEN",
	})

	_, _, err := f.deposits.QueryDeposit(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, f.store.workOrders[0].Priority)
}

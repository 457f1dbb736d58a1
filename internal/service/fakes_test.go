package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"payment-engine/internal/gateway"
	"payment-engine/internal/models"
)

// fakeStore is an in-memory Store for tests. Conditional updates compare
// and swap the same way the SQL layer does.
type fakeStore struct {
	orders     map[string]*models.Order
	items      map[int64][]models.OrderItem
	deposits   map[string]*models.Deposit
	refunds    map[string]*models.Refund
	workOrders []*models.WorkOrder
	logs       []models.StatusLog
	nextID     int64

	priorityCalls int

	// Fire-once hooks invoked before an insert's uniqueness check, used
	// to interleave a competing writer between check and insert.
	beforeCreateDeposit func()
	beforeCreateRefund  func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:   make(map[string]*models.Order),
		items:    make(map[int64][]models.OrderItem),
		deposits: make(map[string]*models.Deposit),
		refunds:  make(map[string]*models.Refund),
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	order.ID = f.id()
	order.CreatedAt = time.Now()
	f.orders[order.Ref] = order
	f.items[order.ID] = items
	return nil
}

func (f *fakeStore) GetOrderByRef(ctx context.Context, ref string) (*models.Order, error) {
	order, ok := f.orders[ref]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", ref, models.ErrNotFound)
	}
	cp := *order
	return &cp, nil
}

func (f *fakeStore) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	return f.items[orderID], nil
}

func (f *fakeStore) UpdateOrderStatusIf(ctx context.Context, ref, expected, next string) (bool, error) {
	order, ok := f.orders[ref]
	if !ok || order.Status != expected {
		return false, nil
	}
	order.Status = next
	return true, nil
}

func (f *fakeStore) MarkOrderPaidIf(ctx context.Context, ref, expected, externalTx string) (bool, error) {
	order, ok := f.orders[ref]
	if !ok || order.Status != expected || order.Paid {
		return false, nil
	}
	order.Status = models.OrderStatusPaid
	order.Paid = true
	order.ExternalTx = externalTx
	return true, nil
}

func (f *fakeStore) CloseOrderIf(ctx context.Context, ref, expected, reason string) (bool, error) {
	order, ok := f.orders[ref]
	if !ok || order.Status != expected || order.Paid {
		return false, nil
	}
	order.Status = models.OrderStatusClosed
	order.CloseReason = reason
	return true, nil
}

func (f *fakeStore) SetOrderAfterSale(ctx context.Context, ref, afterSale string) error {
	order, ok := f.orders[ref]
	if !ok {
		return fmt.Errorf("order %s: %w", ref, models.ErrNotFound)
	}
	order.AfterSale = afterSale
	return nil
}

func (f *fakeStore) GetStaleUnpaidOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var stale []models.Order
	for _, order := range f.orders {
		if order.Status == models.OrderStatusPendingPayment && !order.Paid && order.CreatedAt.Before(cutoff) {
			stale = append(stale, *order)
		}
		if len(stale) >= limit {
			break
		}
	}
	return stale, nil
}

func (f *fakeStore) GetOrdersByPayer(ctx context.Context, payerID int64) ([]models.Order, error) {
	var out []models.Order
	for _, order := range f.orders {
		if order.PayerID == payerID {
			out = append(out, *order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeStore) CreateDeposit(ctx context.Context, deposit *models.Deposit) error {
	if f.beforeCreateDeposit != nil {
		hook := f.beforeCreateDeposit
		f.beforeCreateDeposit = nil
		hook()
	}
	// Partial unique index: at most one PENDING or PAID deposit per payer.
	for _, d := range f.deposits {
		if d.PayerID == deposit.PayerID &&
			(d.Status == models.DepositStatusPending || d.Status == models.DepositStatusPaid) {
			return fmt.Errorf("payer %d already holds an active deposit: %w",
				deposit.PayerID, models.ErrConflict)
		}
	}
	deposit.ID = f.id()
	deposit.CreatedAt = time.Now()
	f.deposits[deposit.Ref] = deposit
	return nil
}

func (f *fakeStore) GetDepositByRef(ctx context.Context, ref string) (*models.Deposit, error) {
	deposit, ok := f.deposits[ref]
	if !ok {
		return nil, fmt.Errorf("deposit %s: %w", ref, models.ErrNotFound)
	}
	cp := *deposit
	return &cp, nil
}

func (f *fakeStore) GetDepositByOrderRef(ctx context.Context, orderRef string) (*models.Deposit, error) {
	for _, deposit := range f.deposits {
		if deposit.OrderRef == orderRef {
			cp := *deposit
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetLatestDepositByPayer(ctx context.Context, payerID int64) (*models.Deposit, error) {
	var latest *models.Deposit
	for _, deposit := range f.deposits {
		if deposit.PayerID != payerID {
			continue
		}
		if latest == nil || deposit.ID > latest.ID {
			latest = deposit
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeStore) GetDepositByPayerAndStatus(ctx context.Context, payerID int64, status string) (*models.Deposit, error) {
	for _, deposit := range f.deposits {
		if deposit.PayerID == payerID && deposit.Status == status {
			cp := *deposit
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpdateDepositStatusIf(ctx context.Context, ref, expected, next string) (bool, error) {
	deposit, ok := f.deposits[ref]
	if !ok || deposit.Status != expected {
		return false, nil
	}
	deposit.Status = next
	return true, nil
}

func (f *fakeStore) SetDepositRefundIf(ctx context.Context, ref, expected, next, refundRef string) (bool, error) {
	deposit, ok := f.deposits[ref]
	if !ok || deposit.Status != expected {
		return false, nil
	}
	deposit.Status = next
	deposit.RefundRef = refundRef
	return true, nil
}

func (f *fakeStore) SetDepositExternalRefund(ctx context.Context, ref, externalRefund string) error {
	deposit, ok := f.deposits[ref]
	if !ok {
		return fmt.Errorf("deposit %s: %w", ref, models.ErrNotFound)
	}
	deposit.ExternalRefund = externalRefund
	return nil
}

func (f *fakeStore) CreateRefund(ctx context.Context, refund *models.Refund) error {
	if f.beforeCreateRefund != nil {
		hook := f.beforeCreateRefund
		f.beforeCreateRefund = nil
		hook()
	}
	// Partial unique index: at most one non-terminal refund per origin.
	for _, r := range f.refunds {
		if r.OriginRef == refund.OriginRef && !models.IsRefundTerminal(r.Status) {
			return fmt.Errorf("refund already open for %s: %w",
				refund.OriginRef, models.ErrConflict)
		}
	}
	refund.ID = f.id()
	refund.CreatedAt = time.Now()
	f.refunds[refund.Ref] = refund
	return nil
}

func (f *fakeStore) GetRefundByRef(ctx context.Context, ref string) (*models.Refund, error) {
	refund, ok := f.refunds[ref]
	if !ok {
		return nil, fmt.Errorf("refund %s: %w", ref, models.ErrNotFound)
	}
	cp := *refund
	return &cp, nil
}

func (f *fakeStore) GetLatestRefundByOrigin(ctx context.Context, originRef string) (*models.Refund, error) {
	var latest *models.Refund
	for _, refund := range f.refunds {
		if refund.OriginRef != originRef {
			continue
		}
		if latest == nil || refund.ID > latest.ID {
			latest = refund
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeStore) GetOpenRefundByOrigin(ctx context.Context, originRef string) (*models.Refund, error) {
	for _, refund := range f.refunds {
		if refund.OriginRef == originRef && !models.IsRefundTerminal(refund.Status) {
			cp := *refund
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpdateRefundStatusIf(ctx context.Context, ref, expected, next string) (bool, error) {
	refund, ok := f.refunds[ref]
	if !ok || refund.Status != expected {
		return false, nil
	}
	refund.Status = next
	return true, nil
}

func (f *fakeStore) SetRefundExternalIf(ctx context.Context, ref, expected, externalRefund string) (bool, error) {
	refund, ok := f.refunds[ref]
	if !ok || refund.Status != expected {
		return false, nil
	}
	refund.ExternalRefund = externalRefund
	return true, nil
}

func (f *fakeStore) SetRefundOriginStatus(ctx context.Context, ref, originStatus string) error {
	refund, ok := f.refunds[ref]
	if !ok {
		return fmt.Errorf("refund %s: %w", ref, models.ErrNotFound)
	}
	refund.OriginStatus = originStatus
	return nil
}

func (f *fakeStore) SetRefundTracking(ctx context.Context, ref, trackingNo string) error {
	refund, ok := f.refunds[ref]
	if !ok {
		return fmt.Errorf("refund %s: %w", ref, models.ErrNotFound)
	}
	refund.TrackingNo = trackingNo
	return nil
}

func (f *fakeStore) IncrementRefundRetry(ctx context.Context, ref string) error {
	refund, ok := f.refunds[ref]
	if !ok {
		return fmt.Errorf("refund %s: %w", ref, models.ErrNotFound)
	}
	refund.RetryCount++
	return nil
}

func (f *fakeStore) GetOpenWorkOrdersByOwner(ctx context.Context, ownerID int64, terminal []string) ([]models.WorkOrder, error) {
	var open []models.WorkOrder
	for _, wo := range f.workOrders {
		if wo.OwnerID == ownerID && !contains(terminal, wo.Status) {
			open = append(open, *wo)
		}
	}
	return open, nil
}

func (f *fakeStore) SetPriorityFlag(ctx context.Context, ownerID int64, value bool, terminal []string) error {
	f.priorityCalls++
	for _, wo := range f.workOrders {
		if wo.OwnerID == ownerID && !contains(terminal, wo.Status) {
			wo.Priority = value
		}
	}
	return nil
}

func (f *fakeStore) CloseWorkOrdersByOrderRef(ctx context.Context, orderRef string, terminal []string) error {
	for _, wo := range f.workOrders {
		if wo.OrderRef == orderRef && !contains(terminal, wo.Status) {
			wo.Status = "CLOSED"
		}
	}
	return nil
}

func (f *fakeStore) AppendStatusLog(ctx context.Context, ownerRef, ownerKind, status, operator, remark string) error {
	f.logs = append(f.logs, models.StatusLog{
		ID:        f.id(),
		OwnerRef:  ownerRef,
		OwnerKind: ownerKind,
		Status:    status,
		Operator:  operator,
		Remark:    remark,
		CreatedAt: time.Now(),
	})
	return nil
}

func (f *fakeStore) GetStatusLogs(ctx context.Context, ownerRef, ownerKind string) ([]models.StatusLog, error) {
	var out []models.StatusLog
	for _, entry := range f.logs {
		if entry.OwnerRef == ownerRef && entry.OwnerKind == ownerKind {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// fakePublisher counts published events per type.
type fakePublisher struct {
	counts map[string]int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{counts: make(map[string]int)}
}

func (f *fakePublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	f.counts[models.EventTypeOrderCreated]++
	return nil
}

func (f *fakePublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	f.counts[models.EventTypeOrderPaid]++
	return nil
}

func (f *fakePublisher) PublishOrderClosed(ctx context.Context, event *models.OrderClosedEvent) error {
	f.counts[models.EventTypeOrderClosed]++
	return nil
}

func (f *fakePublisher) PublishDepositPaid(ctx context.Context, event *models.DepositPaidEvent) error {
	f.counts[models.EventTypeDepositPaid]++
	return nil
}

func (f *fakePublisher) PublishDepositRefunded(ctx context.Context, event *models.DepositRefundedEvent) error {
	f.counts[models.EventTypeDepositRefunded]++
	return nil
}

func (f *fakePublisher) PublishRefundCompleted(ctx context.Context, event *models.RefundCompletedEvent) error {
	f.counts[models.EventTypeRefundCompleted]++
	return nil
}

func (f *fakePublisher) PublishRefundFailed(ctx context.Context, event *models.RefundFailedEvent) error {
	f.counts[models.EventTypeRefundFailed]++
	return nil
}

// fakeGateway is a scripted gateway.Client.
type fakeGateway struct {
	intent    gateway.IntentParams
	intentErr error

	payStatus gateway.PaymentStatus
	payErr    error

	refundID  string
	refundErr error

	refundStatus    gateway.RefundStatus
	refundStatusErr error

	intentCalls      int
	payQueryCalls    int
	refundCalls      int
	refundQueryCalls int
}

func (f *fakeGateway) CreateIntent(ctx context.Context, ref string, amount int64, description string) (gateway.IntentParams, error) {
	f.intentCalls++
	if f.intentErr != nil {
		return gateway.IntentParams{}, f.intentErr
	}
	return f.intent, nil
}

func (f *fakeGateway) QueryPaymentStatus(ctx context.Context, ref string) (gateway.PaymentStatus, error) {
	f.payQueryCalls++
	if f.payErr != nil {
		return gateway.PaymentStatus{}, f.payErr
	}
	return f.payStatus, nil
}

func (f *fakeGateway) CreateRefund(ctx context.Context, originRef, refundRef string, amount int64) (string, error) {
	f.refundCalls++
	if f.refundErr != nil {
		return "", f.refundErr
	}
	return f.refundID, nil
}

func (f *fakeGateway) QueryRefundStatus(ctx context.Context, originRef, refundRef, externalRefund string) (gateway.RefundStatus, error) {
	f.refundQueryCalls++
	if f.refundStatusErr != nil {
		return gateway.RefundStatus{}, f.refundStatusErr
	}
	return f.refundStatus, nil
}

type fakeLimiter struct {
	allow bool
	calls int
}

func (f *fakeLimiter) AllowGatewayQuery(ctx context.Context, ref string) (bool, error) {
	f.calls++
	return f.allow, nil
}

type fakeIdem struct {
	refs map[string]string
}

func newFakeIdem() *fakeIdem {
	return &fakeIdem{refs: make(map[string]string)}
}

func (f *fakeIdem) GetIdempotentRef(ctx context.Context, key string) (string, error) {
	return f.refs[key], nil
}

func (f *fakeIdem) SetIdempotentRef(ctx context.Context, key, ref string, ttl time.Duration) error {
	f.refs[key] = ref
	return nil
}

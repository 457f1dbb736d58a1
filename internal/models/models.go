package models

import (
	"errors"
	"time"
)

// Error taxonomy. Services return these (usually wrapped) so the API layer
// can map them to stable error codes.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conditional update lost a race")
	ErrGatewayUnknown    = errors.New("gateway status unknown")
	ErrGatewayFailed     = errors.New("gateway reported failure")
	ErrAlreadyActive     = errors.New("payer already has an active deposit")
	ErrHasOpenWork       = errors.New("payer has open work orders")
)

// Order statuses
const (
	OrderStatusPendingPayment = "PENDING_PAYMENT"
	OrderStatusPaid           = "PAID"
	OrderStatusShipped        = "SHIPPED"
	OrderStatusCompleted      = "COMPLETED"
	OrderStatusRefunding      = "REFUNDING"
	OrderStatusRefunded       = "REFUNDED"
	OrderStatusCancelled      = "CANCELLED"
	OrderStatusClosed         = "CLOSED"
)

// Order types
const (
	OrderTypeGoods   = "GOODS"
	OrderTypeDeposit = "DEPOSIT"
)

// Deposit statuses
const (
	DepositStatusPending       = "PENDING"
	DepositStatusPaid          = "PAID"
	DepositStatusPendingRefund = "PENDING_REFUND"
	DepositStatusRefunding     = "REFUNDING"
	DepositStatusRefunded      = "REFUNDED"
	DepositStatusClosed        = "CLOSED"
)

// Refund statuses
const (
	RefundStatusPendingReview   = "PENDING_REVIEW"
	RefundStatusApproved        = "APPROVED"
	RefundStatusAwaitingReturn  = "AWAITING_RETURN"
	RefundStatusAwaitingReceipt = "AWAITING_RECEIPT"
	RefundStatusRefunding       = "REFUNDING"
	RefundStatusRefunded        = "REFUNDED"
	RefundStatusFailed          = "REFUND_FAILED"
	RefundStatusRejected        = "REJECTED"
	RefundStatusCancelled       = "CANCELLED"
	RefundStatusClosed          = "CLOSED"
)

// Refund types
const (
	RefundTypeRefundOnly      = "REFUND_ONLY"
	RefundTypeReturnAndRefund = "RETURN_AND_REFUND"
	RefundTypeDeposit         = "DEPOSIT"
)

// Refund origin kinds
const (
	RefundOriginOrder   = "ORDER"
	RefundOriginDeposit = "DEPOSIT"
)

// Order after-sale substatuses
const (
	AfterSaleNone     = ""
	AfterSaleApplied  = "REFUND_APPLIED"
	AfterSaleResolved = "REFUND_RESOLVED"
)

// Status-log owner kinds
const (
	LogOwnerDeposit = "DEPOSIT"
	LogOwnerRefund  = "REFUND"
)

// Order represents a purchase. A refundable deposit is a special order type
// so that payment reuses the same order machinery.
type Order struct {
	ID          int64     `db:"id" json:"id"`
	Ref         string    `db:"ref" json:"ref"`
	PayerID     int64     `db:"payer_id" json:"payer_id"`
	Amount      int64     `db:"amount" json:"amount"`
	Status      string    `db:"status" json:"status"`
	OrderType   string    `db:"order_type" json:"order_type"`
	Paid        bool      `db:"paid" json:"paid"`
	AfterSale   string    `db:"after_sale" json:"after_sale,omitempty"`
	ExternalTx  string    `db:"external_tx" json:"external_tx,omitempty"`
	CloseReason string    `db:"close_reason" json:"close_reason,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// OrderItem represents a line item in an order.
type OrderItem struct {
	ID        int64  `db:"id" json:"id"`
	OrderID   int64  `db:"order_id" json:"order_id"`
	Name      string `db:"name" json:"name"`
	Quantity  int    `db:"quantity" json:"quantity"`
	UnitPrice int64  `db:"unit_price" json:"unit_price"`
}

// Deposit represents a refundable hold tied to one payer. At most one
// deposit per payer may be PAID at a time.
type Deposit struct {
	ID             int64     `db:"id" json:"id"`
	Ref            string    `db:"ref" json:"ref"`
	PayerID        int64     `db:"payer_id" json:"payer_id"`
	Amount         int64     `db:"amount" json:"amount"`
	Status         string    `db:"status" json:"status"`
	OrderRef       string    `db:"order_ref" json:"order_ref"`
	RefundRef      string    `db:"refund_ref" json:"refund_ref,omitempty"`
	ExternalRefund string    `db:"external_refund" json:"external_refund,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Refund represents a request to return money for an order or a deposit.
type Refund struct {
	ID             int64     `db:"id" json:"id"`
	Ref            string    `db:"ref" json:"ref"`
	OriginRef      string    `db:"origin_ref" json:"origin_ref"`
	OriginKind     string    `db:"origin_kind" json:"origin_kind"`
	OriginStatus   string    `db:"origin_status" json:"origin_status,omitempty"`
	PayerID        int64     `db:"payer_id" json:"payer_id"`
	RefundType     string    `db:"refund_type" json:"refund_type"`
	Amount         int64     `db:"amount" json:"amount"`
	Status         string    `db:"status" json:"status"`
	Reason         string    `db:"reason" json:"reason,omitempty"`
	Evidence       string    `db:"evidence" json:"evidence,omitempty"`
	TrackingNo     string    `db:"tracking_no" json:"tracking_no,omitempty"`
	RetryCount     int       `db:"retry_count" json:"retry_count"`
	ExternalRefund string    `db:"external_refund" json:"external_refund,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// StatusLog is one append-only status-change entry for a deposit or refund.
type StatusLog struct {
	ID        int64     `db:"id" json:"id"`
	OwnerRef  string    `db:"owner_ref" json:"owner_ref"`
	OwnerKind string    `db:"owner_kind" json:"owner_kind"`
	Status    string    `db:"status" json:"status"`
	Operator  string    `db:"operator" json:"operator"`
	Remark    string    `db:"remark" json:"remark,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// WorkOrder is the related-work-record collaborator entity. Only its owner,
// open/closed state and priority flag matter to the engine.
type WorkOrder struct {
	ID        int64     `db:"id" json:"id"`
	OwnerID   int64     `db:"owner_id" json:"owner_id"`
	OrderRef  string    `db:"order_ref" json:"order_ref,omitempty"`
	Status    string    `db:"status" json:"status"`
	Priority  bool      `db:"priority" json:"priority"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// WorkOrderTerminalStatuses defines when a work order is no longer "open".
var WorkOrderTerminalStatuses = []string{"DONE", "CANCELLED", "CLOSED"}

var orderTransitions = map[string][]string{
	OrderStatusPendingPayment: {OrderStatusPaid, OrderStatusCancelled, OrderStatusClosed},
	OrderStatusPaid:           {OrderStatusShipped, OrderStatusCompleted, OrderStatusRefunding},
	OrderStatusShipped:        {OrderStatusCompleted, OrderStatusRefunding},
	OrderStatusCompleted:      {OrderStatusRefunding},
	OrderStatusRefunding:      {OrderStatusRefunded, OrderStatusPaid, OrderStatusShipped, OrderStatusCompleted},
	OrderStatusRefunded:       {},
	OrderStatusCancelled:      {},
	OrderStatusClosed:         {},
}

var depositTransitions = map[string][]string{
	DepositStatusPending:       {DepositStatusPaid, DepositStatusClosed},
	DepositStatusPaid:          {DepositStatusPendingRefund, DepositStatusRefunding},
	DepositStatusPendingRefund: {DepositStatusRefunding, DepositStatusPaid},
	DepositStatusRefunding:     {DepositStatusRefunded, DepositStatusPaid},
	DepositStatusRefunded:      {},
	DepositStatusClosed:        {},
}

var refundTransitions = map[string][]string{
	RefundStatusPendingReview:   {RefundStatusApproved, RefundStatusAwaitingReturn, RefundStatusRefunding, RefundStatusRejected, RefundStatusCancelled},
	RefundStatusApproved:        {RefundStatusAwaitingReturn, RefundStatusRefunding},
	RefundStatusAwaitingReturn:  {RefundStatusAwaitingReceipt, RefundStatusClosed},
	RefundStatusAwaitingReceipt: {RefundStatusRefunding, RefundStatusClosed},
	RefundStatusRefunding:       {RefundStatusRefunded, RefundStatusFailed},
	RefundStatusRefunded:        {},
	RefundStatusFailed:          {RefundStatusClosed},
	RefundStatusRejected:        {RefundStatusClosed},
	RefundStatusCancelled:       {RefundStatusClosed},
	RefundStatusClosed:          {},
}

func canTransition(table map[string][]string, from, to string) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanOrderTransition reports whether an order may move between two statuses.
func CanOrderTransition(from, to string) bool {
	return canTransition(orderTransitions, from, to)
}

// CanDepositTransition reports whether a deposit may move between two statuses.
func CanDepositTransition(from, to string) bool {
	return canTransition(depositTransitions, from, to)
}

// CanRefundTransition reports whether a refund may move between two statuses.
func CanRefundTransition(from, to string) bool {
	return canTransition(refundTransitions, from, to)
}

// RefundNonTerminalStatuses are the statuses in which a refund blocks a new
// application for the same origin.
var RefundNonTerminalStatuses = []string{
	RefundStatusPendingReview,
	RefundStatusApproved,
	RefundStatusAwaitingReturn,
	RefundStatusAwaitingReceipt,
	RefundStatusRefunding,
}

// IsRefundTerminal reports whether a refund status permits opening a new
// refund for the same origin.
func IsRefundTerminal(status string) bool {
	for _, s := range RefundNonTerminalStatuses {
		if s == status {
			return false
		}
	}
	return true
}

// RefundEligibleOrderStatuses are the order statuses from which a refund
// application is accepted.
var RefundEligibleOrderStatuses = []string{
	OrderStatusPaid,
	OrderStatusShipped,
	OrderStatusCompleted,
}

// IsOrderRefundEligible reports whether an order status allows a refund application.
func IsOrderRefundEligible(status string) bool {
	for _, s := range RefundEligibleOrderStatuses {
		if s == status {
			return true
		}
	}
	return false
}

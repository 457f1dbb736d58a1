package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"payment-engine/internal/models"
	"payment-engine/internal/service"
	"payment-engine/internal/util"
)

// Handler contains HTTP handlers
type Handler struct {
	orders       *service.OrderService
	deposits     *service.DepositService
	refunds      *service.RefundService
	orchestrator *service.NotificationOrchestrator
}

// NewHandler creates a new HTTP handler
func NewHandler(orders *service.OrderService, deposits *service.DepositService, refunds *service.RefundService, orchestrator *service.NotificationOrchestrator) *Handler {
	return &Handler{
		orders:       orders,
		deposits:     deposits,
		refunds:      refunds,
		orchestrator: orchestrator,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:ref", h.getOrder)
		v1.POST("/orders/:ref/ship", h.shipOrder)
		v1.POST("/orders/:ref/complete", h.completeOrder)
		v1.POST("/orders/:ref/cancel", h.cancelOrder)

		v1.POST("/deposits", h.createDeposit)
		v1.GET("/deposits", h.queryDeposit)
		v1.POST("/deposits/:ref/confirm", h.confirmDeposit)
		v1.POST("/deposits/refund", h.requestDepositRefund)

		v1.POST("/refunds", h.applyRefund)
		v1.GET("/refunds/:ref", h.getRefundDetail)
		v1.POST("/refunds/:ref/cancel", h.cancelRefund)
		v1.POST("/refunds/:ref/review", h.reviewRefund)
		v1.POST("/refunds/:ref/return", h.markReturned)
		v1.POST("/refunds/:ref/receipt", h.confirmReceipt)
	}

	webhooks := router.Group("/webhooks")
	{
		webhooks.POST("/payment", h.paymentWebhook)
		webhooks.POST("/refund", h.refundWebhook)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "details": err.Error()})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) listOrders(c *gin.Context) {
	payerID, err := strconv.ParseInt(c.Query("payer_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "details": "payer_id is required"})
		return
	}

	orders, err := h.orders.ListOrdersByPayer(c.Request.Context(), payerID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) getOrder(c *gin.Context) {
	order, items, err := h.orders.GetOrder(c.Request.Context(), c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order, "items": items})
}

func (h *Handler) shipOrder(c *gin.Context) {
	if err := h.orders.ShipOrder(c.Request.Context(), c.Param("ref"), operator(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.OrderStatusShipped})
}

func (h *Handler) completeOrder(c *gin.Context) {
	if err := h.orders.CompleteOrder(c.Request.Context(), c.Param("ref"), operator(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.OrderStatusCompleted})
}

func (h *Handler) cancelOrder(c *gin.Context) {
	if err := h.orders.CancelOrder(c.Request.Context(), c.Param("ref"), operator(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.OrderStatusCancelled})
}

func (h *Handler) createDeposit(c *gin.Context) {
	var req struct {
		PayerID int64 `json:"payer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "details": err.Error()})
		return
	}

	resp, err := h.deposits.CreateOrReuseDeposit(c.Request.Context(), req.PayerID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) queryDeposit(c *gin.Context) {
	payerID, err := strconv.ParseInt(c.Query("payer_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "details": "payer_id is required"})
		return
	}

	deposit, logs, err := h.deposits.QueryDeposit(c.Request.Context(), payerID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deposit": deposit, "log": logs})
}

func (h *Handler) confirmDeposit(c *gin.Context) {
	result, err := h.deposits.ConfirmDeposit(c.Request.Context(), c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (h *Handler) requestDepositRefund(c *gin.Context) {
	var req service.DepositRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "details": err.Error()})
		return
	}
	if req.Operator == "" {
		req.Operator = c.GetHeader("X-Operator")
	}

	refundRef, err := h.deposits.RequestDepositRefund(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"refund_ref": refundRef})
}

func (h *Handler) applyRefund(c *gin.Context) {
	var req service.ApplyRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "details": err.Error()})
		return
	}

	ref, err := h.refunds.ApplyRefund(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"refund_ref": ref})
}

func (h *Handler) getRefundDetail(c *gin.Context) {
	refund, logs, err := h.refunds.GetRefundDetail(c.Request.Context(), c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"refund": refund, "log": logs})
}

func (h *Handler) cancelRefund(c *gin.Context) {
	if err := h.refunds.CancelRefund(c.Request.Context(), c.Param("ref"), operator(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.RefundStatusCancelled})
}

func (h *Handler) reviewRefund(c *gin.Context) {
	var req struct {
		Approve bool   `json:"approve"`
		Remark  string `json:"remark,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "details": err.Error()})
		return
	}

	if err := h.refunds.ReviewRefund(c.Request.Context(), c.Param("ref"), req.Approve, operator(c), req.Remark); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": req.Approve})
}

func (h *Handler) markReturned(c *gin.Context) {
	var req struct {
		TrackingNo string `json:"tracking_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "details": err.Error()})
		return
	}

	if err := h.refunds.MarkReturned(c.Request.Context(), c.Param("ref"), req.TrackingNo); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.RefundStatusAwaitingReceipt})
}

func (h *Handler) confirmReceipt(c *gin.Context) {
	if err := h.refunds.ConfirmReceipt(c.Request.Context(), c.Param("ref"), operator(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.RefundStatusRefunding})
}

// paymentWebhook receives the gateway's asynchronous payment notification.
// Always answers 200 for a well-formed duplicate so the gateway stops
// retrying.
func (h *Handler) paymentWebhook(c *gin.Context) {
	var event models.PaymentNotificationEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "details": err.Error()})
		return
	}

	if err := h.orchestrator.HandlePaymentNotification(c.Request.Context(), &event); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) refundWebhook(c *gin.Context) {
	var event models.RefundNotificationEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "details": err.Error()})
		return
	}

	if err := h.orchestrator.HandleRefundNotification(c.Request.Context(), &event); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func operator(c *gin.Context) string {
	if op := c.GetHeader("X-Operator"); op != "" {
		return op
	}
	return "anonymous"
}

// writeError maps the error taxonomy to stable codes and HTTP statuses.
func writeError(c *gin.Context, err error) {
	code := "INTERNAL"
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, models.ErrInvalidInput):
		code, status = "INVALID_INPUT", http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition):
		code, status = "INVALID_TRANSITION", http.StatusConflict
	case errors.Is(err, models.ErrNotFound):
		code, status = "NOT_FOUND", http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		code, status = "CONFLICT", http.StatusConflict
	case errors.Is(err, models.ErrAlreadyActive):
		code, status = "ALREADY_ACTIVE", http.StatusConflict
	case errors.Is(err, models.ErrHasOpenWork):
		code, status = "HAS_OPEN_WORK", http.StatusConflict
	case errors.Is(err, models.ErrGatewayUnknown):
		code, status = "GATEWAY_UNKNOWN", http.StatusBadGateway
	case errors.Is(err, models.ErrGatewayFailed):
		code, status = "GATEWAY_FAILED", http.StatusBadGateway
	}

	c.JSON(status, gin.H{"code": code, "details": err.Error()})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

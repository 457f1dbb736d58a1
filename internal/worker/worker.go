package worker

import (
	"context"
	"log"
	"time"

	"payment-engine/internal/broker"
	"payment-engine/internal/redisclient"
	"payment-engine/internal/service"
)

// NotificationWorker consumes asynchronous gateway notifications from the
// queue and funnels them into the reconciliation paths. Redelivery after a
// handler error is safe because every transition is conditional.
type NotificationWorker struct {
	consumer     *broker.Consumer
	handler      *broker.NotificationHandler
	orchestrator *service.NotificationOrchestrator
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, orchestrator *service.NotificationOrchestrator) *NotificationWorker {
	handler := broker.NewNotificationHandler()

	handler.OnPaymentNotification(orchestrator.HandlePaymentNotification)
	handler.OnRefundNotification(orchestrator.HandleRefundNotification)

	return &NotificationWorker{
		consumer:     consumer,
		handler:      handler,
		orchestrator: orchestrator,
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	log.Println("Starting notification worker...")
	return w.consumer.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	log.Println("Stopping notification worker...")
	return w.consumer.Close()
}

// ExpirySweeper periodically closes stale unpaid orders. Overlapping runs
// are safe (each record's conditional write prevents double-processing);
// the redis lock only avoids wasted duplicate scans.
type ExpirySweeper struct {
	orders   *service.OrderService
	redis    *redisclient.Client
	interval time.Duration
	window   time.Duration
}

// NewExpirySweeper creates a new expiry sweeper
func NewExpirySweeper(orders *service.OrderService, redis *redisclient.Client, interval, window time.Duration) *ExpirySweeper {
	return &ExpirySweeper{
		orders:   orders,
		redis:    redis,
		interval: interval,
		window:   window,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (es *ExpirySweeper) Start(ctx context.Context) {
	log.Printf("Starting expiry sweeper: interval=%s, window=%s", es.interval, es.window)

	ticker := time.NewTicker(es.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Expiry sweeper stopped")
			return
		case <-ticker.C:
			es.sweep(ctx)
		}
	}
}

func (es *ExpirySweeper) sweep(ctx context.Context) {
	acquired, err := es.redis.AcquireLock(ctx, "expiry-sweep", es.interval)
	if err != nil {
		log.Printf("Sweep lock unavailable, running anyway: %v", err)
	} else if !acquired {
		return
	}
	defer func() {
		if err := es.redis.ReleaseLock(ctx, "expiry-sweep"); err != nil {
			log.Printf("Failed to release sweep lock: %v", err)
		}
	}()

	closed, err := es.orders.ExpireStaleOrders(ctx, time.Now(), es.window)
	if err != nil {
		log.Printf("Expiry sweep failed: %v", err)
		return
	}
	if closed > 0 {
		log.Printf("Expiry sweep closed %d stale orders", closed)
	}
}

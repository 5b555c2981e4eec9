package worker

import (
	"context"
	"time"

	"order-engine/internal/broker"
	"order-engine/internal/models"
	"order-engine/internal/util"

	"go.uber.org/zap"
)

// Sender delivers a notification to the buyer.
type Sender interface {
	Send(ctx context.Context, event *models.NotificationEvent) error
}

// LogSender writes notifications to the log. It stands in for an email or
// push provider.
type LogSender struct{}

func (LogSender) Send(_ context.Context, event *models.NotificationEvent) error {
	util.GetLogger().Info("Buyer notification",
		zap.String("kind", event.EventType),
		zap.String("buyer_id", event.BuyerID),
		zap.String("order_id", event.Payload.OrderID),
		zap.String("order_number", event.Payload.OrderNumber),
		zap.String("status", string(event.Payload.Status)),
		zap.String("total", event.Payload.Total.StringFixed(2)),
		zap.String("reason", event.Payload.Reason))
	return nil
}

// NotificationWorker consumes order events and hands them to a Sender.
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	sender       Sender
	timeout      time.Duration
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, sender Sender, timeout time.Duration) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		sender:       sender,
		timeout:      timeout,
	}
	w.eventHandler.OnNotification(w.deliver)
	return w
}

func (w *NotificationWorker) deliver(ctx context.Context, event *models.NotificationEvent) error {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	if err := w.sender.Send(ctx, event); err != nil {
		util.NotificationFailuresTotal.WithLabelValues(event.EventType).Inc()
		return err
	}
	return nil
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	util.GetLogger().Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	util.GetLogger().Info("Stopping notification worker")
	return w.consumer.Close()
}

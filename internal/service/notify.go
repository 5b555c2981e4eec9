package service

import (
	"context"
	"sync"
	"time"

	"order-engine/internal/models"
	"order-engine/internal/util"

	"go.uber.org/zap"
)

// Notifier is the Notification Dispatcher's publishing side.
type Notifier interface {
	Notify(ctx context.Context, buyerID, kind string, payload models.NotificationPayload) error
}

// Dispatcher sends notifications in the background. A slow or failing
// notifier never reaches back into the caller.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewDispatcher returns a Dispatcher. A nil notifier drops every notification.
func NewDispatcher(notifier Notifier, timeout time.Duration) *Dispatcher {
	return &Dispatcher{notifier: notifier, timeout: timeout}
}

// Dispatch notifies the buyer of order about kind.
func (d *Dispatcher) Dispatch(ctx context.Context, order *models.Order, kind, reason string) {
	if d == nil || d.notifier == nil {
		return
	}

	payload := models.NotificationPayload{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      order.Status,
		Total:       order.Pricing.Total,
		Currency:    order.Currency,
		Reason:      reason,
	}
	buyerID := order.BuyerID
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}

		if err := d.notifier.Notify(ctx, buyerID, kind, payload); err != nil {
			util.NotificationFailuresTotal.WithLabelValues(kind).Inc()
			util.LoggerWithTrace(ctx, util.GetLogger()).Warn("Failed to dispatch notification",
				zap.String("order_id", payload.OrderID),
				zap.String("kind", kind),
				zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (d *Dispatcher) Wait() {
	if d != nil {
		d.wg.Wait()
	}
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"order-engine/internal/models"
	"order-engine/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// NotificationPublisher is the Notification Dispatcher: it puts buyer
// notifications on the order events topic.
type NotificationPublisher struct {
	producer *Producer
}

// NewNotificationPublisher creates a new notification publisher
func NewNotificationPublisher(producer *Producer) *NotificationPublisher {
	return &NotificationPublisher{producer: producer}
}

// Notify publishes one notification of kind for buyerID.
func (np *NotificationPublisher) Notify(ctx context.Context, buyerID, kind string, payload models.NotificationPayload) error {
	event := &models.NotificationEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: kind,
			Timestamp: time.Now().UTC(),
		},
		BuyerID: buyerID,
		Payload: payload,
	}
	return np.producer.PublishEvent(ctx, "order-"+payload.OrderID, event)
}

var notificationKinds = map[string]struct{}{
	models.NotificationOrderConfirmed: {},
	models.NotificationOrderCancelled: {},
	models.NotificationOrderRefunded:  {},
	models.NotificationOrderShipped:   {},
	models.NotificationOrderDelivered: {},
	models.NotificationOrderReturned:  {},
}

// EventHandler handles incoming events
type EventHandler struct {
	onNotification func(context.Context, *models.NotificationEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnNotification registers a handler for buyer notification events
func (eh *EventHandler) OnNotification(handler func(context.Context, *models.NotificationEvent) error) {
	eh.onNotification = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	logger := util.GetLogger()
	logger.Debug("Handling event", zap.String("type", baseEvent.EventType), zap.String("id", baseEvent.EventID))

	if _, ok := notificationKinds[baseEvent.EventType]; !ok {
		logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
		return nil
	}
	if eh.onNotification == nil {
		return nil
	}

	var event models.NotificationEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal %s event: %w", baseEvent.EventType, err)
	}
	return eh.onNotification(ctx, &event)
}

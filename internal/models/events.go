package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Notification kinds
const (
	NotificationOrderConfirmed = "ORDER_CONFIRMED"
	NotificationOrderCancelled = "ORDER_CANCELLED"
	NotificationOrderRefunded  = "ORDER_REFUNDED"
	NotificationOrderShipped   = "ORDER_SHIPPED"
	NotificationOrderDelivered = "ORDER_DELIVERED"
	NotificationOrderReturned  = "ORDER_RETURNED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationPayload carries the order facts a buyer notification needs.
type NotificationPayload struct {
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	Status      OrderStatus     `json:"status"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
	Reason      string          `json:"reason,omitempty"`
}

// NotificationEvent is published on the order events topic for the notification worker.
type NotificationEvent struct {
	BaseEvent
	BuyerID string              `json:"buyer_id"`
	Payload NotificationPayload `json:"payload"`
}

// PaymentOutcomeEvent is a gateway-reported result, already mapped onto the
// closed Outcome set. It is folded into Order.Payment and never stored alone.
type PaymentOutcomeEvent struct {
	EventID         string          `json:"event_id,omitempty"`
	GatewayHandleID string          `json:"gateway_handle_id"`
	Outcome         Outcome         `json:"outcome"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Timestamp       time.Time       `json:"timestamp"`
}

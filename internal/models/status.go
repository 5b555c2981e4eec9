package models

import "fmt"

// OrderStatus is the top-level lifecycle state of an order. Line items use the
// same set of values for their per-seller fulfillment state.
type OrderStatus string

// remember to add new statuses to validOrderStatuses and the transition tables
const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusReturned   OrderStatus = "returned"
)

var validOrderStatuses = map[OrderStatus]struct{}{
	OrderStatusPending:    {},
	OrderStatusConfirmed:  {},
	OrderStatusProcessing: {},
	OrderStatusShipped:    {},
	OrderStatusDelivered:  {},
	OrderStatusCancelled:  {},
	OrderStatusReturned:   {},
}

// statusTransitions drives UpdateStatus. delivered is terminal here: the
// return flow has its own operation.
var statusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// CancellableStatuses are the states a buyer or admin may cancel from.
var CancellableStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
}

// ToOrderStatus parses s into a known OrderStatus.
func ToOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if _, ok := validOrderStatuses[status]; ok {
		return status, nil
	}
	return "", fmt.Errorf("invalid order status %q", s)
}

// OrderStatuses returns every known status in lifecycle order.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusConfirmed,
		OrderStatusProcessing,
		OrderStatusShipped,
		OrderStatusDelivered,
		OrderStatusCancelled,
		OrderStatusReturned,
	}
}

// IsTerminal reports whether no UpdateStatus transition leaves s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusReturned:
		return true
	}
	return false
}

// CanTransition reports whether the transition table allows from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsCancellable reports whether an order in s may still be cancelled.
func (s OrderStatus) IsCancellable() bool {
	for _, c := range CancellableStatuses {
		if c == s {
			return true
		}
	}
	return false
}

// rank orders the forward fulfillment path; cancelled and returned have none.
func (s OrderStatus) rank() int {
	switch s {
	case OrderStatusPending:
		return 1
	case OrderStatusConfirmed:
		return 2
	case OrderStatusProcessing:
		return 3
	case OrderStatusShipped:
		return 4
	case OrderStatusDelivered:
		return 5
	}
	return 0
}

// Before reports whether s comes strictly earlier than other on the forward path.
func (s OrderStatus) Before(other OrderStatus) bool {
	return s.rank() > 0 && other.rank() > 0 && s.rank() < other.rank()
}

// Next returns the following status on the forward fulfillment path.
func (s OrderStatus) Next() (OrderStatus, bool) {
	switch s {
	case OrderStatusPending:
		return OrderStatusConfirmed, true
	case OrderStatusConfirmed:
		return OrderStatusProcessing, true
	case OrderStatusProcessing:
		return OrderStatusShipped, true
	case OrderStatusShipped:
		return OrderStatusDelivered, true
	}
	return "", false
}

// PaymentStatus is the state of the payment sub-record.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusSucceeded  PaymentStatus = "succeeded"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// IsTerminal reports whether the gateway has reported a final outcome.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

// Outcome is the closed set of results a payment attempt can reach. Gateway
// payloads are mapped onto it at the boundary.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRefunded  Outcome = "refunded"
)

// ToOutcome parses s into an Outcome.
func ToOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeCancelled, OutcomeRefunded:
		return o, nil
	}
	return "", fmt.Errorf("invalid payment outcome %q", s)
}

// PaymentStatus is the payment status an outcome settles into.
func (o Outcome) PaymentStatus() PaymentStatus {
	switch o {
	case OutcomeSucceeded:
		return PaymentStatusSucceeded
	case OutcomeFailed:
		return PaymentStatusFailed
	case OutcomeCancelled:
		return PaymentStatusCancelled
	case OutcomeRefunded:
		return PaymentStatusRefunded
	}
	return ""
}

// PaymentMethod selects how the buyer pays.
type PaymentMethod string

const (
	PaymentMethodCard           PaymentMethod = "card"
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
)

// ToPaymentMethod parses s into a PaymentMethod.
func ToPaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(s); m {
	case PaymentMethodCard, PaymentMethodCashOnDelivery:
		return m, nil
	}
	return "", fmt.Errorf("invalid payment method %q", s)
}

// Channel identifies which trigger delivered a payment outcome.
type Channel string

const (
	ChannelClient  Channel = "client"
	ChannelWebhook Channel = "webhook"
)

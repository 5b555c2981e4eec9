package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-engine/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrProductNotFound  = errors.New("product not found")
	ErrLineItemNotFound = errors.New("line item not found")
)

// Repository is the Order Store: the single source of truth for order state.
// Every state change goes through WithTx so that compare-and-set, history
// append and stock arithmetic commit together.
type Repository interface {
	// CreateOrder persists a new order and assigns OrderNumber, Version and timestamps.
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderByGatewayHandle(ctx context.Context, handleID string) (*models.Order, error)
	ListOrdersByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]*models.Order, error)
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of writes available inside a store transaction.
type Tx interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	// ApplyTransition is a conditional update: it writes only when the order's
	// current payment and order status are among the From sets. It reports
	// whether the row was updated.
	ApplyTransition(ctx context.Context, orderID string, t Transition) (bool, error)
	AppendHistory(ctx context.Context, orderID string, entry models.StatusEntry) error
	// MarkInventoryApplied flips inventory_applied false -> true and reports whether it did.
	MarkInventoryApplied(ctx context.Context, orderID string) (bool, error)
	// MarkInventoryReversed flips inventory_reversed for an applied order and reports whether it did.
	MarkInventoryReversed(ctx context.Context, orderID string) (bool, error)
	// AdjustStock adds delta to the product's available quantity in one
	// arithmetic update and returns the new quantity. There is no zero floor.
	AdjustStock(ctx context.Context, productID string, delta int) (int, error)
	// ReplaceItem overwrites the mutable fields (commission, status, tracking)
	// of the line item with item.ID.
	ReplaceItem(ctx context.Context, orderID string, item models.LineItem) error
	// GetSellerCommissionRates reads the sellers' current rates inside the transaction.
	GetSellerCommissionRates(ctx context.Context, sellerIDs []string) (map[string]decimal.Decimal, error)
}

// Transition describes a guarded order update. Empty From sets match any value.
type Transition struct {
	FromPayment []models.PaymentStatus
	FromOrder   []models.OrderStatus
	Payment     *PaymentChange
	Order       *OrderChange
	At          time.Time
}

// PaymentChange lists the payment fields to write. Zero values are left untouched.
type PaymentChange struct {
	Status        models.PaymentStatus
	TransactionID string
	PaidAt        *time.Time
	RefundedAt    *time.Time
	RefundAmount  decimal.NullDecimal
}

// OrderChange moves the top-level status. Entering delivered or cancelled
// stamps DeliveredAt or CancelledAt with Transition.At.
type OrderChange struct {
	Status             models.OrderStatus
	CancellationReason string
	ReturnStatus       string
}

func paymentMatches(s models.PaymentStatus, from []models.PaymentStatus) bool {
	if len(from) == 0 {
		return true
	}
	for _, f := range from {
		if f == s {
			return true
		}
	}
	return false
}

func orderMatches(s models.OrderStatus, from []models.OrderStatus) bool {
	if len(from) == 0 {
		return true
	}
	for _, f := range from {
		if f == s {
			return true
		}
	}
	return false
}

// applyTo writes the transition onto an in-memory order. The caller has
// already checked the From conditions.
func (t Transition) applyTo(o *models.Order) {
	if p := t.Payment; p != nil {
		o.Payment.Status = p.Status
		if p.TransactionID != "" {
			o.Payment.TransactionID = p.TransactionID
		}
		if p.PaidAt != nil {
			v := *p.PaidAt
			o.Payment.PaidAt = &v
		}
		if p.RefundedAt != nil {
			v := *p.RefundedAt
			o.Payment.RefundedAt = &v
		}
		if p.RefundAmount.Valid {
			o.Payment.RefundAmount = p.RefundAmount
		}
	}
	if c := t.Order; c != nil {
		o.Status = c.Status
		at := t.At
		switch c.Status {
		case models.OrderStatusDelivered:
			o.DeliveredAt = &at
		case models.OrderStatusCancelled:
			o.CancelledAt = &at
		}
		if c.CancellationReason != "" {
			o.CancellationReason = c.CancellationReason
		}
		if c.ReturnStatus != "" {
			o.ReturnStatus = c.ReturnStatus
		}
	}
	o.Version++
	o.UpdatedAt = t.At
}

// FormatOrderNumber renders the display code for the n-th order created on day.
func FormatOrderNumber(day time.Time, n int64) string {
	return fmt.Sprintf("ORD-%s-%06d", day.UTC().Format("20060102"), n)
}

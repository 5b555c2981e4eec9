package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Actors recorded on history entries for non-human transitions.
const (
	ActorSystem  = "system"
	ActorGateway = "gateway"
)

// Address is a postal address captured at checkout.
type Address struct {
	FullName   string `json:"full_name" validate:"required"`
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code" validate:"required"`
	Country    string `json:"country" validate:"required,len=2"`
	Phone      string `json:"phone,omitempty"`
}

// Pricing is the buyer-facing price breakdown, fixed at creation.
type Pricing struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Shipping decimal.Decimal `json:"shipping"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
}

// Payment is the order's payment sub-record.
type Payment struct {
	Method          PaymentMethod       `json:"method"`
	Status          PaymentStatus       `json:"status"`
	GatewayHandleID string              `json:"gateway_handle_id,omitempty"`
	TransactionID   string              `json:"transaction_id,omitempty"`
	PaidAt          *time.Time          `json:"paid_at,omitempty"`
	RefundedAt      *time.Time          `json:"refunded_at,omitempty"`
	RefundAmount    decimal.NullDecimal `json:"refund_amount"`
}

// TrackingInfo is the carrier reference a seller attaches to a shipped item.
type TrackingInfo struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
	URL            string `json:"url,omitempty"`
}

// LineItem is one product entry of an order. It has no lifecycle outside its order.
type LineItem struct {
	ID           string          `json:"id"`
	ProductID    string          `json:"product_id"`
	SellerID     string          `json:"seller_id"`
	Name         string          `json:"name"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Quantity     int             `json:"quantity"`
	Commission   decimal.Decimal `json:"commission"`
	Status       OrderStatus     `json:"status"`
	TrackingInfo *TrackingInfo   `json:"tracking_info,omitempty"`
}

// LineTotal is unit price times quantity.
func (li LineItem) LineTotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// StatusEntry is one row of the append-only status history.
type StatusEntry struct {
	Status    OrderStatus `json:"status"`
	Note      string      `json:"note"`
	Actor     string      `json:"actor"`
	TraceID   string      `json:"trace_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Order is the aggregate root of a purchase.
type Order struct {
	ID                 string        `json:"id"`
	OrderNumber        string        `json:"order_number"`
	BuyerID            string        `json:"buyer_id"`
	Items              []LineItem    `json:"items"`
	ShippingAddress    Address       `json:"shipping_address"`
	BillingAddress     *Address      `json:"billing_address,omitempty"`
	Pricing            Pricing       `json:"pricing"`
	PromoCode          string        `json:"promo_code,omitempty"`
	Currency           string        `json:"currency"`
	Payment            Payment       `json:"payment"`
	Status             OrderStatus   `json:"order_status"`
	StatusHistory      []StatusEntry `json:"status_history"`
	InventoryApplied   bool          `json:"inventory_applied"`
	InventoryReversed  bool          `json:"inventory_reversed"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	ReturnStatus       string        `json:"return_status,omitempty"`
	DeliveredAt        *time.Time    `json:"delivered_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	Version            int64         `json:"version"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Item returns the line item with the given id.
func (o *Order) Item(itemID string) (LineItem, bool) {
	for _, it := range o.Items {
		if it.ID == itemID {
			return it, true
		}
	}
	return LineItem{}, false
}

// ReplaceItem swaps the line item carrying item.ID for item.
func (o *Order) ReplaceItem(item LineItem) error {
	for i := range o.Items {
		if o.Items[i].ID == item.ID {
			o.Items[i] = item
			return nil
		}
	}
	return fmt.Errorf("line item %s not found in order %s", item.ID, o.ID)
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = make([]LineItem, len(o.Items))
	for i, it := range o.Items {
		if it.TrackingInfo != nil {
			ti := *it.TrackingInfo
			it.TrackingInfo = &ti
		}
		c.Items[i] = it
	}
	c.StatusHistory = append([]StatusEntry(nil), o.StatusHistory...)
	if o.BillingAddress != nil {
		ba := *o.BillingAddress
		c.BillingAddress = &ba
	}
	c.Payment.PaidAt = cloneTime(o.Payment.PaidAt)
	c.Payment.RefundedAt = cloneTime(o.Payment.RefundedAt)
	c.DeliveredAt = cloneTime(o.DeliveredAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ProductSnapshot is what the catalog reports for a product at read time.
type ProductSnapshot struct {
	ProductID            string          `db:"product_id" json:"product_id"`
	SellerID             string          `db:"seller_id" json:"seller_id"`
	Name                 string          `db:"name" json:"name"`
	Price                decimal.Decimal `db:"price" json:"price"`
	SellerCommissionRate decimal.Decimal `db:"commission_rate" json:"seller_commission_rate"`
	AvailableQuantity    int             `db:"available_quantity" json:"available_quantity"`
}

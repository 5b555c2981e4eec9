// Package pricing computes the buyer-facing price breakdown of an order.
package pricing

import (
	"errors"
	"strings"

	"order-engine/internal/models"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of decimal places of the smallest currency unit.
const MoneyPlaces = 2

// ErrUnknownPromoCode is returned when the promo code is not in the discount table.
var ErrUnknownPromoCode = errors.New("unknown promo code")

var hundred = decimal.NewFromInt(100)

// Policy holds the flat pricing rules.
type Policy struct {
	TaxRatePercent        decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	ShippingFee           decimal.Decimal
	// PromoCodes maps upper-cased codes to a fixed discount amount.
	PromoCodes map[string]decimal.Decimal
}

// Quote prices items. The result is deterministic for the same snapshot and
// is never recomputed once stored on an order.
func (p Policy) Quote(items []models.LineItem, promoCode string) (models.Pricing, error) {
	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.LineTotal())
	}
	subtotal = RoundMoney(subtotal)

	shipping := RoundMoney(p.ShippingFee)
	if subtotal.GreaterThanOrEqual(p.FreeShippingThreshold) {
		shipping = decimal.Zero
	}

	tax := RoundMoney(subtotal.Mul(p.TaxRatePercent).Div(hundred))

	discount := decimal.Zero
	if code := NormalizePromoCode(promoCode); code != "" {
		d, ok := p.PromoCodes[code]
		if !ok {
			return models.Pricing{}, ErrUnknownPromoCode
		}
		discount = RoundMoney(d)
	}

	gross := subtotal.Add(tax).Add(shipping)
	if discount.GreaterThan(gross) {
		discount = gross
	}

	return models.Pricing{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Discount: discount,
		Total:    gross.Sub(discount),
	}, nil
}

// NormalizePromoCode trims and upper-cases a promo code.
func NormalizePromoCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// RoundMoney rounds half-up to the smallest currency unit.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// Package commission derives the marketplace fee of each line item from the
// owning seller's commission rate.
package commission

import (
	"fmt"

	"order-engine/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Compute returns a copy of items with Commission set to
// unitPrice * quantity * rate(seller) / 100, rounded half-up to the smallest
// currency unit. Pricing totals are not touched: commission is payout
// metadata, not part of what the buyer pays.
func Compute(items []models.LineItem, sellerRates map[string]decimal.Decimal) ([]models.LineItem, error) {
	out := make([]models.LineItem, len(items))
	for i, it := range items {
		rate, ok := sellerRates[it.SellerID]
		if !ok {
			return nil, fmt.Errorf("no commission rate for seller %s", it.SellerID)
		}
		if rate.IsNegative() {
			return nil, fmt.Errorf("negative commission rate %s for seller %s", rate, it.SellerID)
		}
		it.Commission = it.LineTotal().Mul(rate).Div(hundred).Round(2)
		out[i] = it
	}
	return out, nil
}

// Total sums the commission of items.
func Total(items []models.LineItem) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.Commission)
	}
	return sum
}

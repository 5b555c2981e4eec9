// Package inventory applies signed stock deltas for an order's line items.
package inventory

import (
	"context"
	"fmt"
	"sort"

	"order-engine/internal/models"
	"order-engine/internal/util"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// StockError is a warning: an adjustment left a product below zero. It never
// aborts the transaction that produced it.
type StockError struct {
	ProductID string
	Quantity  int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("stock for product %s is negative after adjustment: %d", e.ProductID, e.Quantity)
}

// Adjuster is the atomic storage-layer stock update, normally a store.Tx.
type Adjuster interface {
	AdjustStock(ctx context.Context, productID string, delta int) (int, error)
}

// Mirror receives committed adjustments, e.g. the Redis stock cache.
type Mirror interface {
	AdjustStock(ctx context.Context, productID string, delta int) (int64, bool, error)
}

// Adjustment is one applied per-product delta and the resulting quantity.
type Adjustment struct {
	ProductID string
	Delta     int
	Quantity  int
}

// Result collects the adjustments of one ApplyItems call.
type Result struct {
	Adjustments []Adjustment
	Warnings    []*StockError
}

// Sign selects whether line item quantities are taken or given back.
type Sign int

const (
	Decrement Sign = -1
	Restore   Sign = 1
)

type Mutator struct {
	mirror Mirror
}

// NewMutator returns a Mutator. mirror may be nil.
func NewMutator(mirror Mirror) *Mutator {
	return &Mutator{mirror: mirror}
}

// Apply adjusts one product. A negative result is returned as *StockError
// together with the new quantity; any other error is fatal for the caller's
// transaction.
func (m *Mutator) Apply(ctx context.Context, adj Adjuster, productID string, delta int) (int, error) {
	qty, err := adj.AdjustStock(ctx, productID, delta)
	if err != nil {
		return 0, err
	}
	if qty < 0 {
		return qty, &StockError{ProductID: productID, Quantity: qty}
	}
	return qty, nil
}

// ApplyItems applies sign*quantity for every line item. Quantities of the same
// product are summed and products are visited in id order so concurrent
// transactions lock rows in the same sequence.
func (m *Mutator) ApplyItems(ctx context.Context, adj Adjuster, items []models.LineItem, sign Sign) (Result, error) {
	deltas := make(map[string]int, len(items))
	for _, it := range items {
		deltas[it.ProductID] += int(sign) * it.Quantity
	}
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var res Result
	for _, id := range ids {
		qty, err := m.Apply(ctx, adj, id, deltas[id])
		if err != nil {
			stockErr, ok := err.(*StockError)
			if !ok {
				return Result{}, fmt.Errorf("adjust stock for %s: %w", id, err)
			}
			res.Warnings = append(res.Warnings, stockErr)
		}
		res.Adjustments = append(res.Adjustments, Adjustment{ProductID: id, Delta: deltas[id], Quantity: qty})
	}
	return res, nil
}

// Publish reports a committed Result: negative stock is logged for manual
// reconciliation and the mirror is brought in line. Mirror failures are
// logged and returned combined; they never affect the committed state.
func (m *Mutator) Publish(ctx context.Context, orderID string, res Result) error {
	logger := util.LoggerWithTrace(ctx, util.GetLogger())
	for _, w := range res.Warnings {
		util.StockWarningsTotal.Inc()
		logger.Warn("Stock inconsistency after confirmation",
			zap.String("order_id", orderID),
			zap.String("product_id", w.ProductID),
			zap.Int("available_quantity", w.Quantity))
	}

	if m.mirror == nil {
		return nil
	}

	var errs error
	for _, a := range res.Adjustments {
		if _, _, err := m.mirror.AdjustStock(ctx, a.ProductID, a.Delta); err != nil {
			util.StockMirrorFailuresTotal.Inc()
			errs = multierr.Append(errs, fmt.Errorf("mirror %s: %w", a.ProductID, err))
		}
	}
	if errs != nil {
		logger.Warn("Failed to update stock mirror", zap.String("order_id", orderID), zap.Error(errs))
	}
	return errs
}

// Seeder writes authoritative quantities into the mirror.
type Seeder interface {
	InitStock(ctx context.Context, productID string, available int) error
}

// SyncMirror copies stock into the mirror, e.g. at startup. Every product is
// attempted; failures are returned combined.
func SyncMirror(ctx context.Context, stock map[string]int, seeder Seeder) error {
	var errs error
	for id, qty := range stock {
		if err := seeder.InitStock(ctx, id, qty); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("seed %s: %w", id, err))
		}
	}
	return errs
}

package inventory

import (
	"context"
	"errors"
	"testing"

	"order-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type fakeAdjuster struct {
	stock map[string]int
	calls []string
	fail  string
}

func (f *fakeAdjuster) AdjustStock(_ context.Context, productID string, delta int) (int, error) {
	f.calls = append(f.calls, productID)
	if productID == f.fail {
		return 0, errors.New("connection reset")
	}
	f.stock[productID] += delta
	return f.stock[productID], nil
}

type fakeMirror struct {
	deltas map[string]int
	fail   bool
}

func (f *fakeMirror) AdjustStock(_ context.Context, productID string, delta int) (int64, bool, error) {
	if f.fail {
		return 0, false, errors.New("redis down")
	}
	f.deltas[productID] += delta
	return int64(f.deltas[productID]), true, nil
}

func items() []models.LineItem {
	return []models.LineItem{
		{ProductID: "p2", Quantity: 2},
		{ProductID: "p1", Quantity: 1},
		{ProductID: "p2", Quantity: 3},
	}
}

func TestApplyItemsAggregatesAndOrders(t *testing.T) {
	adj := &fakeAdjuster{stock: map[string]int{"p1": 10, "p2": 10}}
	m := NewMutator(nil)

	res, err := m.ApplyItems(t.Context(), adj, items(), Decrement)
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p2"}, adj.calls)
	assert.Equal(t, []Adjustment{
		{ProductID: "p1", Delta: -1, Quantity: 9},
		{ProductID: "p2", Delta: -5, Quantity: 5},
	}, res.Adjustments)
	assert.Empty(t, res.Warnings)

	_, err = m.ApplyItems(t.Context(), adj, items(), Restore)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"p1": 10, "p2": 10}, adj.stock)
}

func TestApplyItemsNegativeIsWarning(t *testing.T) {
	adj := &fakeAdjuster{stock: map[string]int{"p1": 0, "p2": 4}}

	res, err := NewMutator(nil).ApplyItems(t.Context(), adj, items(), Decrement)
	require.NoError(t, err)

	require.Len(t, res.Warnings, 2)
	assert.Equal(t, &StockError{ProductID: "p2", Quantity: -1}, res.Warnings[1])
	assert.Equal(t, -1, adj.stock["p2"])
}

func TestApplyItemsStorageErrorIsFatal(t *testing.T) {
	adj := &fakeAdjuster{stock: map[string]int{"p1": 10, "p2": 10}, fail: "p2"}

	_, err := NewMutator(nil).ApplyItems(t.Context(), adj, items(), Decrement)
	assert.ErrorContains(t, err, "connection reset")
}

func TestPublishMirrors(t *testing.T) {
	mirror := &fakeMirror{deltas: map[string]int{}}
	res := Result{Adjustments: []Adjustment{{ProductID: "p1", Delta: -2}, {ProductID: "p2", Delta: -1}}}

	require.NoError(t, NewMutator(mirror).Publish(t.Context(), "o1", res))
	assert.Equal(t, map[string]int{"p1": -2, "p2": -1}, mirror.deltas)
}

func TestPublishCombinesMirrorErrors(t *testing.T) {
	mirror := &fakeMirror{fail: true}
	res := Result{Adjustments: []Adjustment{{ProductID: "p1", Delta: -2}, {ProductID: "p2", Delta: -1}}}

	err := NewMutator(mirror).Publish(t.Context(), "o1", res)
	assert.Len(t, multierr.Errors(err), 2)
}

type fakeSeeder struct {
	seeded map[string]int
	fail   string
}

func (f *fakeSeeder) InitStock(_ context.Context, productID string, available int) error {
	if productID == f.fail {
		return errors.New("READONLY replica")
	}
	f.seeded[productID] = available
	return nil
}

func TestSyncMirrorSeedsEveryProduct(t *testing.T) {
	seeder := &fakeSeeder{seeded: map[string]int{}, fail: "p3"}

	err := SyncMirror(t.Context(), map[string]int{"p1": 4, "p2": 0, "p3": 7}, seeder)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.Equal(t, map[string]int{"p1": 4, "p2": 0}, seeder.seeded)
}

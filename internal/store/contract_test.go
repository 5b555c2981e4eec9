package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"order-engine/internal/models"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// catalogSeeder is implemented by both drivers.
type catalogSeeder interface {
	UpsertSeller(ctx context.Context, sellerID string, rate decimal.Decimal) error
	UpsertProduct(ctx context.Context, p models.ProductSnapshot) error
	GetProduct(ctx context.Context, productID string) (*models.ProductSnapshot, error)
	ProductStock(ctx context.Context) (map[string]int, error)
}

type storeUnderTest interface {
	Repository
	catalogSeeder
}

// runRepositoryContract exercises the behavior both drivers must share.
func runRepositoryContract(t *testing.T, s storeUnderTest) {
	t.Run("create and get", func(t *testing.T) { testCreateAndGet(t, s) })
	t.Run("get missing", func(t *testing.T) { testGetMissing(t, s) })
	t.Run("get by gateway handle", func(t *testing.T) { testGetByHandle(t, s) })
	t.Run("list by status", func(t *testing.T) { testListByStatus(t, s) })
	t.Run("transition guards", func(t *testing.T) { testTransitionGuards(t, s) })
	t.Run("concurrent transition has one winner", func(t *testing.T) { testConcurrentTransition(t, s) })
	t.Run("rollback discards everything", func(t *testing.T) { testRollback(t, s) })
	t.Run("inventory flags", func(t *testing.T) { testInventoryFlags(t, s) })
	t.Run("stock has no floor", func(t *testing.T) { testStockNoFloor(t, s) })
	t.Run("replace item", func(t *testing.T) { testReplaceItem(t, s) })
	t.Run("product stock", func(t *testing.T) { testProductStock(t, s) })
}

func seedProduct(t *testing.T, s catalogSeeder, qty int) models.ProductSnapshot {
	t.Helper()
	ctx := t.Context()

	sellerID := "seller-" + gofakeit.UUID()
	require.NoError(t, s.UpsertSeller(ctx, sellerID, decimal.NewFromInt(10)))

	p := models.ProductSnapshot{
		ProductID:         "prod-" + gofakeit.UUID(),
		SellerID:          sellerID,
		Name:              gofakeit.ProductName(),
		Price:             decimal.RequireFromString("25.50"),
		AvailableQuantity: qty,
	}
	require.NoError(t, s.UpsertProduct(ctx, p))
	return p
}

func fakeOrder(p models.ProductSnapshot, qty int) *models.Order {
	item := models.LineItem{
		ID:         uuid.NewString(),
		ProductID:  p.ProductID,
		SellerID:   p.SellerID,
		Name:       p.Name,
		UnitPrice:  p.Price,
		Quantity:   qty,
		Commission: decimal.Zero,
		Status:     models.OrderStatusPending,
	}
	subtotal := item.LineTotal()
	return &models.Order{
		ID:      uuid.NewString(),
		BuyerID: "buyer-" + gofakeit.UUID(),
		Items:   []models.LineItem{item},
		ShippingAddress: models.Address{
			FullName:   gofakeit.Name(),
			Line1:      gofakeit.Street(),
			City:       gofakeit.City(),
			PostalCode: gofakeit.Zip(),
			Country:    "US",
		},
		Pricing: models.Pricing{
			Subtotal: subtotal,
			Tax:      decimal.Zero,
			Shipping: decimal.Zero,
			Discount: decimal.Zero,
			Total:    subtotal,
		},
		Currency: "usd",
		Payment: models.Payment{
			Method:          models.PaymentMethodCard,
			Status:          models.PaymentStatusProcessing,
			GatewayHandleID: "pi_" + gofakeit.LetterN(16),
		},
		Status: models.OrderStatusPending,
		StatusHistory: []models.StatusEntry{{
			Status:    models.OrderStatusPending,
			Note:      "Order created",
			Actor:     "buyer",
			Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		}},
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func createOrder(t *testing.T, s storeUnderTest, qty int) (*models.Order, models.ProductSnapshot) {
	t.Helper()
	p := seedProduct(t, s, 10)
	o := fakeOrder(p, qty)
	require.NoError(t, s.CreateOrder(t.Context(), o))
	return o, p
}

var orderCmpOpts = []cmp.Option{
	cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) }),
	cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) }),
	cmpopts.EquateEmpty(),
}

func testCreateAndGet(t *testing.T, s storeUnderTest) {
	o, _ := createOrder(t, s, 2)

	assert.Regexp(t, `^ORD-\d{8}-\d{6}$`, o.OrderNumber)
	assert.Equal(t, int64(1), o.Version)

	got, err := s.GetOrder(t.Context(), o.ID)
	require.NoError(t, err)

	if diff := cmp.Diff(o, got, orderCmpOpts...); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func testGetMissing(t *testing.T, s storeUnderTest) {
	_, err := s.GetOrder(t.Context(), uuid.NewString())
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = s.GetOrderByGatewayHandle(t.Context(), "pi_unknown")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = s.GetProduct(t.Context(), "no-such-product")
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func testGetByHandle(t *testing.T, s storeUnderTest) {
	o, _ := createOrder(t, s, 1)

	got, err := s.GetOrderByGatewayHandle(t.Context(), o.Payment.GatewayHandleID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
}

func testListByStatus(t *testing.T, s storeUnderTest) {
	ctx := t.Context()
	o, _ := createOrder(t, s, 1)

	err := s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.ApplyTransition(ctx, o.ID, Transition{
			Order: &OrderChange{Status: models.OrderStatusShipped},
		})
		return err
	})
	require.NoError(t, err)

	shipped, err := s.ListOrdersByStatus(ctx, models.OrderStatusShipped, 100)
	require.NoError(t, err)
	ids := make([]string, 0, len(shipped))
	for _, so := range shipped {
		assert.Equal(t, models.OrderStatusShipped, so.Status)
		ids = append(ids, so.ID)
	}
	assert.Contains(t, ids, o.ID)
}

func testTransitionGuards(t *testing.T, s storeUnderTest) {
	ctx := t.Context()
	o, _ := createOrder(t, s, 1)
	paidAt := time.Now().UTC().Truncate(time.Microsecond)

	confirm := Transition{
		FromPayment: []models.PaymentStatus{models.PaymentStatusProcessing},
		FromOrder:   []models.OrderStatus{models.OrderStatusPending},
		Payment:     &PaymentChange{Status: models.PaymentStatusSucceeded, TransactionID: "ch_1", PaidAt: &paidAt},
		Order:       &OrderChange{Status: models.OrderStatusConfirmed},
	}

	var first, second bool
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		var err error
		first, err = tx.ApplyTransition(ctx, o.ID, confirm)
		return err
	}))
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		var err error
		second, err = tx.ApplyTransition(ctx, o.ID, confirm)
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, got.Status)
	assert.Equal(t, models.PaymentStatusSucceeded, got.Payment.Status)
	assert.Equal(t, "ch_1", got.Payment.TransactionID)
	require.NotNil(t, got.Payment.PaidAt)
	assert.True(t, paidAt.Equal(*got.Payment.PaidAt))
	assert.Equal(t, int64(2), got.Version)
}

func testConcurrentTransition(t *testing.T, s storeUnderTest) {
	ctx := t.Context()
	o, _ := createOrder(t, s, 1)

	const workers = 8
	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx Tx) error {
				ok, err := tx.ApplyTransition(ctx, o.ID, Transition{
					FromPayment: []models.PaymentStatus{models.PaymentStatusProcessing},
					Payment:     &PaymentChange{Status: models.PaymentStatusSucceeded},
				})
				if ok {
					wins.Add(1)
				}
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func testRollback(t *testing.T, s storeUnderTest) {
	ctx := t.Context()
	o, p := createOrder(t, s, 3)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.ApplyTransition(ctx, o.ID, Transition{
			Order: &OrderChange{Status: models.OrderStatusConfirmed},
		}); err != nil {
			return err
		}
		if _, err := tx.MarkInventoryApplied(ctx, o.ID); err != nil {
			return err
		}
		if _, err := tx.AdjustStock(ctx, p.ProductID, -3); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, o.ID, models.StatusEntry{Status: models.OrderStatusConfirmed, Actor: "system"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
	assert.False(t, got.InventoryApplied)
	assert.Len(t, got.StatusHistory, 1)

	prod, err := s.GetProduct(ctx, p.ProductID)
	require.NoError(t, err)
	assert.Equal(t, 10, prod.AvailableQuantity)
}

func testInventoryFlags(t *testing.T, s storeUnderTest) {
	ctx := t.Context()
	o, _ := createOrder(t, s, 1)

	var results []bool
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		for _, step := range []func(context.Context, string) (bool, error){
			tx.MarkInventoryReversed,
			tx.MarkInventoryApplied,
			tx.MarkInventoryApplied,
			tx.MarkInventoryReversed,
			tx.MarkInventoryReversed,
		} {
			ok, err := step(ctx, o.ID)
			if err != nil {
				return err
			}
			results = append(results, ok)
		}
		return nil
	}))

	assert.Equal(t, []bool{false, true, false, true, false}, results)
}

func testStockNoFloor(t *testing.T, s storeUnderTest) {
	ctx := t.Context()
	p := seedProduct(t, s, 1)

	var qty int
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		var err error
		qty, err = tx.AdjustStock(ctx, p.ProductID, -3)
		return err
	}))
	assert.Equal(t, -2, qty)

	err := s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.AdjustStock(ctx, "no-such-product", 1)
		return err
	})
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func testReplaceItem(t *testing.T, s storeUnderTest) {
	ctx := t.Context()
	o, _ := createOrder(t, s, 2)

	item := o.Items[0]
	item.Status = models.OrderStatusShipped
	item.Commission = decimal.RequireFromString("5.10")
	item.TrackingInfo = &models.TrackingInfo{Carrier: "ups", TrackingNumber: "1Z999"}
	item.Quantity = 99

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		return tx.ReplaceItem(ctx, o.ID, item)
	}))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	stored := got.Items[0]
	assert.Equal(t, models.OrderStatusShipped, stored.Status)
	assert.True(t, stored.Commission.Equal(decimal.RequireFromString("5.10")))
	require.NotNil(t, stored.TrackingInfo)
	assert.Equal(t, "1Z999", stored.TrackingInfo.TrackingNumber)
	assert.Equal(t, 2, stored.Quantity, "quantity is fixed at creation")

	err = s.WithTx(ctx, func(tx Tx) error {
		return tx.ReplaceItem(ctx, o.ID, models.LineItem{ID: uuid.NewString()})
	})
	assert.ErrorIs(t, err, ErrLineItemNotFound)
}

func testProductStock(t *testing.T, s storeUnderTest) {
	p := seedProduct(t, s, 7)

	stock, err := s.ProductStock(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 7, stock[p.ProductID])
}

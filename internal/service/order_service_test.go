package service

import (
	"errors"
	"strings"
	"testing"

	"order-engine/internal/models"
	"order-engine/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, "60.00", 5, 10)

	resp := f.create(t, models.PaymentMethodCard, OrderItemRequest{ProductID: p.ProductID, Quantity: 2})
	order := resp.Order

	assert.True(t, strings.HasPrefix(order.OrderNumber, "ORD-"), order.OrderNumber)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, "usd", order.Currency)
	assert.Equal(t, "120", order.Pricing.Subtotal.String())
	assert.Equal(t, "12", order.Pricing.Tax.String())
	assert.True(t, order.Pricing.Shipping.IsZero())
	assert.Equal(t, "132", order.Pricing.Total.String())

	assert.Equal(t, models.PaymentStatusProcessing, order.Payment.Status)
	assert.Equal(t, "pi_"+order.ID, order.Payment.GatewayHandleID)
	assert.Equal(t, "pi_"+order.ID+"_secret", resp.ClientSecret)

	require.Len(t, order.Items, 1)
	item := order.Items[0]
	assert.Equal(t, p.SellerID, item.SellerID)
	assert.Equal(t, p.Name, item.Name)
	assert.Equal(t, models.OrderStatusPending, item.Status)
	assert.True(t, item.Commission.IsZero())

	require.Len(t, order.StatusHistory, 1)
	assert.Equal(t, "Order created", order.StatusHistory[0].Note)
	assert.Equal(t, order.BuyerID, order.StatusHistory[0].Actor)

	assert.Equal(t, 5, f.store.Stock(p.ProductID))

	stored, err := f.svc.GetOrder(t.Context(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, stored.OrderNumber)
}

func TestCreateOrderPricing(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, "30.00", 5, 10)

	t.Run("shipping below threshold", func(t *testing.T) {
		resp := f.create(t, models.PaymentMethodCard, OrderItemRequest{ProductID: p.ProductID, Quantity: 1})
		assert.Equal(t, "10", resp.Order.Pricing.Shipping.String())
		assert.Equal(t, "43", resp.Order.Pricing.Total.String())
	})

	t.Run("promo code", func(t *testing.T) {
		resp, err := f.svc.CreateOrder(t.Context(), &CreateOrderRequest{
			BuyerID:         "buyer-1",
			Items:           []OrderItemRequest{{ProductID: p.ProductID, Quantity: 4}},
			ShippingAddress: address(),
			PaymentMethod:   "card",
			PromoCode:       " save10 ",
		})
		require.NoError(t, err)
		assert.Equal(t, "SAVE10", resp.Order.PromoCode)
		assert.Equal(t, "10", resp.Order.Pricing.Discount.String())
		assert.Equal(t, "122", resp.Order.Pricing.Total.String())
	})
}

func TestCreateOrderRejects(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, "60.00", 5, 10)

	valid := func() *CreateOrderRequest {
		return &CreateOrderRequest{
			BuyerID:         "buyer-1",
			Items:           []OrderItemRequest{{ProductID: p.ProductID, Quantity: 1}},
			ShippingAddress: address(),
			PaymentMethod:   "card",
		}
	}

	tests := []struct {
		name   string
		mutate func(r *CreateOrderRequest)
		field  string
	}{
		{"no items", func(r *CreateOrderRequest) { r.Items = nil }, "Items"},
		{"zero quantity", func(r *CreateOrderRequest) { r.Items[0].Quantity = 0 }, "Quantity"},
		{"missing buyer", func(r *CreateOrderRequest) { r.BuyerID = "" }, "BuyerID"},
		{"missing address", func(r *CreateOrderRequest) { r.ShippingAddress = nil }, "ShippingAddress"},
		{"incomplete address", func(r *CreateOrderRequest) { r.ShippingAddress.City = "" }, "City"},
		{"unknown payment method", func(r *CreateOrderRequest) { r.PaymentMethod = "barter" }, "PaymentMethod"},
		{"unknown product", func(r *CreateOrderRequest) { r.Items[0].ProductID = "prod-missing" }, "product_id"},
		{"unknown promo", func(r *CreateOrderRequest) { r.PromoCode = "FREEBIE" }, "promo_code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)

			_, err := f.svc.CreateOrder(t.Context(), req)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			require.NotEmpty(t, ve.Fields)
			assert.Contains(t, ve.Fields[0].Field, tt.field)
		})
	}

	t.Run("quantities of one product are checked together", func(t *testing.T) {
		req := valid()
		req.Items = []OrderItemRequest{
			{ProductID: p.ProductID, Quantity: 3},
			{ProductID: p.ProductID, Quantity: 3},
		}

		_, err := f.svc.CreateOrder(t.Context(), req)
		var se *InsufficientStockError
		require.True(t, errors.As(err, &se), "got %v", err)
		assert.Equal(t, []StockShortage{{ProductID: p.ProductID, Requested: 6, Available: 5}}, se.Shortages)
	})

	t.Run("gateway failure", func(t *testing.T) {
		f.gateway.createErr = errors.New("connection refused")
		defer func() { f.gateway.createErr = nil }()

		_, err := f.svc.CreateOrder(t.Context(), valid())
		assert.ErrorIs(t, err, ErrPaymentGateway)
	})

	orders, err := f.svc.ListOrders(t.Context(), "pending", 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, 5, f.store.Stock(p.ProductID))
}

func TestPricingIsFixedAtCreation(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, "60.00", 5, 10)
	resp := f.create(t, models.PaymentMethodCard, OrderItemRequest{ProductID: p.ProductID, Quantity: 2})

	p.Price = decimal.RequireFromString("999.99")
	require.NoError(t, f.store.UpsertProduct(t.Context(), p))

	_, err := f.reconciler.ConfirmPayment(t.Context(), "", succeeded(resp.Order.Payment.GatewayHandleID), models.ChannelWebhook)
	require.NoError(t, err)
	order, err := f.svc.UpdateStatus(t.Context(), resp.Order.ID, models.OrderStatusProcessing, "", "admin")
	require.NoError(t, err)

	assert.Equal(t, "132", order.Pricing.Total.String())
	assert.Equal(t, "60", order.Items[0].UnitPrice.String())
}

func TestCashOnDelivery(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, "60.00", 5, 10)

	resp := f.create(t, models.PaymentMethodCashOnDelivery, OrderItemRequest{ProductID: p.ProductID, Quantity: 2})
	assert.Empty(t, resp.ClientSecret)
	assert.Empty(t, resp.Order.Payment.GatewayHandleID)
	assert.Equal(t, models.PaymentStatusPending, resp.Order.Payment.Status)
	assert.Zero(t, f.gateway.created)

	order, err := f.svc.UpdateStatus(t.Context(), resp.Order.ID, models.OrderStatusConfirmed, "", "admin")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, order.Status)
	assert.True(t, order.InventoryApplied)
	assert.True(t, order.Items[0].Commission.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, 3, f.store.Stock(p.ProductID))

	_, err = f.svc.UpdateStatus(t.Context(), resp.Order.ID, models.OrderStatusConfirmed, "", "admin")
	requireInvalidTransition(t, err)
	assert.Equal(t, 3, f.store.Stock(p.ProductID))

	f.dispatcher.Wait()
	assert.Equal(t, []string{models.NotificationOrderConfirmed}, f.notifier.kinds())
}

func TestCardOrderCannotBeConfirmedManually(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, "60.00", 5, 10)
	resp := f.create(t, models.PaymentMethodCard, OrderItemRequest{ProductID: p.ProductID, Quantity: 1})

	_, err := f.svc.UpdateStatus(t.Context(), resp.Order.ID, models.OrderStatusConfirmed, "", "admin")
	ite := requireInvalidTransition(t, err)
	assert.NotEmpty(t, ite.Reason)
	assert.Equal(t, 5, f.store.Stock(p.ProductID))
}

func TestFulfillmentAndReturn(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, "60.00", 5, 10)
	order := f.confirmed(t, OrderItemRequest{ProductID: p.ProductID, Quantity: 1})

	_, err := f.svc.Return(t.Context(), order.ID, "", order.BuyerID)
	requireInvalidTransition(t, err)

	for _, st := range []models.OrderStatus{models.OrderStatusProcessing, models.OrderStatusShipped, models.OrderStatusDelivered} {
		order, err = f.svc.UpdateStatus(t.Context(), order.ID, st, "", "admin")
		require.NoError(t, err)
		assert.Equal(t, st, order.Status)
		assert.Equal(t, st, order.Items[0].Status)
	}
	assert.NotNil(t, order.DeliveredAt)
	assert.Len(t, order.StatusHistory, 5)

	returned, err := f.svc.Return(t.Context(), order.ID, "wrong size", order.BuyerID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusReturned, returned.Status)
	assert.Equal(t, "requested", returned.ReturnStatus)
	assert.Equal(t, models.OrderStatusReturned, returned.Items[0].Status)
	assert.Equal(t, "wrong size", returned.StatusHistory[len(returned.StatusHistory)-1].Note)
	assert.Equal(t, 4, f.store.Stock(p.ProductID))

	_, err = f.svc.Return(t.Context(), order.ID, "", order.BuyerID)
	requireInvalidTransition(t, err)

	f.dispatcher.Wait()
	assert.ElementsMatch(t, []string{
		models.NotificationOrderConfirmed,
		models.NotificationOrderShipped,
		models.NotificationOrderDelivered,
		models.NotificationOrderReturned,
	}, f.notifier.kinds())
}

func TestTerminalOrdersRejectEveryTransition(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, "60.00", 10, 10)

	cancelled := f.create(t, models.PaymentMethodCard, OrderItemRequest{ProductID: p.ProductID, Quantity: 1}).Order
	_, err := f.svc.Cancel(t.Context(), cancelled.ID, "", "admin")
	require.NoError(t, err)

	delivered := f.confirmed(t, OrderItemRequest{ProductID: p.ProductID, Quantity: 1})
	for _, st := range []models.OrderStatus{models.OrderStatusProcessing, models.OrderStatusShipped, models.OrderStatusDelivered} {
		_, err := f.svc.UpdateStatus(t.Context(), delivered.ID, st, "", "admin")
		require.NoError(t, err)
	}

	returned := f.confirmed(t, OrderItemRequest{ProductID: p.ProductID, Quantity: 1})
	for _, st := range []models.OrderStatus{models.OrderStatusProcessing, models.OrderStatusShipped, models.OrderStatusDelivered} {
		_, err := f.svc.UpdateStatus(t.Context(), returned.ID, st, "", "admin")
		require.NoError(t, err)
	}
	_, err = f.svc.Return(t.Context(), returned.ID, "", "buyer")
	require.NoError(t, err)

	stock := f.store.Stock(p.ProductID)
	for _, id := range []string{cancelled.ID, delivered.ID, returned.ID} {
		before, err := f.svc.GetOrder(t.Context(), id)
		require.NoError(t, err)

		for _, st := range models.OrderStatuses() {
			_, err := f.svc.UpdateStatus(t.Context(), id, st, "", "admin")
			requireInvalidTransition(t, err)
		}

		after, err := f.svc.GetOrder(t.Context(), id)
		require.NoError(t, err)
		assert.Equal(t, before.Version, after.Version)
	}
	assert.Equal(t, stock, f.store.Stock(p.ProductID))
}

func TestUpdateStatusValidation(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, "60.00", 5, 10)
	order := f.confirmed(t, OrderItemRequest{ProductID: p.ProductID, Quantity: 1})

	var ve *ValidationError
	_, err := f.svc.UpdateStatus(t.Context(), order.ID, "lost", "", "admin")
	assert.True(t, errors.As(err, &ve))

	var nf *OrderNotFoundError
	_, err = f.svc.UpdateStatus(t.Context(), "missing", models.OrderStatusProcessing, "", "admin")
	assert.True(t, errors.As(err, &nf))

	_, err = f.svc.UpdateStatus(t.Context(), order.ID, models.OrderStatusShipped, "", "admin")
	requireInvalidTransition(t, err)

	cancelled, err := f.svc.UpdateStatus(t.Context(), order.ID, models.OrderStatusCancelled, "admin cancel", "admin")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 5, f.store.Stock(p.ProductID))
}

func TestItemStatusRollsOrderForward(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, "20.00", 5, 10)
	b := f.seed(t, "30.00", 5, 5)

	pending := f.create(t, models.PaymentMethodCard, OrderItemRequest{ProductID: a.ProductID, Quantity: 1}).Order
	_, err := f.svc.UpdateItemStatus(t.Context(), pending.ID, pending.Items[0].ID, a.SellerID, models.OrderStatusConfirmed, nil, a.SellerID)
	requireInvalidTransition(t, err)

	order := f.confirmed(t,
		OrderItemRequest{ProductID: a.ProductID, Quantity: 1},
		OrderItemRequest{ProductID: b.ProductID, Quantity: 1},
	)
	itemA, itemB := order.Items[0].ID, order.Items[1].ID

	_, err = f.svc.UpdateItemStatus(t.Context(), order.ID, itemA, b.SellerID, models.OrderStatusProcessing, nil, b.SellerID)
	assert.ErrorIs(t, err, ErrSellerMismatch)

	_, err = f.svc.UpdateItemStatus(t.Context(), order.ID, "no-such-item", a.SellerID, models.OrderStatusProcessing, nil, a.SellerID)
	assert.ErrorIs(t, err, store.ErrLineItemNotFound)

	_, err = f.svc.UpdateItemStatus(t.Context(), order.ID, itemA, a.SellerID, models.OrderStatusCancelled, nil, a.SellerID)
	requireInvalidTransition(t, err)

	order, err = f.svc.UpdateItemStatus(t.Context(), order.ID, itemA, a.SellerID, models.OrderStatusProcessing, nil, a.SellerID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, order.Status)

	order, err = f.svc.UpdateItemStatus(t.Context(), order.ID, itemB, b.SellerID, models.OrderStatusProcessing, nil, b.SellerID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
	last := order.StatusHistory[len(order.StatusHistory)-1]
	assert.Equal(t, "All items processing", last.Note)
	assert.Equal(t, b.SellerID, last.Actor)

	tracking := &models.TrackingInfo{Carrier: "ups", TrackingNumber: "1Z999"}
	order, err = f.svc.UpdateItemStatus(t.Context(), order.ID, itemA, a.SellerID, models.OrderStatusShipped, tracking, a.SellerID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
	shipped, ok := order.Item(itemA)
	require.True(t, ok)
	assert.Equal(t, tracking, shipped.TrackingInfo)

	order, err = f.svc.UpdateItemStatus(t.Context(), order.ID, itemB, b.SellerID, models.OrderStatusShipped, nil, b.SellerID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusShipped, order.Status)
	assert.Len(t, order.StatusHistory, 4)

	f.dispatcher.Wait()
	assert.ElementsMatch(t, []string{
		models.NotificationOrderConfirmed,
		models.NotificationOrderShipped,
	}, f.notifier.kinds())
}

func TestListOrders(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, "10.00", 50, 10)

	for range 3 {
		f.create(t, models.PaymentMethodCard, OrderItemRequest{ProductID: p.ProductID, Quantity: 1})
	}
	f.confirmed(t, OrderItemRequest{ProductID: p.ProductID, Quantity: 1})

	pending, err := f.svc.ListOrders(t.Context(), "pending", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	limited, err := f.svc.ListOrders(t.Context(), "pending", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	confirmed, err := f.svc.ListOrders(t.Context(), "confirmed", 1000)
	require.NoError(t, err)
	assert.Len(t, confirmed, 1)

	var ve *ValidationError
	_, err = f.svc.ListOrders(t.Context(), "lost", 10)
	assert.True(t, errors.As(err, &ve))

	var nf *OrderNotFoundError
	_, err = f.svc.GetOrder(t.Context(), "missing")
	assert.True(t, errors.As(err, &nf))
}

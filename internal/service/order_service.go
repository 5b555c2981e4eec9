package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-engine/internal/models"
	"order-engine/internal/pricing"
	"order-engine/internal/store"
	"order-engine/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Catalog is the Catalog Snapshot Reader.
type Catalog interface {
	GetProduct(ctx context.Context, productID string) (*models.ProductSnapshot, error)
}

// OrderService handles order business logic
type OrderService struct {
	repo       store.Repository
	catalog    Catalog
	gateway    PaymentGateway
	policy     pricing.Policy
	currency   string
	reconciler *Reconciler
	validate   *validator.Validate
	logger     *zap.Logger
	now        func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(
	repo store.Repository,
	catalog Catalog,
	gw PaymentGateway,
	policy pricing.Policy,
	currency string,
	reconciler *Reconciler,
) *OrderService {
	return &OrderService{
		repo:       repo,
		catalog:    catalog,
		gateway:    gw,
		policy:     policy,
		currency:   strings.ToLower(currency),
		reconciler: reconciler,
		validate:   validator.New(),
		logger:     util.GetLogger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	BuyerID         string             `json:"buyer_id" validate:"required"`
	Items           []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
	ShippingAddress *models.Address    `json:"shipping_address" validate:"required"`
	BillingAddress  *models.Address    `json:"billing_address,omitempty"`
	PaymentMethod   string             `json:"payment_method" validate:"required,oneof=card cash_on_delivery"`
	PromoCode       string             `json:"promo_code,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,min=1"`
}

// CreateOrderResponse carries the new order and, for card payments, the
// client secret the buyer's client needs to complete payment.
type CreateOrderResponse struct {
	Order        *models.Order `json:"order"`
	ClientSecret string        `json:"client_secret,omitempty"`
}

// CreateOrder validates the cart against the catalog, fixes the price
// snapshot and persists a pending order. Stock is checked but not held.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if err := s.validate.StructCtx(ctx, req); err != nil {
		util.OrdersRejectedTotal.WithLabelValues("validation").Inc()
		return nil, fromValidator(err)
	}
	method, err := models.ToPaymentMethod(req.PaymentMethod)
	if err != nil {
		util.OrdersRejectedTotal.WithLabelValues("validation").Inc()
		return nil, newValidationError("payment_method", err.Error())
	}

	items, err := s.snapshotItems(ctx, req.Items)
	if err != nil {
		var stockErr *InsufficientStockError
		if errors.As(err, &stockErr) {
			util.OrdersRejectedTotal.WithLabelValues("insufficient_stock").Inc()
		} else {
			util.OrdersRejectedTotal.WithLabelValues("invalid_items").Inc()
		}
		return nil, err
	}

	quote, err := s.policy.Quote(items, req.PromoCode)
	if errors.Is(err, pricing.ErrUnknownPromoCode) {
		util.OrdersRejectedTotal.WithLabelValues("validation").Inc()
		return nil, newValidationError("promo_code", err.Error())
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	order := &models.Order{
		ID:              uuid.NewString(),
		BuyerID:         req.BuyerID,
		Items:           items,
		ShippingAddress: *req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Pricing:         quote,
		PromoCode:       pricing.NormalizePromoCode(req.PromoCode),
		Currency:        s.currency,
		Payment:         models.Payment{Method: method, Status: models.PaymentStatusPending},
		Status:          models.OrderStatusPending,
		StatusHistory: []models.StatusEntry{{
			Status:    models.OrderStatusPending,
			Note:      "Order created",
			Actor:     req.BuyerID,
			TraceID:   util.TraceID(ctx),
			Timestamp: now,
		}},
		CreatedAt: now,
	}

	var clientSecret string
	if method == models.PaymentMethodCard {
		handle, err := s.gateway.CreatePaymentHandle(ctx, order.ID, quote.Total, order.Currency)
		if err != nil {
			util.OrdersRejectedTotal.WithLabelValues("gateway").Inc()
			return nil, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
		}
		order.Payment.GatewayHandleID = handle.ID
		order.Payment.Status = models.PaymentStatusProcessing
		clientSecret = handle.ClientSecret
	}

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		util.OrdersRejectedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	util.LoggerWithTrace(ctx, s.logger).Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.Pricing.Total.StringFixed(pricing.MoneyPlaces)),
		zap.String("payment_method", string(method)))

	return &CreateOrderResponse{Order: order, ClientSecret: clientSecret}, nil
}

// snapshotItems reads every product once and builds the priced line items.
// Quantities of a repeated product are checked against its stock together.
func (s *OrderService) snapshotItems(ctx context.Context, reqItems []OrderItemRequest) ([]models.LineItem, error) {
	products := make(map[string]*models.ProductSnapshot, len(reqItems))
	requested := make(map[string]int, len(reqItems))
	var order []string

	for i, ri := range reqItems {
		if _, seen := products[ri.ProductID]; !seen {
			p, err := s.catalog.GetProduct(ctx, ri.ProductID)
			if errors.Is(err, store.ErrProductNotFound) {
				return nil, newValidationError(fmt.Sprintf("items[%d].product_id", i), "product "+ri.ProductID+" not found")
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read product %s: %w", ri.ProductID, err)
			}
			products[ri.ProductID] = p
			order = append(order, ri.ProductID)
		}
		requested[ri.ProductID] += ri.Quantity
	}

	var shortages []StockShortage
	for _, id := range order {
		if requested[id] > products[id].AvailableQuantity {
			shortages = append(shortages, StockShortage{
				ProductID: id,
				Requested: requested[id],
				Available: products[id].AvailableQuantity,
			})
		}
	}
	if len(shortages) > 0 {
		return nil, &InsufficientStockError{Shortages: shortages}
	}

	return lo.Map(reqItems, func(ri OrderItemRequest, _ int) models.LineItem {
		p := products[ri.ProductID]
		return models.LineItem{
			ID:         uuid.NewString(),
			ProductID:  p.ProductID,
			SellerID:   p.SellerID,
			Name:       p.Name,
			UnitPrice:  p.Price,
			Quantity:   ri.Quantity,
			Commission: decimal.Zero,
			Status:     models.OrderStatusPending,
		}
	}), nil
}

// GetOrder retrieves an order by id
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrOrderNotFound) {
		return nil, &OrderNotFoundError{OrderID: orderID}
	}
	return order, err
}

// ListOrders returns the newest orders in status.
func (s *OrderService) ListOrders(ctx context.Context, status string, limit int) ([]*models.Order, error) {
	st, err := models.ToOrderStatus(status)
	if err != nil {
		return nil, newValidationError("status", err.Error())
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	return s.repo.ListOrdersByStatus(ctx, st, limit)
}

// Cancel cancels an order on behalf of a buyer or admin.
func (s *OrderService) Cancel(ctx context.Context, orderID, reason, actor string) (*models.Order, error) {
	return s.reconciler.Cancel(ctx, orderID, reason, actor)
}

var statusNotifications = map[models.OrderStatus]string{
	models.OrderStatusConfirmed: models.NotificationOrderConfirmed,
	models.OrderStatusShipped:   models.NotificationOrderShipped,
	models.OrderStatusDelivered: models.NotificationOrderDelivered,
	models.OrderStatusReturned:  models.NotificationOrderReturned,
}

// UpdateStatus moves the order along the transition table. Cancellation is
// routed through Cancel so stock is restored; a manual confirmation runs the
// same inventory and commission effects as a payment confirmation.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID string, newStatus models.OrderStatus, note, actor string) (*models.Order, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.UpdateStatus", orderID)
	defer span.End()

	if _, err := models.ToOrderStatus(string(newStatus)); err != nil {
		return nil, newValidationError("status", err.Error())
	}
	if newStatus == models.OrderStatusCancelled {
		return s.reconciler.Cancel(ctx, orderID, note, actor)
	}
	if note == "" {
		note = "Status changed to " + string(newStatus)
	}

	ctx, cancel := s.reconciler.bounded(ctx)
	defer cancel()

	var res outcomeResult
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if errors.Is(err, store.ErrOrderNotFound) {
			return &OrderNotFoundError{OrderID: orderID}
		}
		if err != nil {
			return err
		}
		if !models.CanTransition(order.Status, newStatus) {
			return &InvalidTransitionError{OrderID: orderID, From: string(order.Status), To: string(newStatus)}
		}

		tr := store.Transition{
			FromOrder: []models.OrderStatus{order.Status},
			Order:     &store.OrderChange{Status: newStatus},
			At:        s.now(),
		}
		if newStatus == models.OrderStatusConfirmed {
			if order.Payment.Method != models.PaymentMethodCashOnDelivery {
				return &InvalidTransitionError{
					OrderID: orderID,
					From:    string(order.Status),
					To:      string(newStatus),
					Reason:  "card orders are confirmed by their payment",
				}
			}
			tr.FromPayment = []models.PaymentStatus{models.PaymentStatusPending}
		}

		ok, err := tx.ApplyTransition(ctx, orderID, tr)
		if err != nil {
			return err
		}
		if !ok {
			return &InvalidTransitionError{OrderID: orderID, From: string(order.Status), To: string(newStatus), Reason: "order changed concurrently"}
		}
		if err := tx.AppendHistory(ctx, orderID, s.reconciler.entry(ctx, newStatus, note, actor)); err != nil {
			return err
		}

		if newStatus == models.OrderStatusConfirmed {
			if res.stock, err = s.reconciler.applyConfirmation(ctx, tx, orderID); err != nil {
				return err
			}
		} else if err := rollItemsForward(ctx, tx, order, newStatus); err != nil {
			return err
		}

		res.order, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	res.applied = true
	res.to = newStatus
	res.notify = statusNotifications[newStatus]
	s.reconciler.afterCommit(ctx, res)

	util.LoggerWithTrace(ctx, s.logger).Info("Order status updated",
		zap.String("order_id", orderID),
		zap.String("status", string(newStatus)),
		zap.String("actor", actor))
	return res.order, nil
}

// rollItemsForward moves line items that lag behind the order's new status.
func rollItemsForward(ctx context.Context, tx store.Tx, order *models.Order, to models.OrderStatus) error {
	for _, it := range order.Items {
		if !it.Status.Before(to) {
			continue
		}
		it.Status = to
		if err := tx.ReplaceItem(ctx, order.ID, it); err != nil {
			return err
		}
	}
	return nil
}

// UpdateItemStatus is a seller advancing one of their own line items. When
// every line item has moved past the order's status, the order follows one
// step at a time, each step with its own history entry.
func (s *OrderService) UpdateItemStatus(
	ctx context.Context,
	orderID, itemID, sellerID string,
	newStatus models.OrderStatus,
	tracking *models.TrackingInfo,
	actor string,
) (*models.Order, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.UpdateItemStatus", orderID)
	defer span.End()

	if _, err := models.ToOrderStatus(string(newStatus)); err != nil {
		return nil, newValidationError("status", err.Error())
	}

	ctx, cancel := s.reconciler.bounded(ctx)
	defer cancel()

	var (
		order    *models.Order
		advanced []models.OrderStatus
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		cur, err := tx.GetOrder(ctx, orderID)
		if errors.Is(err, store.ErrOrderNotFound) {
			return &OrderNotFoundError{OrderID: orderID}
		}
		if err != nil {
			return err
		}
		if cur.Status == models.OrderStatusPending || cur.Status.IsTerminal() {
			return &InvalidTransitionError{
				OrderID: orderID,
				From:    string(cur.Status),
				To:      string(newStatus),
				Reason:  "line items can only move while the order is being fulfilled",
			}
		}

		item, ok := cur.Item(itemID)
		if !ok {
			return fmt.Errorf("%w: %s", store.ErrLineItemNotFound, itemID)
		}
		if item.SellerID != sellerID {
			return ErrSellerMismatch
		}
		if newStatus == models.OrderStatusCancelled || !models.CanTransition(item.Status, newStatus) {
			return &InvalidTransitionError{
				OrderID: orderID,
				From:    string(item.Status),
				To:      string(newStatus),
				Reason:  "line item " + itemID,
			}
		}

		item.Status = newStatus
		if tracking != nil {
			item.TrackingInfo = tracking
		}
		if err := tx.ReplaceItem(ctx, orderID, item); err != nil {
			return err
		}
		if err := cur.ReplaceItem(item); err != nil {
			return err
		}

		floor, ok := slowestItem(cur.Items)
		status := cur.Status
		for ok && status.Before(floor) {
			next, _ := status.Next()
			applied, err := tx.ApplyTransition(ctx, orderID, store.Transition{
				FromOrder: []models.OrderStatus{status},
				Order:     &store.OrderChange{Status: next},
				At:        s.now(),
			})
			if err != nil {
				return err
			}
			if !applied {
				return &InvalidTransitionError{OrderID: orderID, From: string(status), To: string(next), Reason: "order changed concurrently"}
			}
			note := "All items " + string(next)
			if err := tx.AppendHistory(ctx, orderID, s.reconciler.entry(ctx, next, note, actor)); err != nil {
				return err
			}
			advanced = append(advanced, next)
			status = next
		}

		order, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, st := range advanced {
		s.reconciler.afterCommit(ctx, outcomeResult{
			order:  order,
			to:     st,
			notify: statusNotifications[st],
		})
	}

	util.LoggerWithTrace(ctx, s.logger).Info("Line item status updated",
		zap.String("order_id", orderID),
		zap.String("item_id", itemID),
		zap.String("seller_id", sellerID),
		zap.String("status", string(newStatus)),
		zap.String("order_status", string(order.Status)))
	return order, nil
}

// slowestItem is the least advanced status among items that are not cancelled.
func slowestItem(items []models.LineItem) (models.OrderStatus, bool) {
	var floor models.OrderStatus
	found := false
	for _, it := range items {
		if it.Status == models.OrderStatusCancelled {
			continue
		}
		if !found || it.Status.Before(floor) {
			floor = it.Status
			found = true
		}
	}
	return floor, found
}

// Return opens the return flow for a delivered order. Stock is not restocked
// here; returned goods are inspected first.
func (s *OrderService) Return(ctx context.Context, orderID, reason, actor string) (*models.Order, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.Return", orderID)
	defer span.End()

	if reason == "" {
		reason = "Return requested"
	}

	ctx, cancel := s.reconciler.bounded(ctx)
	defer cancel()

	var order *models.Order
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		cur, err := tx.GetOrder(ctx, orderID)
		if errors.Is(err, store.ErrOrderNotFound) {
			return &OrderNotFoundError{OrderID: orderID}
		}
		if err != nil {
			return err
		}
		if cur.Status != models.OrderStatusDelivered {
			return &InvalidTransitionError{OrderID: orderID, From: string(cur.Status), To: string(models.OrderStatusReturned)}
		}

		ok, err := tx.ApplyTransition(ctx, orderID, store.Transition{
			FromOrder: []models.OrderStatus{models.OrderStatusDelivered},
			Order:     &store.OrderChange{Status: models.OrderStatusReturned, ReturnStatus: "requested"},
			At:        s.now(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return &InvalidTransitionError{OrderID: orderID, From: string(cur.Status), To: string(models.OrderStatusReturned), Reason: "order changed concurrently"}
		}

		for _, it := range cur.Items {
			if it.Status != models.OrderStatusDelivered {
				continue
			}
			it.Status = models.OrderStatusReturned
			if err := tx.ReplaceItem(ctx, orderID, it); err != nil {
				return err
			}
		}
		if err := tx.AppendHistory(ctx, orderID, s.reconciler.entry(ctx, models.OrderStatusReturned, reason, actor)); err != nil {
			return err
		}

		order, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.reconciler.afterCommit(ctx, outcomeResult{
		order:  order,
		to:     models.OrderStatusReturned,
		notify: models.NotificationOrderReturned,
		reason: reason,
	})
	return order, nil
}

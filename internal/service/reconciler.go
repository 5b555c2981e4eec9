package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-engine/internal/commission"
	"order-engine/internal/gateway"
	"order-engine/internal/inventory"
	"order-engine/internal/models"
	"order-engine/internal/store"
	"order-engine/internal/util"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentGateway is the outbound side of the payment gateway.
type PaymentGateway interface {
	CreatePaymentHandle(ctx context.Context, orderID string, amount decimal.Decimal, currency string) (gateway.Handle, error)
	FetchOutcome(ctx context.Context, handleID string) (models.PaymentOutcomeEvent, bool, error)
}

// Reconciler folds payment outcomes into orders. Client confirmations and
// gateway webhooks both land in ConfirmPayment; a compare-and-set on the
// payment status decides which delivery applies the outcome.
type Reconciler struct {
	repo       store.Repository
	gateway    PaymentGateway
	mutator    *inventory.Mutator
	dispatcher *Dispatcher
	timeout    time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewReconciler creates a new reconciler. timeout bounds every store
// transaction it runs.
func NewReconciler(
	repo store.Repository,
	gw PaymentGateway,
	mutator *inventory.Mutator,
	dispatcher *Dispatcher,
	timeout time.Duration,
) *Reconciler {
	return &Reconciler{
		repo:       repo,
		gateway:    gw,
		mutator:    mutator,
		dispatcher: dispatcher,
		timeout:    timeout,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     util.GetLogger(),
	}
}

// outcomeResult is what a committed transaction leaves for post-commit work.
type outcomeResult struct {
	order   *models.Order
	applied bool
	stock   inventory.Result
	to      models.OrderStatus
	cause   string
	notify  string
	reason  string
}

func (r *Reconciler) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Reconciler) entry(ctx context.Context, status models.OrderStatus, note, actor string) models.StatusEntry {
	return models.StatusEntry{
		Status:    status,
		Note:      note,
		Actor:     actor,
		TraceID:   util.TraceID(ctx),
		Timestamp: r.now(),
	}
}

// ConfirmClientPayment is the buyer client's confirmation: the outcome is
// read back from the gateway rather than trusted from the caller.
func (r *Reconciler) ConfirmClientPayment(ctx context.Context, orderID, handleID string) (*models.Order, error) {
	ctx, span := util.StartOrderSpan(ctx, "Reconciler.ConfirmClientPayment", orderID)
	defer span.End()

	order, err := r.repo.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrOrderNotFound) {
		return nil, &OrderNotFoundError{OrderID: orderID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order.Payment.GatewayHandleID == "" || order.Payment.GatewayHandleID != handleID {
		return nil, newValidationError("gateway_handle_id", "payment handle does not belong to this order")
	}
	if order.Payment.Status.IsTerminal() {
		util.PaymentOutcomesDuplicateTotal.WithLabelValues(string(models.ChannelClient)).Inc()
		return order, nil
	}

	evt, completed, err := r.gateway.FetchOutcome(ctx, handleID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	if !completed {
		return nil, ErrPaymentNotCompleted
	}
	return r.ConfirmPayment(ctx, orderID, evt, models.ChannelClient)
}

// ConfirmPayment applies a payment outcome to the order bound to
// evt.GatewayHandleID. orderID, when set, must be that order. A repeated
// outcome is a no-op that returns the current order.
func (r *Reconciler) ConfirmPayment(ctx context.Context, orderID string, evt models.PaymentOutcomeEvent, channel models.Channel) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.ConfirmPayment")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconcileLatency.WithLabelValues(string(channel)).Observe(time.Since(start).Seconds())
	}()

	if _, err := models.ToOutcome(string(evt.Outcome)); err != nil {
		return nil, newValidationError("outcome", err.Error())
	}
	if evt.GatewayHandleID == "" {
		return nil, newValidationError("gateway_handle_id", "required")
	}
	util.PaymentOutcomesTotal.WithLabelValues(string(channel), string(evt.Outcome)).Inc()

	logger := util.LoggerWithTrace(ctx, r.logger).With(
		zap.String("gateway_handle_id", evt.GatewayHandleID),
		zap.String("outcome", string(evt.Outcome)),
		zap.String("channel", string(channel)))

	ctx, cancel := r.bounded(ctx)
	defer cancel()

	order, err := r.repo.GetOrderByGatewayHandle(ctx, evt.GatewayHandleID)
	if errors.Is(err, store.ErrOrderNotFound) {
		return nil, &OrderNotFoundError{GatewayHandleID: evt.GatewayHandleID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if orderID != "" && order.ID != orderID {
		return nil, newValidationError("gateway_handle_id", "payment handle does not belong to this order")
	}
	logger = logger.With(zap.String("order_id", order.ID))

	if order.Payment.Status == evt.Outcome.PaymentStatus() {
		util.PaymentOutcomesDuplicateTotal.WithLabelValues(string(channel)).Inc()
		logger.Debug("Payment outcome already applied")
		return order, nil
	}

	actor := models.ActorGateway
	if channel == models.ChannelClient {
		actor = order.BuyerID
	}

	var res outcomeResult
	err = r.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		switch evt.Outcome {
		case models.OutcomeSucceeded:
			res, err = r.applySucceeded(ctx, tx, order.ID, evt, actor)
		case models.OutcomeFailed, models.OutcomeCancelled:
			res, err = r.applyFailed(ctx, tx, order.ID, evt, actor)
		case models.OutcomeRefunded:
			res, err = r.applyRefunded(ctx, tx, order.ID, evt)
		}
		return err
	})
	if err != nil {
		var ite *InvalidTransitionError
		switch {
		case errors.As(err, &ite) && ite.From == string(models.OrderStatusCancelled) && ite.To == string(models.OrderStatusConfirmed):
			logger.Error("Payment captured for a cancelled order, refund required", zap.Error(err))
		case errors.As(err, &ite):
			logger.Warn("Payment outcome rejected", zap.Error(err))
		default:
			logger.Error("Payment reconciliation failed", zap.Error(err))
		}
		return nil, err
	}

	if !res.applied {
		util.PaymentOutcomesDuplicateTotal.WithLabelValues(string(channel)).Inc()
		logger.Debug("Payment outcome lost the race, already applied")
		return res.order, nil
	}

	r.afterCommit(ctx, res)
	logger.Info("Payment outcome applied",
		zap.String("order_status", string(res.order.Status)),
		zap.String("payment_status", string(res.order.Payment.Status)))
	return res.order, nil
}

func (r *Reconciler) applySucceeded(ctx context.Context, tx store.Tx, orderID string, evt models.PaymentOutcomeEvent, actor string) (outcomeResult, error) {
	now := r.now()
	ok, err := tx.ApplyTransition(ctx, orderID, store.Transition{
		FromPayment: []models.PaymentStatus{models.PaymentStatusProcessing},
		FromOrder:   []models.OrderStatus{models.OrderStatusPending},
		Payment: &store.PaymentChange{
			Status:        models.PaymentStatusSucceeded,
			TransactionID: evt.TransactionID,
			PaidAt:        &now,
		},
		Order: &store.OrderChange{Status: models.OrderStatusConfirmed},
		At:    now,
	})
	if err != nil {
		return outcomeResult{}, err
	}
	if !ok {
		return settleLoser(ctx, tx, orderID, evt.Outcome)
	}

	if err := tx.AppendHistory(ctx, orderID, r.entry(ctx, models.OrderStatusConfirmed, "Payment succeeded", actor)); err != nil {
		return outcomeResult{}, err
	}
	stock, err := r.applyConfirmation(ctx, tx, orderID)
	if err != nil {
		return outcomeResult{}, err
	}

	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return outcomeResult{}, err
	}
	return outcomeResult{
		order:   order,
		applied: true,
		stock:   stock,
		to:      models.OrderStatusConfirmed,
		notify:  models.NotificationOrderConfirmed,
	}, nil
}

func (r *Reconciler) applyFailed(ctx context.Context, tx store.Tx, orderID string, evt models.PaymentOutcomeEvent, actor string) (outcomeResult, error) {
	target := evt.Outcome.PaymentStatus()
	note := "Payment failed"
	if evt.Outcome == models.OutcomeCancelled {
		note = "Payment cancelled"
	}

	now := r.now()
	ok, err := tx.ApplyTransition(ctx, orderID, store.Transition{
		FromPayment: []models.PaymentStatus{models.PaymentStatusProcessing},
		FromOrder:   []models.OrderStatus{models.OrderStatusPending},
		Payment:     &store.PaymentChange{Status: target, TransactionID: evt.TransactionID},
		Order:       &store.OrderChange{Status: models.OrderStatusCancelled, CancellationReason: note},
		At:          now,
	})
	if err != nil {
		return outcomeResult{}, err
	}
	if ok {
		if err := tx.AppendHistory(ctx, orderID, r.entry(ctx, models.OrderStatusCancelled, note, actor)); err != nil {
			return outcomeResult{}, err
		}
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return outcomeResult{}, err
		}
		return outcomeResult{
			order:   order,
			applied: true,
			to:      models.OrderStatusCancelled,
			cause:   "payment_" + string(evt.Outcome),
			notify:  models.NotificationOrderCancelled,
			reason:  note,
		}, nil
	}

	// The buyer cancelled first: only the payment record moves.
	ok, err = tx.ApplyTransition(ctx, orderID, store.Transition{
		FromPayment: []models.PaymentStatus{models.PaymentStatusProcessing},
		FromOrder:   []models.OrderStatus{models.OrderStatusCancelled},
		Payment:     &store.PaymentChange{Status: target, TransactionID: evt.TransactionID},
		At:          now,
	})
	if err != nil {
		return outcomeResult{}, err
	}
	if ok {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return outcomeResult{}, err
		}
		return outcomeResult{order: order, applied: true}, nil
	}
	return settleLoser(ctx, tx, orderID, evt.Outcome)
}

func (r *Reconciler) applyRefunded(ctx context.Context, tx store.Tx, orderID string, evt models.PaymentOutcomeEvent) (outcomeResult, error) {
	now := r.now()
	change := &store.PaymentChange{Status: models.PaymentStatusRefunded, RefundedAt: &now}
	if evt.Amount.IsPositive() {
		change.RefundAmount = decimal.NewNullDecimal(evt.Amount)
	}

	ok, err := tx.ApplyTransition(ctx, orderID, store.Transition{
		FromPayment: []models.PaymentStatus{models.PaymentStatusSucceeded},
		Payment:     change,
		At:          now,
	})
	if err != nil {
		return outcomeResult{}, err
	}
	if !ok {
		return settleLoser(ctx, tx, orderID, evt.Outcome)
	}

	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return outcomeResult{}, err
	}
	return outcomeResult{order: order, applied: true, notify: models.NotificationOrderRefunded}, nil
}

// settleLoser handles a compare-and-set that matched nothing: either another
// delivery already applied the same outcome, or the order moved elsewhere.
func settleLoser(ctx context.Context, tx store.Tx, orderID string, outcome models.Outcome) (outcomeResult, error) {
	cur, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return outcomeResult{}, err
	}
	target := outcome.PaymentStatus()
	if cur.Payment.Status == target {
		return outcomeResult{order: cur}, nil
	}

	if cur.Payment.Status.IsTerminal() || outcome == models.OutcomeRefunded {
		return outcomeResult{}, &InvalidTransitionError{
			OrderID: cur.ID,
			From:    string(cur.Payment.Status),
			To:      string(target),
			Reason:  "payment is " + string(cur.Payment.Status),
		}
	}

	ite := &InvalidTransitionError{OrderID: cur.ID, From: string(cur.Status), To: string(models.OrderStatusCancelled)}
	if outcome == models.OutcomeSucceeded {
		ite.To = string(models.OrderStatusConfirmed)
		if cur.Status == models.OrderStatusCancelled {
			ite.Reason = "payment captured for a cancelled order, refund required"
		}
	}
	return outcomeResult{}, ite
}

// applyConfirmation runs the once-per-order confirmation effects: stock
// decrement and commission. It is a no-op when inventory was already applied.
func (r *Reconciler) applyConfirmation(ctx context.Context, tx store.Tx, orderID string) (inventory.Result, error) {
	applied, err := tx.MarkInventoryApplied(ctx, orderID)
	if err != nil {
		return inventory.Result{}, err
	}
	if !applied {
		return inventory.Result{}, nil
	}

	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return inventory.Result{}, err
	}

	stock, err := r.mutator.ApplyItems(ctx, tx, order.Items, inventory.Decrement)
	if err != nil {
		return inventory.Result{}, err
	}

	sellerIDs := lo.Uniq(lo.Map(order.Items, func(it models.LineItem, _ int) string { return it.SellerID }))
	rates, err := tx.GetSellerCommissionRates(ctx, sellerIDs)
	if err != nil {
		return inventory.Result{}, fmt.Errorf("failed to load commission rates: %w", err)
	}
	items, err := commission.Compute(order.Items, rates)
	if err != nil {
		return inventory.Result{}, err
	}

	for _, it := range items {
		if it.Status == models.OrderStatusPending {
			it.Status = models.OrderStatusConfirmed
		}
		if err := tx.ReplaceItem(ctx, orderID, it); err != nil {
			return inventory.Result{}, err
		}
	}
	return stock, nil
}

// Cancel is the buyer or admin cancellation. Stock applied at confirmation is
// restored in the same transaction as the status change.
func (r *Reconciler) Cancel(ctx context.Context, orderID, reason, actor string) (*models.Order, error) {
	ctx, span := util.StartOrderSpan(ctx, "Reconciler.Cancel", orderID)
	defer span.End()

	ctx, cancel := r.bounded(ctx)
	defer cancel()

	if reason == "" {
		reason = "Order cancelled"
	}

	var res outcomeResult
	err := r.repo.WithTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if errors.Is(err, store.ErrOrderNotFound) {
			return &OrderNotFoundError{OrderID: orderID}
		}
		if err != nil {
			return err
		}
		if !order.Status.IsCancellable() {
			return &InvalidTransitionError{OrderID: orderID, From: string(order.Status), To: string(models.OrderStatusCancelled)}
		}

		ok, err := tx.ApplyTransition(ctx, orderID, store.Transition{
			FromOrder: models.CancellableStatuses,
			Order:     &store.OrderChange{Status: models.OrderStatusCancelled, CancellationReason: reason},
			At:        r.now(),
		})
		if err != nil {
			return err
		}
		if !ok {
			cur, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			return &InvalidTransitionError{OrderID: orderID, From: string(cur.Status), To: string(models.OrderStatusCancelled)}
		}

		reversed, err := tx.MarkInventoryReversed(ctx, orderID)
		if err != nil {
			return err
		}
		if reversed {
			if res.stock, err = r.mutator.ApplyItems(ctx, tx, order.Items, inventory.Restore); err != nil {
				return fmt.Errorf("failed to restore stock: %w", err)
			}
		}

		for _, it := range order.Items {
			if it.Status == models.OrderStatusCancelled {
				continue
			}
			it.Status = models.OrderStatusCancelled
			if err := tx.ReplaceItem(ctx, orderID, it); err != nil {
				return err
			}
		}

		if err := tx.AppendHistory(ctx, orderID, r.entry(ctx, models.OrderStatusCancelled, reason, actor)); err != nil {
			return err
		}

		res.order, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	res.applied = true
	res.to = models.OrderStatusCancelled
	res.cause = "requested"
	res.notify = models.NotificationOrderCancelled
	res.reason = reason
	r.afterCommit(ctx, res)

	util.LoggerWithTrace(ctx, r.logger).Info("Order cancelled",
		zap.String("order_id", orderID),
		zap.String("actor", actor),
		zap.Bool("stock_restored", len(res.stock.Adjustments) > 0))
	return res.order, nil
}

// afterCommit does the work that must not run inside the transaction.
func (r *Reconciler) afterCommit(ctx context.Context, res outcomeResult) {
	if len(res.stock.Adjustments) > 0 {
		_ = r.mutator.Publish(ctx, res.order.ID, res.stock)
	}

	switch res.to {
	case "":
	case models.OrderStatusConfirmed:
		util.OrdersConfirmedTotal.Inc()
		util.OrderTransitionsTotal.WithLabelValues(string(res.to)).Inc()
	case models.OrderStatusCancelled:
		util.OrdersCancelledTotal.WithLabelValues(res.cause).Inc()
		util.OrderTransitionsTotal.WithLabelValues(string(res.to)).Inc()
	default:
		util.OrderTransitionsTotal.WithLabelValues(string(res.to)).Inc()
	}

	if res.notify != "" {
		r.dispatcher.Dispatch(ctx, res.order, res.notify, res.reason)
	}
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-engine/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const orderColumns = `
	id, order_number, buyer_id, shipping_address, billing_address,
	subtotal, tax, shipping, discount, total, promo_code, currency,
	payment_method, payment_status, gateway_handle_id, transaction_id,
	paid_at, refunded_at, refund_amount, order_status,
	inventory_applied, inventory_reversed, cancellation_reason, return_status,
	delivered_at, cancelled_at, version, created_at, updated_at`

type orderRow struct {
	ID                 string              `db:"id"`
	OrderNumber        string              `db:"order_number"`
	BuyerID            string              `db:"buyer_id"`
	ShippingAddress    []byte              `db:"shipping_address"`
	BillingAddress     []byte              `db:"billing_address"`
	Subtotal           decimal.Decimal     `db:"subtotal"`
	Tax                decimal.Decimal     `db:"tax"`
	Shipping           decimal.Decimal     `db:"shipping"`
	Discount           decimal.Decimal     `db:"discount"`
	Total              decimal.Decimal     `db:"total"`
	PromoCode          string              `db:"promo_code"`
	Currency           string              `db:"currency"`
	PaymentMethod      string              `db:"payment_method"`
	PaymentStatus      string              `db:"payment_status"`
	GatewayHandleID    sql.NullString      `db:"gateway_handle_id"`
	TransactionID      sql.NullString      `db:"transaction_id"`
	PaidAt             sql.NullTime        `db:"paid_at"`
	RefundedAt         sql.NullTime        `db:"refunded_at"`
	RefundAmount       decimal.NullDecimal `db:"refund_amount"`
	OrderStatus        string              `db:"order_status"`
	InventoryApplied   bool                `db:"inventory_applied"`
	InventoryReversed  bool                `db:"inventory_reversed"`
	CancellationReason sql.NullString      `db:"cancellation_reason"`
	ReturnStatus       sql.NullString      `db:"return_status"`
	DeliveredAt        sql.NullTime        `db:"delivered_at"`
	CancelledAt        sql.NullTime        `db:"cancelled_at"`
	Version            int64               `db:"version"`
	CreatedAt          time.Time           `db:"created_at"`
	UpdatedAt          time.Time           `db:"updated_at"`
}

type itemRow struct {
	ID           string          `db:"id"`
	ProductID    string          `db:"product_id"`
	SellerID     string          `db:"seller_id"`
	Name         string          `db:"name"`
	UnitPrice    decimal.Decimal `db:"unit_price"`
	Quantity     int             `db:"quantity"`
	Commission   decimal.Decimal `db:"commission"`
	Status       string          `db:"status"`
	TrackingInfo []byte          `db:"tracking_info"`
}

type historyRow struct {
	Status    string    `db:"status"`
	Note      string    `db:"note"`
	Actor     string    `db:"actor"`
	TraceID   string    `db:"trace_id"`
	CreatedAt time.Time `db:"created_at"`
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (r orderRow) toModel(items []itemRow, history []historyRow) (*models.Order, error) {
	o := &models.Order{
		ID:          r.ID,
		OrderNumber: r.OrderNumber,
		BuyerID:     r.BuyerID,
		Pricing: models.Pricing{
			Subtotal: r.Subtotal,
			Tax:      r.Tax,
			Shipping: r.Shipping,
			Discount: r.Discount,
			Total:    r.Total,
		},
		PromoCode: r.PromoCode,
		Currency:  r.Currency,
		Payment: models.Payment{
			Method:          models.PaymentMethod(r.PaymentMethod),
			Status:          models.PaymentStatus(r.PaymentStatus),
			GatewayHandleID: r.GatewayHandleID.String,
			TransactionID:   r.TransactionID.String,
			PaidAt:          nullTimePtr(r.PaidAt),
			RefundedAt:      nullTimePtr(r.RefundedAt),
			RefundAmount:    r.RefundAmount,
		},
		Status:             models.OrderStatus(r.OrderStatus),
		InventoryApplied:   r.InventoryApplied,
		InventoryReversed:  r.InventoryReversed,
		CancellationReason: r.CancellationReason.String,
		ReturnStatus:       r.ReturnStatus.String,
		DeliveredAt:        nullTimePtr(r.DeliveredAt),
		CancelledAt:        nullTimePtr(r.CancelledAt),
		Version:            r.Version,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}

	if err := json.Unmarshal(r.ShippingAddress, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode shipping address: %w", err)
	}
	if len(r.BillingAddress) > 0 {
		o.BillingAddress = &models.Address{}
		if err := json.Unmarshal(r.BillingAddress, o.BillingAddress); err != nil {
			return nil, fmt.Errorf("decode billing address: %w", err)
		}
	}

	o.Items = make([]models.LineItem, 0, len(items))
	for _, it := range items {
		li := models.LineItem{
			ID:         it.ID,
			ProductID:  it.ProductID,
			SellerID:   it.SellerID,
			Name:       it.Name,
			UnitPrice:  it.UnitPrice,
			Quantity:   it.Quantity,
			Commission: it.Commission,
			Status:     models.OrderStatus(it.Status),
		}
		if len(it.TrackingInfo) > 0 {
			li.TrackingInfo = &models.TrackingInfo{}
			if err := json.Unmarshal(it.TrackingInfo, li.TrackingInfo); err != nil {
				return nil, fmt.Errorf("decode tracking info for item %s: %w", it.ID, err)
			}
		}
		o.Items = append(o.Items, li)
	}

	o.StatusHistory = lo.Map(history, func(h historyRow, _ int) models.StatusEntry {
		return models.StatusEntry{
			Status:    models.OrderStatus(h.Status),
			Note:      h.Note,
			Actor:     h.Actor,
			TraceID:   h.TraceID,
			Timestamp: h.CreatedAt,
		}
	})
	return o, nil
}

// nullableJSON encodes v as text for a nullable JSONB column; lib/pq would send
// []byte as bytea. A nil pointer becomes SQL NULL.
func nullableJSON[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// loadOrder reads an order with its items and history through q, which is
// either the pool or an open transaction. forUpdate locks the order row.
func loadOrder(ctx context.Context, q sqlx.QueryerContext, where string, arg any, forUpdate bool) (*models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE " + where
	if forUpdate {
		query += " FOR UPDATE"
	}

	var row orderRow
	err := sqlx.GetContext(ctx, q, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	var items []itemRow
	if err := sqlx.SelectContext(ctx, q, &items, `
		SELECT id, product_id, seller_id, name, unit_price, quantity, commission, status, tracking_info
		FROM order_items WHERE order_id = $1 ORDER BY position`, row.ID); err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}

	var history []historyRow
	if err := sqlx.SelectContext(ctx, q, &history, `
		SELECT status, note, actor, trace_id, created_at
		FROM order_status_history WHERE order_id = $1 ORDER BY id`, row.ID); err != nil {
		return nil, fmt.Errorf("failed to load order history: %w", err)
	}

	return row.toModel(items, history)
}

// CreateOrder inserts the order, its items and its initial history in one transaction.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.GetContext(ctx, &seq, "SELECT nextval('order_number_seq')"); err != nil {
		return fmt.Errorf("failed to allocate order number: %w", err)
	}

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt
	order.OrderNumber = FormatOrderNumber(order.CreatedAt, seq)
	order.Version = 1

	shipping, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return err
	}
	billing, err := nullableJSON(order.BillingAddress)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_number, buyer_id, shipping_address, billing_address,
			subtotal, tax, shipping, discount, total, promo_code, currency,
			payment_method, payment_status, gateway_handle_id, order_status,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NULLIF($15, ''), $16, $17, $18, $19)`,
		order.ID, order.OrderNumber, order.BuyerID, string(shipping), billing,
		order.Pricing.Subtotal, order.Pricing.Tax, order.Pricing.Shipping, order.Pricing.Discount, order.Pricing.Total,
		order.PromoCode, order.Currency,
		string(order.Payment.Method), string(order.Payment.Status), order.Payment.GatewayHandleID, string(order.Status),
		order.Version, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i, it := range order.Items {
		tracking, err := nullableJSON(it.TrackingInfo)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, position, product_id, seller_id, name, unit_price, quantity, commission, status, tracking_info)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			it.ID, order.ID, i, it.ProductID, it.SellerID, it.Name, it.UnitPrice, it.Quantity, it.Commission, string(it.Status), tracking)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	for _, h := range order.StatusHistory {
		if err := insertHistory(ctx, tx, order.ID, h); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrOrderNotFound
	}
	return loadOrder(ctx, s.db, "id = $1", id, false)
}

// GetOrderByGatewayHandle retrieves the order bound to a payment handle.
func (s *Store) GetOrderByGatewayHandle(ctx context.Context, handleID string) (*models.Order, error) {
	return loadOrder(ctx, s.db, "gateway_handle_id = $1", handleID, false)
}

// ListOrdersByStatus returns the newest orders in status, at most limit of them.
func (s *Store) ListOrdersByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]*models.Order, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM orders WHERE order_status = $1 ORDER BY created_at DESC LIMIT $2", string(status), limit)
	if err != nil {
		return nil, err
	}

	orders := make([]*models.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.GetOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// WithTx runs fn inside a database transaction and commits when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrOrderNotFound
	}
	return loadOrder(ctx, t.tx, "id = $1", id, true)
}

func (t *pgTx) ApplyTransition(ctx context.Context, orderID string, tr Transition) (bool, error) {
	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}

	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets := []string{"version = version + 1", "updated_at = " + arg(tr.At)}
	if p := tr.Payment; p != nil {
		sets = append(sets, "payment_status = "+arg(string(p.Status)))
		if p.TransactionID != "" {
			sets = append(sets, "transaction_id = "+arg(p.TransactionID))
		}
		if p.PaidAt != nil {
			sets = append(sets, "paid_at = "+arg(*p.PaidAt))
		}
		if p.RefundedAt != nil {
			sets = append(sets, "refunded_at = "+arg(*p.RefundedAt))
		}
		if p.RefundAmount.Valid {
			sets = append(sets, "refund_amount = "+arg(p.RefundAmount.Decimal))
		}
	}
	if c := tr.Order; c != nil {
		sets = append(sets, "order_status = "+arg(string(c.Status)))
		switch c.Status {
		case models.OrderStatusDelivered:
			sets = append(sets, "delivered_at = "+arg(tr.At))
		case models.OrderStatusCancelled:
			sets = append(sets, "cancelled_at = "+arg(tr.At))
		}
		if c.CancellationReason != "" {
			sets = append(sets, "cancellation_reason = "+arg(c.CancellationReason))
		}
		if c.ReturnStatus != "" {
			sets = append(sets, "return_status = "+arg(c.ReturnStatus))
		}
	}

	where := []string{"id = " + arg(orderID)}
	if len(tr.FromPayment) > 0 {
		from := lo.Map(tr.FromPayment, func(s models.PaymentStatus, _ int) string { return string(s) })
		where = append(where, "payment_status = ANY("+arg(pq.Array(from))+")")
	}
	if len(tr.FromOrder) > 0 {
		from := lo.Map(tr.FromOrder, func(s models.OrderStatus, _ int) string { return string(s) })
		where = append(where, "order_status = ANY("+arg(pq.Array(from))+")")
	}

	query := "UPDATE orders SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to apply transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func insertHistory(ctx context.Context, e sqlx.ExecerContext, orderID string, h models.StatusEntry) error {
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	_, err := e.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, status, note, actor, trace_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		orderID, string(h.Status), h.Note, h.Actor, h.TraceID, h.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (t *pgTx) AppendHistory(ctx context.Context, orderID string, entry models.StatusEntry) error {
	return insertHistory(ctx, t.tx, orderID, entry)
}

func (t *pgTx) MarkInventoryApplied(ctx context.Context, orderID string) (bool, error) {
	return t.flag(ctx, `
		UPDATE orders SET inventory_applied = TRUE, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND NOT inventory_applied`, orderID)
}

func (t *pgTx) MarkInventoryReversed(ctx context.Context, orderID string) (bool, error) {
	return t.flag(ctx, `
		UPDATE orders SET inventory_reversed = TRUE, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND inventory_applied AND NOT inventory_reversed`, orderID)
}

func (t *pgTx) flag(ctx context.Context, query, orderID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, query, orderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTx) AdjustStock(ctx context.Context, productID string, delta int) (int, error) {
	var qty int
	err := t.tx.GetContext(ctx, &qty, `
		UPDATE products SET available_quantity = available_quantity + $1, updated_at = NOW()
		WHERE id = $2 RETURNING available_quantity`, delta, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust stock for %s: %w", productID, err)
	}
	return qty, nil
}

func (t *pgTx) ReplaceItem(ctx context.Context, orderID string, item models.LineItem) error {
	tracking, err := nullableJSON(item.TrackingInfo)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE order_items SET commission = $1, status = $2, tracking_info = $3
		WHERE id = $4 AND order_id = $5`,
		item.Commission, string(item.Status), tracking, item.ID, orderID)
	if err != nil {
		return fmt.Errorf("failed to update line item: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrLineItemNotFound, item.ID)
	}
	_, err = t.tx.ExecContext(ctx, "UPDATE orders SET version = version + 1, updated_at = NOW() WHERE id = $1", orderID)
	return err
}

// GetSellerCommissionRates reads rates inside the transaction.
func (t *pgTx) GetSellerCommissionRates(ctx context.Context, sellerIDs []string) (map[string]decimal.Decimal, error) {
	return sellerCommissionRates(ctx, t.tx, sellerIDs)
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-engine/internal/models"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Order Store with the same compare-and-set
// semantics as the Postgres driver. Transactions are serialized and staged
// on copies that are only published on commit.
type MemoryStore struct {
	mu       sync.Mutex
	orders   map[string]*models.Order
	byHandle map[string]string
	numbers  map[string]struct{}
	seq      int64

	catalogMu sync.RWMutex
	products  map[string]models.ProductSnapshot
	sellers   map[string]decimal.Decimal

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*models.Order),
		byHandle: make(map[string]string),
		numbers:  make(map[string]struct{}),
		products: make(map[string]models.ProductSnapshot),
		sellers:  make(map[string]decimal.Decimal),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// UpsertSeller creates or updates a seller's commission rate.
func (m *MemoryStore) UpsertSeller(_ context.Context, sellerID string, rate decimal.Decimal) error {
	m.catalogMu.Lock()
	defer m.catalogMu.Unlock()
	m.sellers[sellerID] = rate
	return nil
}

// UpsertProduct creates or updates a catalog product.
func (m *MemoryStore) UpsertProduct(_ context.Context, p models.ProductSnapshot) error {
	m.catalogMu.Lock()
	defer m.catalogMu.Unlock()
	m.products[p.ProductID] = p
	return nil
}

// Stock returns a product's available quantity.
func (m *MemoryStore) Stock(productID string) int {
	m.catalogMu.RLock()
	defer m.catalogMu.RUnlock()
	return m.products[productID].AvailableQuantity
}

// ProductStock returns the available quantity of every catalog product.
func (m *MemoryStore) ProductStock(_ context.Context) (map[string]int, error) {
	m.catalogMu.RLock()
	defer m.catalogMu.RUnlock()
	stock := make(map[string]int, len(m.products))
	for id, p := range m.products {
		stock[id] = p.AvailableQuantity
	}
	return stock, nil
}

func (m *MemoryStore) GetProduct(_ context.Context, productID string) (*models.ProductSnapshot, error) {
	m.catalogMu.RLock()
	defer m.catalogMu.RUnlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	if rate, ok := m.sellers[p.SellerID]; ok {
		p.SellerCommissionRate = rate
	}
	return &p, nil
}

func (m *MemoryStore) GetSellerCommissionRates(_ context.Context, sellerIDs []string) (map[string]decimal.Decimal, error) {
	m.catalogMu.RLock()
	defer m.catalogMu.RUnlock()
	rates := make(map[string]decimal.Decimal, len(sellerIDs))
	for _, id := range sellerIDs {
		if r, ok := m.sellers[id]; ok {
			rates[id] = r
		}
	}
	return rates, nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	if h := order.Payment.GatewayHandleID; h != "" {
		if _, taken := m.byHandle[h]; taken {
			return fmt.Errorf("gateway handle %s already bound to an order", h)
		}
	}

	if order.CreatedAt.IsZero() {
		order.CreatedAt = m.now()
	}
	order.UpdatedAt = order.CreatedAt
	m.seq++
	order.OrderNumber = FormatOrderNumber(order.CreatedAt, m.seq)
	order.Version = 1

	m.orders[order.ID] = order.Clone()
	m.numbers[order.OrderNumber] = struct{}{}
	if h := order.Payment.GatewayHandleID; h != "" {
		m.byHandle[h] = order.ID
	}
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) GetOrderByGatewayHandle(_ context.Context, handleID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHandle[handleID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return m.orders[id].Clone(), nil
}

func (m *MemoryStore) ListOrdersByStatus(_ context.Context, status models.OrderStatus, limit int) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Order
	for _, o := range m.orders {
		if o.Status == status {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderNumber > out[j].OrderNumber
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{store: m, orders: make(map[string]*models.Order), stock: make(map[string]int)}
	if err := fn(tx); err != nil {
		return err
	}

	for id, o := range tx.orders {
		m.orders[id] = o
	}
	if len(tx.stock) > 0 {
		m.catalogMu.Lock()
		for id, qty := range tx.stock {
			p := m.products[id]
			p.AvailableQuantity = qty
			m.products[id] = p
		}
		m.catalogMu.Unlock()
	}
	return nil
}

// memTx runs with store.mu held.
type memTx struct {
	store  *MemoryStore
	orders map[string]*models.Order
	stock  map[string]int
}

// staged returns the transaction's working copy of an order.
func (t *memTx) staged(id string) (*models.Order, error) {
	if o, ok := t.orders[id]; ok {
		return o, nil
	}
	o, ok := t.store.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	c := o.Clone()
	t.orders[id] = c
	return c, nil
}

func (t *memTx) GetOrder(_ context.Context, id string) (*models.Order, error) {
	o, err := t.staged(id)
	if err != nil {
		return nil, err
	}
	return o.Clone(), nil
}

func (t *memTx) ApplyTransition(_ context.Context, orderID string, tr Transition) (bool, error) {
	o, err := t.staged(orderID)
	if err != nil {
		return false, nil
	}
	if !paymentMatches(o.Payment.Status, tr.FromPayment) || !orderMatches(o.Status, tr.FromOrder) {
		return false, nil
	}
	if tr.At.IsZero() {
		tr.At = t.store.now()
	}
	tr.applyTo(o)
	return true, nil
}

func (t *memTx) AppendHistory(_ context.Context, orderID string, entry models.StatusEntry) error {
	o, err := t.staged(orderID)
	if err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.store.now()
	}
	o.StatusHistory = append(o.StatusHistory, entry)
	return nil
}

func (t *memTx) MarkInventoryApplied(_ context.Context, orderID string) (bool, error) {
	o, err := t.staged(orderID)
	if err != nil {
		return false, err
	}
	if o.InventoryApplied {
		return false, nil
	}
	o.InventoryApplied = true
	o.Version++
	return true, nil
}

func (t *memTx) MarkInventoryReversed(_ context.Context, orderID string) (bool, error) {
	o, err := t.staged(orderID)
	if err != nil {
		return false, err
	}
	if !o.InventoryApplied || o.InventoryReversed {
		return false, nil
	}
	o.InventoryReversed = true
	o.Version++
	return true, nil
}

func (t *memTx) AdjustStock(_ context.Context, productID string, delta int) (int, error) {
	qty, ok := t.stock[productID]
	if !ok {
		t.store.catalogMu.RLock()
		p, exists := t.store.products[productID]
		t.store.catalogMu.RUnlock()
		if !exists {
			return 0, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		qty = p.AvailableQuantity
	}
	qty += delta
	t.stock[productID] = qty
	return qty, nil
}

func (t *memTx) ReplaceItem(_ context.Context, orderID string, item models.LineItem) error {
	o, err := t.staged(orderID)
	if err != nil {
		return err
	}
	current, ok := o.Item(item.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrLineItemNotFound, item.ID)
	}
	current.Commission = item.Commission
	current.Status = item.Status
	current.TrackingInfo = item.TrackingInfo
	if err := o.ReplaceItem(current); err != nil {
		return err
	}
	o.Version++
	o.UpdatedAt = t.store.now()
	return nil
}

func (t *memTx) GetSellerCommissionRates(ctx context.Context, sellerIDs []string) (map[string]decimal.Decimal, error) {
	return t.store.GetSellerCommissionRates(ctx, sellerIDs)
}

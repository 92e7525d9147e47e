package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"order-finalizer/internal/gateway"
	"order-finalizer/internal/models"
	"order-finalizer/internal/store"

	"github.com/shopspring/decimal"
)

// memStore mirrors the conditional-write semantics of store.Store in memory.
type memStore struct {
	mu       sync.Mutex
	products map[int64]models.Product
	coupons  map[string]models.Coupon
	orders   map[string]models.Order
	items    map[string][]models.OrderItem
	outbox   []outboxEntry

	finalizeErr error
	finalizes   int
}

type outboxEntry struct {
	event    *models.OrderConfirmedEvent
	sent     bool
	attempts int
}

func newMemStore() *memStore {
	return &memStore{
		products: make(map[int64]models.Product),
		coupons:  make(map[string]models.Coupon),
		orders:   make(map[string]models.Order),
		items:    make(map[string][]models.OrderItem),
	}
}

func (m *memStore) addProduct(id int64, name, price string, stock int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[id] = models.Product{ID: id, Name: name, Price: decimal.RequireFromString(price), Stock: stock}
}

func (m *memStore) addCoupon(c models.Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coupons[c.Code] = c
}

func (m *memStore) addOrder(o models.Order, items []models.OrderItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range items {
		items[i].OrderID = o.ID
	}
	m.orders[o.ID] = o
	m.items[o.ID] = items
}

func (m *memStore) order(id string) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

func (m *memStore) stock(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].Stock
}

func (m *memStore) couponUsed(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coupons[code].UsedCount
}

func (m *memStore) outboxEntries() []outboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]outboxEntry(nil), m.outbox...)
}

func (m *memStore) pendingOutbox() []*models.OrderConfirmedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.OrderConfirmedEvent
	for _, e := range m.outbox {
		if !e.sent {
			out = append(out, e.event)
		}
	}
	return out
}

// FetchPendingOutbox ignores cutoff; tests drive the relay explicitly.
func (m *memStore) FetchPendingOutbox(_ context.Context, _ time.Time, limit int) ([]store.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.OutboxRecord
	for i, e := range m.outbox {
		if e.sent || len(out) == limit {
			continue
		}
		payload, err := json.Marshal(e.event)
		if err != nil {
			return nil, err
		}
		out = append(out, store.OutboxRecord{
			ID:        int64(i + 1),
			EventID:   e.event.EventID,
			EventType: e.event.EventType,
			OrderID:   e.event.OrderID,
			Payload:   payload,
			Attempts:  e.attempts,
		})
	}
	return out, nil
}

func (m *memStore) MarkOutboxSent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].event.EventID == eventID && !m.outbox[i].sent {
			m.outbox[i].sent = true
			m.outbox[i].attempts++
		}
	}
	return nil
}

func (m *memStore) MarkOutboxFailed(_ context.Context, eventID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].event.EventID == eventID && !m.outbox[i].sent {
			m.outbox[i].attempts++
		}
	}
	return nil
}

func (m *memStore) GetProductsByIDs(_ context.Context, ids []int64) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) GetCouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[models.NormalizeCouponCode(code)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *memStore) GetOrderByID(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, models.ErrOrderNotFound)
	}
	return &o, nil
}

func (m *memStore) GetOrderByGatewayID(_ context.Context, gatewayOrderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.GatewayOrderID == gatewayOrderID {
			o := o
			return &o, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", gatewayOrderID, models.ErrOrderNotFound)
}

func (m *memStore) GetOrderItemsByOrderID(_ context.Context, orderID string) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderItem(nil), m.items[orderID]...), nil
}

func (m *memStore) CreatePendingOrder(_ context.Context, order *models.Order, items []models.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(order, items)
}

func (m *memStore) CreateConfirmedOrder(_ context.Context, order *models.Order, items []models.OrderItem, event *models.OrderConfirmedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.stockAvailableLocked(items) {
		return models.ErrStockConflict
	}
	if order.CouponCode != nil {
		c, ok := m.coupons[*order.CouponCode]
		if !ok || (c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit) {
			return models.ErrCouponUnavailable
		}
	}
	if err := m.insertLocked(order, items); err != nil {
		return err
	}
	m.applyLocked(items, order.CouponCode)
	if event != nil {
		m.outbox = append(m.outbox, outboxEntry{event: event})
	}
	return nil
}

func (m *memStore) FinalizeOrder(_ context.Context, p store.FinalizeParams) (*store.FinalizeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizes++

	if m.finalizeErr != nil {
		return nil, m.finalizeErr
	}
	o := m.orders[p.OrderID]
	if o.Status != models.OrderStatusPending {
		return nil, models.ErrOrderNotPending
	}
	if !m.stockAvailableLocked(p.Items) {
		return nil, fmt.Errorf("product out of stock: %w", models.ErrStockConflict)
	}

	redeemed := m.applyLocked(p.Items, p.CouponCode)
	o.Status = p.TargetStatus
	paymentID := p.PaymentID
	o.PaymentID = &paymentID
	m.orders[o.ID] = o
	if p.Event != nil {
		m.outbox = append(m.outbox, outboxEntry{event: p.Event})
	}
	return &store.FinalizeResult{CouponRedeemed: redeemed}, nil
}

func (m *memStore) insertLocked(order *models.Order, items []models.OrderItem) error {
	for _, o := range m.orders {
		if o.GatewayOrderID == order.GatewayOrderID {
			return models.ErrDuplicateGatewayOrder
		}
	}
	now := time.Now()
	order.CreatedAt, order.UpdatedAt = now, now
	for i := range items {
		items[i].OrderID = order.ID
		items[i].ID = int64(i + 1)
	}
	m.orders[order.ID] = *order
	m.items[order.ID] = append([]models.OrderItem(nil), items...)
	return nil
}

func (m *memStore) stockAvailableLocked(items []models.OrderItem) bool {
	need := make(map[int64]int)
	for _, item := range items {
		if item.ProductID != nil {
			need[*item.ProductID] += item.Quantity
		}
	}
	for id, qty := range need {
		if m.products[id].Stock < qty {
			return false
		}
	}
	return true
}

func (m *memStore) applyLocked(items []models.OrderItem, couponCode *string) bool {
	for _, item := range items {
		if item.ProductID == nil {
			continue
		}
		p := m.products[*item.ProductID]
		p.Stock -= item.Quantity
		m.products[p.ID] = p
	}
	if couponCode == nil {
		return false
	}
	c, ok := m.coupons[*couponCode]
	if !ok || (c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit) {
		return false
	}
	c.UsedCount++
	m.coupons[c.Code] = c
	return true
}

type fakeGateway struct {
	mu      sync.Mutex
	amounts map[string]int64
	paid    map[string]int64
	err     error
	created []gateway.CreateOrderRequest
	fetches int

	// hold, when set, blocks FetchOrder until closed; entered is signalled
	// once the call is blocked.
	hold    chan struct{}
	entered chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{amounts: make(map[string]int64), paid: make(map[string]int64)}
}

func (g *fakeGateway) FetchOrder(ctx context.Context, gatewayOrderID string) (*gateway.Order, error) {
	g.mu.Lock()
	g.fetches++
	hold, entered := g.hold, g.entered
	g.mu.Unlock()

	if hold != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-hold
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %v: %w", gatewayOrderID, err, models.ErrGatewayUnavailable)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	amount, ok := g.amounts[gatewayOrderID]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", gatewayOrderID, models.ErrGatewayUnavailable)
	}
	paid, ok := g.paid[gatewayOrderID]
	if !ok {
		paid = amount
	}
	return &gateway.Order{ID: gatewayOrderID, AmountMinor: amount, AmountPaid: paid, Status: "paid"}, nil
}

func (g *fakeGateway) CreateOrder(_ context.Context, req gateway.CreateOrderRequest) (*gateway.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.created = append(g.created, req)
	id := fmt.Sprintf("order_gw%d", len(g.created))
	g.amounts[id] = req.AmountMinor
	return &gateway.Order{ID: id, AmountMinor: req.AmountMinor, Currency: req.Currency, Status: "created", Receipt: req.Receipt}, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*models.OrderConfirmedEvent
	err    error
}

func (n *fakeNotifier) PublishOrderConfirmed(_ context.Context, event *models.OrderConfirmedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fakeDeduper struct {
	mu     sync.Mutex
	seen   map[string]string
	getErr error
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{seen: make(map[string]string)}
}

func (d *fakeDeduper) WebhookEventSeen(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.getErr != nil {
		return false, d.getErr
	}
	_, ok := d.seen[eventID]
	return ok, nil
}

func (d *fakeDeduper) MarkWebhookEvent(_ context.Context, eventID, outcome string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[eventID]; ok {
		return false, nil
	}
	d.seen[eventID] = outcome
	return true, nil
}

func int64Ptr(v int64) *int64 { return &v }

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

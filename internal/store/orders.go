package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"order-finalizer/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, status, amount, discount_amount, coupon_code, gateway_order_id, payment_id,
	expires_at, customer_name, customer_email, customer_phone, created_at, updated_at`

// FinalizeParams describes the single atomic transition out of PENDING.
type FinalizeParams struct {
	OrderID      string
	PaymentID    string
	TargetStatus string
	Items        []models.OrderItem
	CouponCode   *string
	// Event is written to the outbox when the transition commits.
	Event *models.OrderConfirmedEvent
}

// FinalizeResult reports side effects applied by a committed finalize.
type FinalizeResult struct {
	CouponRedeemed bool
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

// GetOrderByGatewayID retrieves an order by the gateway-assigned order id
func (s *Store) GetOrderByGatewayID(ctx context.Context, gatewayOrderID string) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE gateway_order_id = $1", gatewayOrderID)
}

func (s *Store) getOrder(ctx context.Context, query, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, models.ErrOrderNotFound)
	}
	if err != nil {
		return nil, transient("select order", err)
	}
	return &order, nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT id, order_id, product_id, title, price, quantity FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	if err != nil {
		return nil, transient("select order items", err)
	}
	return items, nil
}

// CreatePendingOrder stores a new PENDING order with its frozen item snapshots.
func (s *Store) CreatePendingOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return transient("begin create order", err)
	}
	defer tx.Rollback()

	if err := insertOrder(ctx, tx, order, items); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return transient("commit create order", err)
	}
	return nil
}

// FinalizeOrder flips a PENDING order to the target status, decrements stock
// for every catalog item, redeems the coupon and queues the confirmation
// event, all in one transaction.
// ErrOrderNotPending means another confirmation got there first or the order
// left PENDING some other way; nothing was changed.
func (s *Store) FinalizeOrder(ctx context.Context, p FinalizeParams) (*FinalizeResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, transient("begin finalize", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, payment_id = $2, updated_at = NOW() WHERE id = $3 AND status = $4",
		p.TargetStatus, p.PaymentID, p.OrderID, models.OrderStatusPending)
	if err != nil {
		return nil, transient("update order status", err)
	}
	flipped, err := res.RowsAffected()
	if err != nil {
		return nil, transient("update order status", err)
	}
	if flipped == 0 {
		return nil, models.ErrOrderNotPending
	}

	if err := decrementStock(ctx, tx, p.Items); err != nil {
		return nil, err
	}

	result := &FinalizeResult{}
	if p.CouponCode != nil && *p.CouponCode != "" {
		result.CouponRedeemed, err = redeemCoupon(ctx, tx, *p.CouponCode)
		if err != nil {
			return nil, err
		}
	}

	if p.Event != nil {
		if err := insertOutbox(ctx, tx, p.Event); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, transient("commit finalize", err)
	}
	return result, nil
}

// CreateConfirmedOrder inserts an already-paid order, applies its stock and
// coupon side effects and queues event in one transaction. A coupon that can
// no longer be redeemed aborts the whole order.
func (s *Store) CreateConfirmedOrder(ctx context.Context, order *models.Order, items []models.OrderItem, event *models.OrderConfirmedEvent) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return transient("begin confirmed order", err)
	}
	defer tx.Rollback()

	if err := insertOrder(ctx, tx, order, items); err != nil {
		return err
	}

	if err := decrementStock(ctx, tx, items); err != nil {
		return err
	}

	if order.CouponCode != nil && *order.CouponCode != "" {
		redeemed, err := redeemCoupon(ctx, tx, *order.CouponCode)
		if err != nil {
			return err
		}
		if !redeemed {
			return fmt.Errorf("coupon %s: %w", *order.CouponCode, models.ErrCouponUnavailable)
		}
	}

	if event != nil {
		if err := insertOutbox(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return transient("commit confirmed order", err)
	}
	return nil
}

func insertOrder(ctx context.Context, tx *sqlx.Tx, order *models.Order, items []models.OrderItem) error {
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO orders (id, status, amount, discount_amount, coupon_code, gateway_order_id, payment_id,
			expires_at, customer_name, customer_email, customer_phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		order.ID, order.Status, order.Amount, order.DiscountAmount, order.CouponCode, order.GatewayOrderID,
		order.PaymentID, order.ExpiresAt, order.CustomerName, order.CustomerEmail, order.CustomerPhone,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", order.GatewayOrderID, models.ErrDuplicateGatewayOrder)
		}
		return transient("insert order", err)
	}

	for i := range items {
		items[i].OrderID = order.ID
		err := tx.QueryRowxContext(ctx,
			"INSERT INTO order_items (order_id, product_id, title, price, quantity) VALUES ($1, $2, $3, $4, $5) RETURNING id",
			order.ID, items[i].ProductID, items[i].Title, items[i].Price, items[i].Quantity,
		).Scan(&items[i].ID)
		if err != nil {
			return transient("insert order item", err)
		}
	}
	return nil
}

type stockDemand struct {
	productID int64
	quantity  int
}

// demandByProduct sums quantities per catalog product, skipping custom items,
// and orders them by product id so concurrent transactions lock rows in the
// same order.
func demandByProduct(items []models.OrderItem) []stockDemand {
	totals := make(map[int64]int)
	for _, item := range items {
		if item.ProductID == nil {
			continue
		}
		totals[*item.ProductID] += item.Quantity
	}

	out := make([]stockDemand, 0, len(totals))
	for id, qty := range totals {
		out = append(out, stockDemand{productID: id, quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].productID < out[j].productID })
	return out
}

// decrementStock applies each decrement only if enough stock remains at the
// moment of the write.
func decrementStock(ctx context.Context, tx *sqlx.Tx, items []models.OrderItem) error {
	for _, d := range demandByProduct(items) {
		res, err := tx.ExecContext(ctx,
			"UPDATE products SET stock = stock - $1 WHERE id = $2 AND stock >= $1",
			d.quantity, d.productID)
		if err != nil {
			return transient("decrement stock", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return transient("decrement stock", err)
		}
		if n == 0 {
			return fmt.Errorf("product %d: %w", d.productID, models.ErrStockConflict)
		}
	}
	return nil
}

func redeemCoupon(ctx context.Context, tx *sqlx.Tx, code string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		"UPDATE coupons SET used_count = used_count + 1 WHERE code = $1 AND (usage_limit IS NULL OR used_count < usage_limit)",
		models.NormalizeCouponCode(code))
	if err != nil {
		return false, transient("redeem coupon", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, transient("redeem coupon", err)
	}
	return n > 0, nil
}

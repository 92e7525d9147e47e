package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a product in the catalog
type Product struct {
	ID        int64           `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Stock     int             `db:"stock" json:"stock"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Order represents a customer order. Amount is what the buyer pays after discount.
type Order struct {
	ID             string          `db:"id" json:"id"`
	Status         string          `db:"status" json:"status"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	CouponCode     *string         `db:"coupon_code" json:"coupon_code,omitempty"`
	GatewayOrderID string          `db:"gateway_order_id" json:"gateway_order_id"`
	PaymentID      *string         `db:"payment_id" json:"payment_id,omitempty"`
	ExpiresAt      *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	CustomerName   string          `db:"customer_name" json:"customer_name"`
	CustomerEmail  string          `db:"customer_email" json:"customer_email"`
	CustomerPhone  string          `db:"customer_phone" json:"customer_phone"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// AmountMinorUnits converts the payable amount to the gateway's minor currency unit.
func (o *Order) AmountMinorUnits() int64 {
	return ToMinorUnits(o.Amount)
}

// Expired reports whether the payment deadline has passed at now.
func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// OrderItem is a snapshot of what was bought. Title and Price are frozen at
// order creation and never re-read from Product. ProductID is nil for
// custom items that have no catalog entry.
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   string          `db:"order_id" json:"order_id"`
	ProductID *int64          `db:"product_id" json:"product_id,omitempty"`
	Title     string          `db:"title" json:"title"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Quantity  int             `db:"quantity" json:"quantity"`
}

// LineTotal returns price * quantity.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Coupon represents a discount code
type Coupon struct {
	Code         string          `db:"code" json:"code"`
	DiscountType string          `db:"discount_type" json:"discount_type"`
	Value        decimal.Decimal `db:"value" json:"value"`
	UsageLimit   *int            `db:"usage_limit" json:"usage_limit,omitempty"`
	UsedCount    int             `db:"used_count" json:"used_count"`
	IsActive     bool            `db:"is_active" json:"is_active"`
	EndDate      *time.Time      `db:"end_date" json:"end_date,omitempty"`
}

// Redeemable reports whether the coupon may still be applied at now.
func (c *Coupon) Redeemable(now time.Time) bool {
	if c == nil || !c.IsActive {
		return false
	}
	if c.EndDate != nil && now.After(*c.EndDate) {
		return false
	}
	if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
		return false
	}
	return true
}

// Order statuses
const (
	OrderStatusPending    = "PENDING"
	OrderStatusProcessing = "PROCESSING"
	OrderStatusPaid       = "PAID"
	OrderStatusShipped    = "SHIPPED"
	OrderStatusDelivered  = "DELIVERED"
	OrderStatusCancelled  = "CANCELLED"
)

// Coupon discount types
const (
	DiscountTypePercentage = "PERCENTAGE"
	DiscountTypeFixed      = "FIXED"
)

// IsConfirmedStatus reports whether a status means payment was already confirmed.
func IsConfirmedStatus(status string) bool {
	switch status {
	case OrderStatusProcessing, OrderStatusPaid, OrderStatusShipped:
		return true
	}
	return false
}

// NormalizeCouponCode trims and uppercases a coupon code.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var hundred = decimal.NewFromInt(100)

// ToMinorUnits returns round(amount * 100).
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

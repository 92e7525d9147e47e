package service

import (
	"context"
	"fmt"
	"time"

	"order-finalizer/internal/models"
	"order-finalizer/internal/util"

	"github.com/shopspring/decimal"
)

// CartItem is a product and quantity as submitted by the buyer. Prices are
// never taken from the client.
type CartItem struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// Quote is a server-side price computation for a cart.
type Quote struct {
	Items      []models.OrderItem `json:"items"`
	Subtotal   decimal.Decimal    `json:"subtotal"`
	Discount   decimal.Decimal    `json:"discount"`
	Total      decimal.Decimal    `json:"total"`
	CouponCode *string            `json:"coupon_code,omitempty"`
	// CouponRejected explains why a submitted code was not applied.
	CouponRejected string `json:"coupon_rejected,omitempty"`
}

// Pricer recomputes cart totals from live catalog prices, stock and coupon state.
type Pricer struct {
	catalog CatalogReader
	now     func() time.Time
}

// NewPricer creates a new pricer
func NewPricer(catalog CatalogReader) *Pricer {
	return &Pricer{catalog: catalog, now: time.Now}
}

// Quote prices the cart. An unusable coupon yields a zero discount, not an error.
func (p *Pricer) Quote(ctx context.Context, cart []CartItem, couponCode string) (*Quote, error) {
	ctx, span := util.StartSpan(ctx, "Pricer.Quote")
	defer span.End()

	lines, err := mergeCart(cart)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(lines))
	for i, line := range lines {
		ids[i] = line.ProductID
	}
	products, err := p.catalog.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]models.Product, len(products))
	for _, product := range products {
		byID[product.ID] = product
	}

	quote := &Quote{Items: make([]models.OrderItem, 0, len(lines))}
	for _, line := range lines {
		product, ok := byID[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %d not found: %w", line.ProductID, models.ErrValidation)
		}
		if product.Stock < line.Quantity {
			return nil, fmt.Errorf("product %d has %d in stock, %d requested: %w",
				product.ID, product.Stock, line.Quantity, models.ErrStockConflict)
		}

		productID := product.ID
		item := models.OrderItem{
			ProductID: &productID,
			Title:     product.Name,
			Price:     product.Price,
			Quantity:  line.Quantity,
		}
		quote.Items = append(quote.Items, item)
		quote.Subtotal = quote.Subtotal.Add(item.LineTotal())
	}

	if err := p.applyCoupon(ctx, quote, couponCode); err != nil {
		return nil, err
	}
	quote.Total = quote.Subtotal.Sub(quote.Discount)
	return quote, nil
}

func (p *Pricer) applyCoupon(ctx context.Context, quote *Quote, rawCode string) error {
	code := models.NormalizeCouponCode(rawCode)
	if code == "" {
		util.CheckoutQuotesTotal.WithLabelValues("none").Inc()
		return nil
	}

	coupon, err := p.catalog.GetCouponByCode(ctx, code)
	if err != nil {
		return err
	}
	if reason := couponRejection(coupon, p.now()); reason != "" {
		util.CheckoutQuotesTotal.WithLabelValues("rejected").Inc()
		quote.CouponRejected = reason
		return nil
	}

	util.CheckoutQuotesTotal.WithLabelValues("applied").Inc()
	quote.Discount = Discount(coupon, quote.Subtotal)
	quote.CouponCode = &code
	return nil
}

func couponRejection(coupon *models.Coupon, now time.Time) string {
	switch {
	case coupon == nil:
		return "not_found"
	case !coupon.IsActive:
		return "inactive"
	case coupon.EndDate != nil && now.After(*coupon.EndDate):
		return "expired"
	case !coupon.Redeemable(now):
		return "usage_limit_reached"
	}
	return ""
}

// Discount computes a coupon's discount on subtotal, rounded to two places
// and never more than subtotal.
func Discount(coupon *models.Coupon, subtotal decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch coupon.DiscountType {
	case models.DiscountTypePercentage:
		discount = subtotal.Mul(coupon.Value).Div(decimal.NewFromInt(100))
	case models.DiscountTypeFixed:
		discount = coupon.Value
	}
	discount = discount.Round(2)

	if discount.IsNegative() {
		return decimal.Zero
	}
	if discount.GreaterThan(subtotal) {
		return subtotal
	}
	return discount
}

// mergeCart validates quantities and folds repeated products into one line,
// keeping first-seen order.
func mergeCart(cart []CartItem) ([]CartItem, error) {
	if len(cart) == 0 {
		return nil, fmt.Errorf("cart is empty: %w", models.ErrValidation)
	}

	index := make(map[int64]int, len(cart))
	lines := make([]CartItem, 0, len(cart))
	for _, item := range cart {
		if item.ProductID <= 0 || item.Quantity < 1 {
			return nil, fmt.Errorf("invalid cart line product=%d quantity=%d: %w",
				item.ProductID, item.Quantity, models.ErrValidation)
		}
		if i, ok := index[item.ProductID]; ok {
			lines[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(lines)
		lines = append(lines, item)
	}
	return lines, nil
}

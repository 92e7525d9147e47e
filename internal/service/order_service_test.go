package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"order-finalizer/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCustomer = Customer{Name: "Asha Rao", Email: "asha@example.com", Phone: "+919800000000"}

func newOrderServiceFixture(t *testing.T) (*OrderService, *finalizerFixture) {
	t.Helper()
	f := newFinalizerFixture(t)
	f.store.addProduct(2, "Brass pen stand", "150.50", 10)

	svc := NewOrderService(f.store, f.gateway, f.verifier, f.notifier, CheckoutConfig{
		KeyID:       "rzp_test_key",
		Currency:    "INR",
		OrderExpiry: 30 * time.Minute,
	}, time.Second)
	svc.now = func() time.Time { return testNow }
	svc.pricer.now = func() time.Time { return testNow }
	return svc, f
}

func TestQuote(t *testing.T) {
	svc, f := newOrderServiceFixture(t)
	endDate := testNow.Add(24 * time.Hour)
	pastDate := testNow.Add(-24 * time.Hour)
	f.store.addCoupon(models.Coupon{Code: "TENOFF", DiscountType: models.DiscountTypePercentage,
		Value: decimal.NewFromInt(10), IsActive: true, EndDate: &endDate})
	f.store.addCoupon(models.Coupon{Code: "FLAT2000", DiscountType: models.DiscountTypeFixed,
		Value: decimal.NewFromInt(2000), IsActive: true})
	f.store.addCoupon(models.Coupon{Code: "FULL", DiscountType: models.DiscountTypeFixed,
		Value: decimal.NewFromInt(50), UsageLimit: intPtr(100), UsedCount: 100, IsActive: true})
	f.store.addCoupon(models.Coupon{Code: "OLD", DiscountType: models.DiscountTypeFixed,
		Value: decimal.NewFromInt(50), IsActive: true, EndDate: &pastDate})
	f.store.addCoupon(models.Coupon{Code: "OFF", DiscountType: models.DiscountTypeFixed,
		Value: decimal.NewFromInt(50), IsActive: false})

	cart := []CartItem{{ProductID: 1, Quantity: 2}, {ProductID: 2, Quantity: 1}}

	tests := []struct {
		name         string
		coupon       string
		wantDiscount string
		wantTotal    string
		wantCoupon   string
		wantRejected string
	}{
		{name: "no coupon", wantDiscount: "0", wantTotal: "1148.5"},
		{name: "percentage rounds to paise", coupon: " tenoff ", wantDiscount: "114.85", wantTotal: "1033.65", wantCoupon: "TENOFF"},
		{name: "fixed capped at subtotal", coupon: "FLAT2000", wantDiscount: "1148.5", wantTotal: "0", wantCoupon: "FLAT2000"},
		{name: "usage limit reached", coupon: "FULL", wantDiscount: "0", wantTotal: "1148.5", wantRejected: "usage_limit_reached"},
		{name: "expired", coupon: "OLD", wantDiscount: "0", wantTotal: "1148.5", wantRejected: "expired"},
		{name: "inactive", coupon: "OFF", wantDiscount: "0", wantTotal: "1148.5", wantRejected: "inactive"},
		{name: "unknown", coupon: "NOPE", wantDiscount: "0", wantTotal: "1148.5", wantRejected: "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quote, err := svc.Quote(context.Background(), &QuoteRequest{Items: cart, CouponCode: tt.coupon})
			require.NoError(t, err)

			assert.True(t, decimal.RequireFromString("1148.50").Equal(quote.Subtotal), quote.Subtotal.String())
			assert.True(t, decimal.RequireFromString(tt.wantDiscount).Equal(quote.Discount), quote.Discount.String())
			assert.True(t, decimal.RequireFromString(tt.wantTotal).Equal(quote.Total), quote.Total.String())
			if tt.wantCoupon == "" {
				assert.Nil(t, quote.CouponCode)
			} else {
				require.NotNil(t, quote.CouponCode)
				assert.Equal(t, tt.wantCoupon, *quote.CouponCode)
			}
			assert.Equal(t, tt.wantRejected, quote.CouponRejected)
		})
	}
}

func TestQuote_MergesDuplicateLines(t *testing.T) {
	svc, _ := newOrderServiceFixture(t)

	quote, err := svc.Quote(context.Background(), &QuoteRequest{Items: []CartItem{
		{ProductID: 2, Quantity: 1},
		{ProductID: 1, Quantity: 1},
		{ProductID: 2, Quantity: 2},
	}})
	require.NoError(t, err)

	require.Len(t, quote.Items, 2)
	assert.Equal(t, int64(2), *quote.Items[0].ProductID)
	assert.Equal(t, 3, quote.Items[0].Quantity)
	assert.True(t, decimal.RequireFromString("950.50").Equal(quote.Subtotal))
}

func TestQuote_Errors(t *testing.T) {
	svc, _ := newOrderServiceFixture(t)

	tests := []struct {
		name string
		cart []CartItem
		want error
	}{
		{"empty cart", nil, models.ErrValidation},
		{"zero quantity", []CartItem{{ProductID: 1, Quantity: 0}}, models.ErrValidation},
		{"unknown product", []CartItem{{ProductID: 99, Quantity: 1}}, models.ErrValidation},
		{"more than stock", []CartItem{{ProductID: 1, Quantity: 6}}, models.ErrStockConflict},
		{"merged lines exceed stock", []CartItem{{ProductID: 1, Quantity: 3}, {ProductID: 1, Quantity: 3}}, models.ErrStockConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Quote(context.Background(), &QuoteRequest{Items: tt.cart})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDiscount(t *testing.T) {
	subtotal := decimal.RequireFromString("333.33")

	pct := &models.Coupon{DiscountType: models.DiscountTypePercentage, Value: decimal.RequireFromString("12.5")}
	assert.Equal(t, "41.67", Discount(pct, subtotal).StringFixed(2))

	fixed := &models.Coupon{DiscountType: models.DiscountTypeFixed, Value: decimal.NewFromInt(500)}
	assert.True(t, subtotal.Equal(Discount(fixed, subtotal)))

	unknown := &models.Coupon{DiscountType: "BOGO", Value: decimal.NewFromInt(5)}
	assert.True(t, Discount(unknown, subtotal).IsZero())
}

func TestInitiateCheckout(t *testing.T) {
	svc, f := newOrderServiceFixture(t)

	resp, err := svc.InitiateCheckout(context.Background(), &CheckoutRequest{
		Items:    []CartItem{{ProductID: 1, Quantity: 1}},
		Customer: testCustomer,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(49900), resp.AmountMinor)
	assert.Equal(t, "INR", resp.Currency)
	assert.Equal(t, "rzp_test_key", resp.KeyID)
	assert.Equal(t, testNow.Add(30*time.Minute), resp.ExpiresAt)

	require.Len(t, f.gateway.created, 1)
	assert.Equal(t, resp.OrderID, f.gateway.created[0].Receipt)
	assert.Equal(t, int64(49900), f.gateway.created[0].AmountMinor)

	stored := f.store.order(resp.OrderID)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
	assert.Equal(t, resp.GatewayOrderID, stored.GatewayOrderID)
	assert.Equal(t, 5, f.store.stock(1), "checkout does not reserve stock")

	// The checkout order is confirmable by the finalizer end to end.
	sig := f.verifier.SignPayment(resp.GatewayOrderID, testPaymentID)
	result, err := f.finalizer.ConfirmPayment(context.Background(), resp.GatewayOrderID, testPaymentID, sig)
	require.NoError(t, err)
	assert.Equal(t, resp.OrderID, result.Order.ID)
	assert.Equal(t, 4, f.store.stock(1))
}

func TestInitiateCheckout_RejectsFreeOrder(t *testing.T) {
	svc, f := newOrderServiceFixture(t)
	f.store.addCoupon(models.Coupon{Code: "ALL", DiscountType: models.DiscountTypePercentage,
		Value: decimal.NewFromInt(100), IsActive: true})

	_, err := svc.InitiateCheckout(context.Background(), &CheckoutRequest{
		Items:      []CartItem{{ProductID: 1, Quantity: 1}},
		CouponCode: "ALL",
		Customer:   testCustomer,
	})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Empty(t, f.gateway.created)
}

func TestInitiateCheckout_GatewayDown(t *testing.T) {
	svc, f := newOrderServiceFixture(t)
	f.gateway.err = models.ErrGatewayUnavailable

	_, err := svc.InitiateCheckout(context.Background(), &CheckoutRequest{
		Items:    []CartItem{{ProductID: 1, Quantity: 1}},
		Customer: testCustomer,
	})
	assert.ErrorIs(t, err, models.ErrGatewayUnavailable)
	assert.Empty(t, f.store.orders)
}

func purchaseRequest(f *finalizerFixture, cart []CartItem, coupon string) *PurchaseRequest {
	return &PurchaseRequest{
		GatewayOrderID: testGatewayID,
		PaymentID:      testPaymentID,
		Signature:      f.verifier.SignPayment(testGatewayID, testPaymentID),
		Items:          cart,
		CouponCode:     coupon,
		Customer:       testCustomer,
	}
}

func TestConfirmPurchase(t *testing.T) {
	svc, f := newOrderServiceFixture(t)
	f.store.addCoupon(models.Coupon{Code: "TENOFF", DiscountType: models.DiscountTypePercentage,
		Value: decimal.NewFromInt(10), UsageLimit: intPtr(5), UsedCount: 4, IsActive: true})

	result, err := svc.ConfirmPurchase(context.Background(),
		purchaseRequest(f, []CartItem{{ProductID: 1, Quantity: 2}}, "tenoff"))
	require.NoError(t, err)

	assert.False(t, result.AlreadyConfirmed)
	assert.Equal(t, models.OrderStatusProcessing, result.Order.Status)
	assert.True(t, decimal.RequireFromString("898.20").Equal(result.Order.Amount), result.Order.Amount.String())
	assert.True(t, decimal.RequireFromString("99.80").Equal(result.Order.DiscountAmount))
	assert.Equal(t, 3, f.store.stock(1))
	assert.Equal(t, 5, f.store.couponUsed("TENOFF"))

	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, models.SourcePurchase, f.notifier.events[0].Source)

	outbox := f.store.outboxEntries()
	require.Len(t, outbox, 1)
	assert.Equal(t, result.Order.ID, outbox[0].event.OrderID)
	assert.True(t, outbox[0].sent)
}

func TestConfirmPurchase_ExhaustedCouponChargesSubtotal(t *testing.T) {
	svc, f := newOrderServiceFixture(t)
	f.store.addCoupon(models.Coupon{Code: "FULL", DiscountType: models.DiscountTypeFixed,
		Value: decimal.NewFromInt(50), UsageLimit: intPtr(100), UsedCount: 100, IsActive: true})

	result, err := svc.ConfirmPurchase(context.Background(),
		purchaseRequest(f, []CartItem{{ProductID: 1, Quantity: 1}}, "full"))
	require.NoError(t, err)

	assert.False(t, result.AlreadyConfirmed)
	assert.True(t, decimal.RequireFromString("499").Equal(result.Order.Amount), result.Order.Amount.String())
	assert.True(t, result.Order.DiscountAmount.IsZero())
	assert.Nil(t, result.Order.CouponCode)
	assert.Nil(t, f.store.order(result.Order.ID).CouponCode)
	assert.Equal(t, 100, f.store.couponUsed("FULL"))
	assert.Equal(t, 4, f.store.stock(1))
}

func TestConfirmPurchase_FailedPublishStaysQueued(t *testing.T) {
	svc, f := newOrderServiceFixture(t)
	f.notifier.err = errors.New("kafka: leader not available")

	result, err := svc.ConfirmPurchase(context.Background(),
		purchaseRequest(f, []CartItem{{ProductID: 1, Quantity: 1}}, ""))
	require.NoError(t, err)

	pending := f.store.pendingOutbox()
	require.Len(t, pending, 1)
	assert.Equal(t, result.Order.ID, pending[0].OrderID)
	assert.Equal(t, models.SourcePurchase, pending[0].Source)
}

func TestConfirmPurchase_Replay(t *testing.T) {
	svc, f := newOrderServiceFixture(t)
	req := purchaseRequest(f, []CartItem{{ProductID: 1, Quantity: 1}}, "")

	first, err := svc.ConfirmPurchase(context.Background(), req)
	require.NoError(t, err)

	second, err := svc.ConfirmPurchase(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.AlreadyConfirmed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 4, f.store.stock(1))
	assert.Equal(t, 1, f.notifier.count())
}

func TestConfirmPurchase_ConcurrentReplaysCreateOneOrder(t *testing.T) {
	svc, f := newOrderServiceFixture(t)
	req := purchaseRequest(f, []CartItem{{ProductID: 1, Quantity: 1}}, "")

	var wg sync.WaitGroup
	results := make([]*FinalizeResult, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.ConfirmPurchase(context.Background(), req)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].AlreadyConfirmed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Len(t, f.store.orders, 1)
	assert.Equal(t, 4, f.store.stock(1))
	assert.Equal(t, 1, f.notifier.count())
}

func TestConfirmPurchase_Failures(t *testing.T) {
	t.Run("bad signature", func(t *testing.T) {
		svc, f := newOrderServiceFixture(t)
		req := purchaseRequest(f, []CartItem{{ProductID: 1, Quantity: 1}}, "")
		req.Signature = f.verifier.SignPayment(testGatewayID, "pay_forged")

		_, err := svc.ConfirmPurchase(context.Background(), req)
		assert.ErrorIs(t, err, models.ErrSignatureMismatch)
		assert.Empty(t, f.store.orders)
	})

	t.Run("out of stock", func(t *testing.T) {
		svc, f := newOrderServiceFixture(t)
		_, err := svc.ConfirmPurchase(context.Background(),
			purchaseRequest(f, []CartItem{{ProductID: 1, Quantity: 9}}, ""))
		assert.ErrorIs(t, err, models.ErrStockConflict)
		assert.Equal(t, 5, f.store.stock(1))
	})

	t.Run("missing customer", func(t *testing.T) {
		svc, f := newOrderServiceFixture(t)
		req := purchaseRequest(f, []CartItem{{ProductID: 1, Quantity: 1}}, "")
		req.Customer = Customer{}
		_, err := svc.ConfirmPurchase(context.Background(), req)
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("gateway order belongs to a cancelled order", func(t *testing.T) {
		svc, f := newOrderServiceFixture(t)
		order := f.seedPending(testOrderID, testGatewayID, 49900)
		order.Status = models.OrderStatusCancelled
		f.store.addOrder(order, nil)

		_, err := svc.ConfirmPurchase(context.Background(),
			purchaseRequest(f, []CartItem{{ProductID: 1, Quantity: 1}}, ""))
		assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
	})
}

func TestGetOrder(t *testing.T) {
	svc, f := newOrderServiceFixture(t)
	f.seedPending(testOrderID, testGatewayID, 49900)

	details, err := svc.GetOrder(context.Background(), testOrderID)
	require.NoError(t, err)
	assert.Equal(t, testGatewayID, details.Order.GatewayOrderID)
	assert.Len(t, details.Items, 1)

	_, err = svc.GetOrder(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = svc.GetOrder(context.Background(), "0a7e1c2d-0000-4000-8000-000000000000")
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}

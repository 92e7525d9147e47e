package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-finalizer/internal/gateway"
	"order-finalizer/internal/models"
	"order-finalizer/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CheckoutConfig holds what checkout needs from the gateway account.
type CheckoutConfig struct {
	KeyID       string
	Currency    string
	OrderExpiry time.Duration
}

// OrderService handles checkout, the combined purchase path and order reads
type OrderService struct {
	store    LedgerStore
	gateway  PaymentGateway
	verifier SignatureVerifier
	pricer   *Pricer
	sender   *confirmationSender
	cfg      CheckoutConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(
	store LedgerStore,
	gateway PaymentGateway,
	verifier SignatureVerifier,
	notifier Notifier,
	cfg CheckoutConfig,
	notifyTimeout time.Duration,
) *OrderService {
	logger := util.GetLogger()
	return &OrderService{
		store:    store,
		gateway:  gateway,
		verifier: verifier,
		pricer:   NewPricer(store),
		sender:   &confirmationSender{notifier: notifier, outbox: store, timeout: notifyTimeout, logger: logger},
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Customer identifies the buyer for notifications
type Customer struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required,email"`
	Phone string `json:"phone"`
}

// QuoteRequest represents a request to price a cart
type QuoteRequest struct {
	Items      []CartItem `json:"items" binding:"required,min=1,dive"`
	CouponCode string     `json:"coupon_code,omitempty"`
}

// CheckoutRequest represents a request to start a payment
type CheckoutRequest struct {
	Items      []CartItem `json:"items" binding:"required,min=1,dive"`
	CouponCode string     `json:"coupon_code,omitempty"`
	Customer   Customer   `json:"customer" binding:"required"`
}

// CheckoutResponse carries what the buyer's client needs to open the gateway checkout
type CheckoutResponse struct {
	OrderID        string          `json:"order_id"`
	GatewayOrderID string          `json:"gateway_order_id"`
	Amount         decimal.Decimal `json:"amount"`
	AmountMinor    int64           `json:"amount_minor"`
	Currency       string          `json:"currency"`
	KeyID          string          `json:"key_id"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// PurchaseRequest is a paid cart confirmed and created in one step
type PurchaseRequest struct {
	GatewayOrderID string     `json:"gateway_order_id" binding:"required"`
	PaymentID      string     `json:"payment_id" binding:"required"`
	Signature      string     `json:"signature" binding:"required"`
	Items          []CartItem `json:"items" binding:"required,min=1,dive"`
	CouponCode     string     `json:"coupon_code,omitempty"`
	Customer       Customer   `json:"customer" binding:"required"`
}

// OrderDetails is an order with its item snapshots
type OrderDetails struct {
	Order *models.Order      `json:"order"`
	Items []models.OrderItem `json:"items"`
}

// Quote prices a cart without side effects
func (s *OrderService) Quote(ctx context.Context, req *QuoteRequest) (*Quote, error) {
	return s.pricer.Quote(ctx, req.Items, req.CouponCode)
}

// InitiateCheckout prices the cart, opens a gateway order for the total and
// stores a PENDING order that expires after the configured window.
func (s *OrderService) InitiateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.InitiateCheckout")
	var err error
	defer func() { util.EndSpan(span, err) }()

	if err = validateCustomer(req.Customer); err != nil {
		return nil, err
	}

	quote, err := s.pricer.Quote(ctx, req.Items, req.CouponCode)
	if err != nil {
		return nil, err
	}
	if !quote.Total.IsPositive() {
		err = fmt.Errorf("order total %s is not payable: %w", quote.Total, models.ErrValidation)
		return nil, err
	}

	orderID := uuid.New().String()
	gwOrder, err := s.gateway.CreateOrder(ctx, gateway.CreateOrderRequest{
		AmountMinor: models.ToMinorUnits(quote.Total),
		Currency:    s.cfg.Currency,
		Receipt:     orderID,
		Notes:       map[string]string{"order_id": orderID},
	})
	if err != nil {
		return nil, err
	}

	expiresAt := s.now().Add(s.cfg.OrderExpiry)
	order := newOrder(orderID, models.OrderStatusPending, quote, req.Customer)
	order.GatewayOrderID = gwOrder.ID
	order.ExpiresAt = &expiresAt

	if err = s.store.CreatePendingOrder(ctx, order, quote.Items); err != nil {
		return nil, err
	}

	s.logger.Info("Checkout initiated",
		zap.String("order_id", order.ID),
		zap.String("gateway_order_id", order.GatewayOrderID),
		zap.String("amount", order.Amount.StringFixed(2)),
		zap.Time("expires_at", expiresAt))

	return &CheckoutResponse{
		OrderID:        order.ID,
		GatewayOrderID: order.GatewayOrderID,
		Amount:         order.Amount,
		AmountMinor:    order.AmountMinorUnits(),
		Currency:       s.cfg.Currency,
		KeyID:          s.cfg.KeyID,
		ExpiresAt:      expiresAt,
	}, nil
}

// ConfirmPurchase verifies a payment signature, re-derives the cart's price
// from live data and creates the order already confirmed, with stock and
// coupon usage applied in the same transaction. A replay for the same
// gateway order returns the existing order.
func (s *OrderService) ConfirmPurchase(ctx context.Context, req *PurchaseRequest) (*FinalizeResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmPurchase")
	var err error
	defer func() { util.EndSpan(span, err) }()

	util.FinalizeAttemptsTotal.WithLabelValues(models.SourcePurchase).Inc()
	start := time.Now()
	defer func() {
		util.FinalizeLatency.WithLabelValues(models.SourcePurchase).Observe(time.Since(start).Seconds())
	}()

	result, err := s.confirmPurchase(ctx, req)

	outcome := models.Reason(err)
	if result != nil && result.AlreadyConfirmed {
		outcome = "already_confirmed"
	}
	util.FinalizeOutcomesTotal.WithLabelValues(models.SourcePurchase, outcome).Inc()
	return result, err
}

func (s *OrderService) confirmPurchase(ctx context.Context, req *PurchaseRequest) (*FinalizeResult, error) {
	if err := validateCustomer(req.Customer); err != nil {
		return nil, err
	}

	if err := s.verifier.VerifyPayment(req.GatewayOrderID, req.PaymentID, req.Signature); err != nil {
		if errors.Is(err, models.ErrSignatureMismatch) {
			util.SignatureFailuresTotal.WithLabelValues(models.SourcePurchase).Inc()
			util.SecurityLogger().Error("Purchase signature mismatch",
				zap.String("gateway_order_id", req.GatewayOrderID),
				zap.String("payment_id", req.PaymentID))
		}
		return nil, err
	}

	if result, done, err := s.existingPurchase(ctx, req); done {
		return result, err
	}

	quote, err := s.pricer.Quote(ctx, req.Items, req.CouponCode)
	if err != nil {
		if errors.Is(err, models.ErrStockConflict) {
			util.StockConflictsTotal.Inc()
			s.logger.Error("Paid cart is out of stock, manual refund required",
				zap.String("gateway_order_id", req.GatewayOrderID),
				zap.String("payment_id", req.PaymentID),
				zap.Error(err))
		}
		return nil, err
	}
	if !quote.Total.IsPositive() {
		return nil, fmt.Errorf("order total %s is not payable: %w", quote.Total, models.ErrValidation)
	}

	order := newOrder(uuid.New().String(), confirmedStatus, quote, req.Customer)
	order.GatewayOrderID = req.GatewayOrderID
	order.PaymentID = &req.PaymentID

	event := newConfirmedEvent(order, quote.Items, models.SourcePurchase, s.now())
	err = s.store.CreateConfirmedOrder(ctx, order, quote.Items, event)
	if errors.Is(err, models.ErrDuplicateGatewayOrder) {
		// A concurrent replay inserted first.
		result, _, err := s.existingPurchase(ctx, req)
		if result == nil && err == nil {
			err = fmt.Errorf("gateway order %s vanished after duplicate insert: %w", req.GatewayOrderID, models.ErrTransientStore)
		}
		return result, err
	}
	if err != nil {
		if errors.Is(err, models.ErrStockConflict) {
			util.StockConflictsTotal.Inc()
			s.logger.Error("Paid cart went out of stock at commit, manual refund required",
				zap.String("gateway_order_id", req.GatewayOrderID),
				zap.String("payment_id", req.PaymentID),
				zap.Error(err))
		}
		return nil, err
	}

	util.OrdersConfirmedTotal.WithLabelValues(models.SourcePurchase).Inc()
	s.logger.Info("Order created and confirmed",
		zap.String("order_id", order.ID),
		zap.String("gateway_order_id", order.GatewayOrderID),
		zap.String("payment_id", req.PaymentID),
		zap.String("amount", order.Amount.StringFixed(2)))

	s.sender.send(ctx, event)
	return &FinalizeResult{Order: order}, nil
}

// existingPurchase looks for an order already recorded for the gateway order.
// done is false only when there is none.
func (s *OrderService) existingPurchase(ctx context.Context, req *PurchaseRequest) (*FinalizeResult, bool, error) {
	existing, err := s.store.GetOrderByGatewayID(ctx, req.GatewayOrderID)
	if errors.Is(err, models.ErrOrderNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, err
	}

	if models.IsConfirmedStatus(existing.Status) {
		s.logger.Info("Purchase already confirmed",
			zap.String("order_id", existing.ID),
			zap.String("gateway_order_id", req.GatewayOrderID))
		return &FinalizeResult{Order: existing, AlreadyConfirmed: true}, true, nil
	}
	return nil, true, fmt.Errorf("order %s is %s: %w", existing.ID, existing.Status, models.ErrInvalidStateTransition)
}

// GetOrder retrieves an order with its items
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*OrderDetails, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, fmt.Errorf("order id %q: %w", orderID, models.ErrValidation)
	}

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderDetails{Order: order, Items: items}, nil
}

func newOrder(id, status string, quote *Quote, customer Customer) *models.Order {
	return &models.Order{
		ID:             id,
		Status:         status,
		Amount:         quote.Total,
		DiscountAmount: quote.Discount,
		CouponCode:     quote.CouponCode,
		CustomerName:   customer.Name,
		CustomerEmail:  customer.Email,
		CustomerPhone:  customer.Phone,
	}
}

func validateCustomer(c Customer) error {
	if c.Name == "" || c.Email == "" {
		return fmt.Errorf("customer name and email are required: %w", models.ErrValidation)
	}
	return nil
}

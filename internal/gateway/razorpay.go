package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"order-finalizer/internal/models"
	"order-finalizer/internal/util"

	razorpay "github.com/razorpay/razorpay-go"
	"go.uber.org/zap"
)

// Order is the gateway's view of an order. Amounts are in minor units.
// AmountPaid is what the gateway has captured against the order so far.
type Order struct {
	ID          string
	AmountMinor int64
	AmountPaid  int64
	Currency    string
	Status      string
	Receipt     string
}

// CreateOrderRequest opens a gateway order for checkout.
type CreateOrderRequest struct {
	AmountMinor int64
	Currency    string
	Receipt     string
	Notes       map[string]string
}

// orderAPI is the subset of the Razorpay order resource this client uses.
type orderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Fetch(orderID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// Client calls the payment gateway's order API.
type Client struct {
	orders orderAPI
	logger *zap.Logger
}

// NewClient creates a gateway client authenticated with the API key pair
func NewClient(keyID, keySecret string) *Client {
	rzp := razorpay.NewClient(keyID, keySecret)
	return newClient(rzp.Order)
}

func newClient(orders orderAPI) *Client {
	return &Client{
		orders: orders,
		logger: util.GetLogger(),
	}
}

// FetchOrder returns the gateway's authoritative record of an order. Any
// failure wraps ErrGatewayUnavailable; callers must not fall back to trusting
// their own amount.
func (c *Client) FetchOrder(ctx context.Context, gatewayOrderID string) (*Order, error) {
	ctx, span := util.StartSpan(ctx, "GatewayClient.FetchOrder")
	defer span.End()

	body, err := c.call(ctx, func() (map[string]interface{}, error) {
		return c.orders.Fetch(gatewayOrderID, nil, nil)
	})
	if err != nil {
		c.logger.Warn("Gateway order fetch failed",
			zap.String("gateway_order_id", gatewayOrderID),
			zap.Error(err))
		return nil, fmt.Errorf("fetch gateway order %s: %v: %w", gatewayOrderID, err, models.ErrGatewayUnavailable)
	}

	order, err := parseOrder(body)
	if err != nil {
		return nil, fmt.Errorf("parse gateway order %s: %v: %w", gatewayOrderID, err, models.ErrGatewayUnavailable)
	}
	return order, nil
}

// CreateOrder opens a new gateway order
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	ctx, span := util.StartSpan(ctx, "GatewayClient.CreateOrder")
	defer span.End()

	// Auto-capture, so a verified payment shows up in amount_paid without a
	// separate capture call.
	data := map[string]interface{}{
		"amount":          req.AmountMinor,
		"currency":        req.Currency,
		"receipt":         req.Receipt,
		"payment_capture": 1,
	}
	if len(req.Notes) > 0 {
		notes := make(map[string]interface{}, len(req.Notes))
		for k, v := range req.Notes {
			notes[k] = v
		}
		data["notes"] = notes
	}

	body, err := c.call(ctx, func() (map[string]interface{}, error) {
		return c.orders.Create(data, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway order: %v: %w", err, models.ErrGatewayUnavailable)
	}

	order, err := parseOrder(body)
	if err != nil {
		return nil, fmt.Errorf("parse created gateway order: %v: %w", err, models.ErrGatewayUnavailable)
	}

	c.logger.Info("Gateway order created",
		zap.String("gateway_order_id", order.ID),
		zap.String("receipt", req.Receipt),
		zap.Int64("amount_minor", order.AmountMinor))
	return order, nil
}

// call runs a blocking SDK request but returns as soon as ctx is done.
func (c *Client) call(ctx context.Context, fn func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		body map[string]interface{}
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := fn()
		done <- result{body: body, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.body, r.err
	}
}

func parseOrder(body map[string]interface{}) (*Order, error) {
	id, _ := body["id"].(string)
	if id == "" {
		return nil, errors.New("response has no order id")
	}

	amount, err := toInt64(body["amount"])
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	paid, _ := toInt64(body["amount_paid"])

	order := &Order{
		ID:          id,
		AmountMinor: amount,
		AmountPaid:  paid,
	}
	order.Currency, _ = body["currency"].(string)
	order.Status, _ = body["status"].(string)
	order.Receipt, _ = body["receipt"].(string)
	return order, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

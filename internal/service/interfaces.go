package service

import (
	"context"
	"time"

	"order-finalizer/internal/gateway"
	"order-finalizer/internal/models"
	"order-finalizer/internal/store"
)

// LedgerStore is the durable order/product/coupon storage. *store.Store implements it.
type LedgerStore interface {
	CatalogReader
	OutboxMarker
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderByGatewayID(ctx context.Context, gatewayOrderID string) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID string) ([]models.OrderItem, error)
	CreatePendingOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error
	CreateConfirmedOrder(ctx context.Context, order *models.Order, items []models.OrderItem, event *models.OrderConfirmedEvent) error
	FinalizeOrder(ctx context.Context, p store.FinalizeParams) (*store.FinalizeResult, error)
}

// CatalogReader reads live prices, stock and coupons.
type CatalogReader interface {
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
}

// OutboxMarker records the result of publishing a queued event.
type OutboxMarker interface {
	MarkOutboxSent(ctx context.Context, eventID string) error
	MarkOutboxFailed(ctx context.Context, eventID, cause string) error
}

// PaymentGateway is the external payment processor. *gateway.Client implements it.
type PaymentGateway interface {
	FetchOrder(ctx context.Context, gatewayOrderID string) (*gateway.Order, error)
	CreateOrder(ctx context.Context, req gateway.CreateOrderRequest) (*gateway.Order, error)
}

// SignatureVerifier checks both gateway signing contracts. *signature.Verifier implements it.
type SignatureVerifier interface {
	VerifyPayment(gatewayOrderID, paymentID, signature string) error
	VerifyWebhook(rawBody []byte, signature string) error
}

// Notifier hands a confirmed order to the notification pipeline.
// *broker.EventPublisher implements it.
type Notifier interface {
	PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error
}

// EventDeduper remembers webhook deliveries already handled. *redisclient.Client implements it.
type EventDeduper interface {
	WebhookEventSeen(ctx context.Context, eventID string) (bool, error)
	MarkWebhookEvent(ctx context.Context, eventID, outcome string, ttl time.Duration) (bool, error)
}

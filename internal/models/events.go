package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderConfirmed = "ORDER_CONFIRMED"
)

// Confirmation sources
const (
	SourceDirect   = "direct"
	SourceWebhook  = "webhook"
	SourcePurchase = "purchase"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderConfirmedEvent is queued in the outbox by the finalize transaction and
// published at least once after it commits. EventID identifies duplicates.
type OrderConfirmedEvent struct {
	BaseEvent
	OrderID        string          `json:"order_id"`
	GatewayOrderID string          `json:"gateway_order_id"`
	PaymentID      string          `json:"payment_id"`
	Source         string          `json:"source"`
	Recipient      Recipient       `json:"recipient"`
	Amount         decimal.Decimal `json:"amount"`
	Items          []OrderItemData `json:"items"`
}

// Recipient is the customer contact a confirmation is addressed to.
type Recipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID *int64          `json:"product_id,omitempty"`
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// NewOrderItemData copies frozen item snapshots into event form.
func NewOrderItemData(items []OrderItem) []OrderItemData {
	out := make([]OrderItemData, 0, len(items))
	for _, item := range items {
		out = append(out, OrderItemData{
			ProductID: item.ProductID,
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.Price,
		})
	}
	return out
}

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"order-finalizer/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func confirmedEvent() *models.OrderConfirmedEvent {
	productID := int64(7)
	return &models.OrderConfirmedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   "3f7c2a10-9b8e-4d6f-a1c2-b3d4e5f60718",
			EventType: models.EventTypeOrderConfirmed,
			Timestamp: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC),
		},
		OrderID:        "5b0f3a52-7f0e-4c55-a0a7-1f0c8a9e2d11",
		GatewayOrderID: "order_Nx7Kq2LmP9",
		PaymentID:      "pay_Nx7LwQ1s3T",
		Source:         models.SourceWebhook,
		Recipient:      models.Recipient{Name: "Asha Rao", Email: "asha@example.com"},
		Amount:         decimal.RequireFromString("499.00"),
		Items: []models.OrderItemData{
			{ProductID: &productID, Title: "Walnut desk organizer", Quantity: 1, UnitPrice: decimal.RequireFromString("499.00")},
		},
	}
}

func TestPublishOrderConfirmed(t *testing.T) {
	writer := &recordingWriter{}
	publisher := NewEventPublisher(newProducer(writer))
	event := confirmedEvent()

	require.NoError(t, publisher.PublishOrderConfirmed(context.Background(), event))
	require.Len(t, writer.msgs, 1)

	msg := writer.msgs[0]
	assert.Equal(t, "order-"+event.OrderID, string(msg.Key))

	var decoded models.OrderConfirmedEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, event.OrderID, decoded.OrderID)
	assert.Equal(t, event.Recipient, decoded.Recipient)
	assert.True(t, event.Amount.Equal(decoded.Amount))
}

func TestPublishOrderConfirmed_WriteError(t *testing.T) {
	writer := &recordingWriter{err: errors.New("kafka: leader not available")}
	publisher := NewEventPublisher(newProducer(writer))

	err := publisher.PublishOrderConfirmed(context.Background(), confirmedEvent())
	assert.ErrorContains(t, err, "leader not available")
}

func TestEventHandler_RoutesOrderConfirmed(t *testing.T) {
	value, err := json.Marshal(confirmedEvent())
	require.NoError(t, err)

	var got *models.OrderConfirmedEvent
	handler := NewEventHandler()
	handler.OnOrderConfirmed(func(_ context.Context, e *models.OrderConfirmedEvent) error {
		got = e
		return nil
	})

	require.NoError(t, handler.HandleMessage(context.Background(), kafka.Message{Value: value}))
	require.NotNil(t, got)
	assert.Equal(t, "pay_Nx7LwQ1s3T", got.PaymentID)
	require.Len(t, got.Items, 1)
	assert.Equal(t, int64(7), *got.Items[0].ProductID)
}

func TestEventHandler_PropagatesHandlerError(t *testing.T) {
	value, err := json.Marshal(confirmedEvent())
	require.NoError(t, err)

	handler := NewEventHandler()
	handler.OnOrderConfirmed(func(context.Context, *models.OrderConfirmedEvent) error {
		return errors.New("smtp: timeout")
	})

	assert.Error(t, handler.HandleMessage(context.Background(), kafka.Message{Value: value}))
}

func TestEventHandler_IgnoresUnknownTypes(t *testing.T) {
	handler := NewEventHandler()
	handler.OnOrderConfirmed(func(context.Context, *models.OrderConfirmedEvent) error {
		t.Fatal("must not be called")
		return nil
	})

	msg := kafka.Message{Value: []byte(`{"event_id":"x","event_type":"ORDER_SHIPPED"}`)}
	assert.NoError(t, handler.HandleMessage(context.Background(), msg))

	assert.Error(t, handler.HandleMessage(context.Background(), kafka.Message{Value: []byte("{")}))
}

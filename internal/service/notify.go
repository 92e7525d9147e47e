package service

import (
	"context"
	"time"

	"order-finalizer/internal/models"
	"order-finalizer/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// newConfirmedEvent builds the event the confirming transaction writes to the
// outbox. order must already carry the payment id being recorded.
func newConfirmedEvent(order *models.Order, items []models.OrderItem, source string, now time.Time) *models.OrderConfirmedEvent {
	paymentID := ""
	if order.PaymentID != nil {
		paymentID = *order.PaymentID
	}

	return &models.OrderConfirmedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderConfirmed,
			Timestamp: now,
		},
		OrderID:        order.ID,
		GatewayOrderID: order.GatewayOrderID,
		PaymentID:      paymentID,
		Source:         source,
		Recipient: models.Recipient{
			Name:  order.CustomerName,
			Email: order.CustomerEmail,
			Phone: order.CustomerPhone,
		},
		Amount: order.Amount,
		Items:  models.NewOrderItemData(items),
	}
}

// confirmationSender makes a first publish attempt right after commit. The
// event is already in the outbox, so a failure here only delays delivery
// until the outbox relay picks it up.
type confirmationSender struct {
	notifier Notifier
	outbox   OutboxMarker
	timeout  time.Duration
	logger   *zap.Logger
}

func (c *confirmationSender) send(ctx context.Context, event *models.OrderConfirmedEvent) {
	if c.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	fields := []zap.Field{
		zap.String("order_id", event.OrderID),
		zap.String("event_id", event.EventID),
	}

	if err := c.notifier.PublishOrderConfirmed(ctx, event); err != nil {
		util.NotificationFailuresTotal.WithLabelValues("publish").Inc()
		c.logger.Warn("Publish after commit failed, left for outbox relay", append(fields, zap.Error(err))...)
		if markErr := c.outbox.MarkOutboxFailed(ctx, event.EventID, err.Error()); markErr != nil {
			c.logger.Warn("Failed to record outbox publish failure", append(fields, zap.Error(markErr))...)
		}
		return
	}

	if err := c.outbox.MarkOutboxSent(ctx, event.EventID); err != nil {
		// The relay will publish it again; consumers dedupe on event id.
		c.logger.Warn("Failed to mark outbox event sent", append(fields, zap.Error(err))...)
	}
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-finalizer/internal/broker"
	"order-finalizer/internal/models"
	"order-finalizer/internal/util"

	"go.uber.org/zap"
)

// ErrUndeliverable marks a confirmation no retry can deliver.
var ErrUndeliverable = errors.New("confirmation is undeliverable")

// Dispatcher delivers an order confirmation to the customer. Errors wrapping
// ErrUndeliverable are not retried.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *models.OrderConfirmedEvent) error
}

// LogDispatcher writes confirmations to the log. It stands in for an email
// or SMS transport.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates a dispatcher that logs through logger
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.Named("notifications")}
}

// Dispatch logs the confirmation
func (d *LogDispatcher) Dispatch(_ context.Context, event *models.OrderConfirmedEvent) error {
	if event.Recipient.Email == "" && event.Recipient.Phone == "" {
		return fmt.Errorf("order %s has no recipient contact: %w", event.OrderID, ErrUndeliverable)
	}
	d.logger.Info("Order confirmation",
		zap.String("order_id", event.OrderID),
		zap.String("to", event.Recipient.Email),
		zap.String("name", event.Recipient.Name),
		zap.String("amount", event.Amount.StringFixed(2)),
		zap.Int("items", len(event.Items)),
		zap.String("payment_id", event.PaymentID))
	return nil
}

const (
	defaultDispatchAttempts = 3
	defaultDispatchBackoff  = 500 * time.Millisecond
)

// NotificationWorker consumes OrderConfirmed events and dispatches them.
// A consumed offset is committed once the handler returns, and a later commit
// moves past any message the consumer skipped, so delivery failures are
// retried here and then parked rather than left to redelivery.
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	dispatcher   Dispatcher
	attempts     int
	backoff      time.Duration
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, dispatcher Dispatcher) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		dispatcher:   dispatcher,
		attempts:     defaultDispatchAttempts,
		backoff:      defaultDispatchBackoff,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnOrderConfirmed(w.handleOrderConfirmed)
	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

// handleOrderConfirmed retries a failed dispatch with doubling backoff, then
// parks the event with an error log and a metric. It only returns an error
// when ctx ends, so shutdown does not commit an undelivered message.
func (w *NotificationWorker) handleOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error {
	fields := []zap.Field{
		zap.String("order_id", event.OrderID),
		zap.String("event_id", event.EventID),
	}

	delay := w.backoff
	var err error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if err = w.dispatch(ctx, event); err == nil {
			return nil
		}
		if errors.Is(err, ErrUndeliverable) || attempt == w.attempts {
			break
		}

		util.NotificationRetriesTotal.Inc()
		w.logger.Warn("Dispatch failed, retrying",
			append(fields, zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))...)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}

	util.NotificationFailuresTotal.WithLabelValues("parked").Inc()
	w.logger.Error("Parking undelivered order confirmation", append(fields, zap.Error(err))...)
	return nil
}

func (w *NotificationWorker) dispatch(ctx context.Context, event *models.OrderConfirmedEvent) error {
	ctx, span := util.StartSpan(ctx, "NotificationWorker.Dispatch")
	err := w.dispatcher.Dispatch(ctx, event)
	util.EndSpan(span, err)
	if err != nil {
		util.NotificationFailuresTotal.WithLabelValues("dispatch").Inc()
	}
	return err
}

package worker

import (
	"context"
	"encoding/json"
	"time"

	"order-finalizer/internal/models"
	"order-finalizer/internal/store"
	"order-finalizer/internal/util"

	"go.uber.org/zap"
)

const outboxBatchSize = 100

// OutboxStore is the pending-event queue written by the confirming
// transactions. *store.Store implements it.
type OutboxStore interface {
	FetchPendingOutbox(ctx context.Context, cutoff time.Time, limit int) ([]store.OutboxRecord, error)
	MarkOutboxSent(ctx context.Context, eventID string) error
	MarkOutboxFailed(ctx context.Context, eventID, cause string) error
}

// Publisher sends an event to the broker. *broker.EventPublisher implements it.
type Publisher interface {
	PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error
}

// OutboxRelay republishes confirmation events whose first publish failed or
// never happened. Together with the in-transaction outbox insert it makes
// delivery at-least-once.
type OutboxRelay struct {
	store     OutboxStore
	publisher Publisher
	interval  time.Duration
	grace     time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewOutboxRelay creates a relay polling every interval. Events younger than
// grace are left to the publish attempt made right after commit.
func NewOutboxRelay(store OutboxStore, publisher Publisher, interval, grace, timeout time.Duration) *OutboxRelay {
	return &OutboxRelay{
		store:     store,
		publisher: publisher,
		interval:  interval,
		grace:     grace,
		timeout:   timeout,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// Start polls until ctx is cancelled
func (r *OutboxRelay) Start(ctx context.Context) error {
	r.logger.Info("Starting outbox relay", zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("Outbox relay pass failed", zap.Error(err))
			}
		}
	}
}

// RelayOnce publishes one batch of pending events, oldest first, and returns
// how many were sent. It stops at the first publish failure so later events
// for the same order are not sent ahead of it.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	records, err := r.store.FetchPendingOutbox(ctx, r.now().Add(-r.grace), outboxBatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rec := range records {
		fields := []zap.Field{
			zap.String("event_id", rec.EventID),
			zap.String("order_id", rec.OrderID),
			zap.Int("attempts", rec.Attempts),
		}

		var event models.OrderConfirmedEvent
		if err := json.Unmarshal(rec.Payload, &event); err != nil {
			util.NotificationFailuresTotal.WithLabelValues("outbox_decode").Inc()
			r.logger.Error("Undecodable outbox event", append(fields, zap.Error(err))...)
			continue
		}

		pubCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.publisher.PublishOrderConfirmed(pubCtx, &event)
		cancel()
		if err != nil {
			util.NotificationFailuresTotal.WithLabelValues("outbox_relay").Inc()
			if markErr := r.store.MarkOutboxFailed(ctx, rec.EventID, err.Error()); markErr != nil {
				r.logger.Warn("Failed to record outbox publish failure", append(fields, zap.Error(markErr))...)
			}
			return sent, err
		}

		if err := r.store.MarkOutboxSent(ctx, rec.EventID); err != nil {
			return sent, err
		}
		sent++
		util.OutboxRelayedTotal.Inc()
		r.logger.Info("Relayed outbox event", fields...)
	}
	return sent, nil
}

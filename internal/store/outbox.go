package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"order-finalizer/internal/models"

	"github.com/jmoiron/sqlx"
)

// OutboxRecord is an order-confirmed event waiting to be published.
type OutboxRecord struct {
	ID        int64      `db:"id"`
	EventID   string     `db:"event_id"`
	EventType string     `db:"event_type"`
	OrderID   string     `db:"order_id"`
	Payload   []byte     `db:"payload"`
	Attempts  int        `db:"attempts"`
	CreatedAt time.Time  `db:"created_at"`
	SentAt    *time.Time `db:"sent_at"`
}

// insertOutbox records event in the same transaction as the state change it
// announces, so a committed confirmation always has an event to publish.
func insertOutbox(ctx context.Context, tx *sqlx.Tx, event *models.OrderConfirmedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outbox event: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO outbox (event_id, event_type, order_id, payload) VALUES ($1, $2, $3, $4)",
		event.EventID, event.EventType, event.OrderID, data)
	if err != nil {
		return transient("insert outbox", err)
	}
	return nil
}

// FetchPendingOutbox returns unsent events created at or before cutoff,
// oldest first.
func (s *Store) FetchPendingOutbox(ctx context.Context, cutoff time.Time, limit int) ([]OutboxRecord, error) {
	var out []OutboxRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, event_id, event_type, order_id, payload, attempts, created_at, sent_at
		FROM outbox
		WHERE sent_at IS NULL AND created_at <= $1
		ORDER BY id
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, transient("select outbox", err)
	}
	return out, nil
}

// MarkOutboxSent records a successful publish. Marking an event twice is a no-op.
func (s *Store) MarkOutboxSent(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET sent_at = NOW(), attempts = attempts + 1 WHERE event_id = $1 AND sent_at IS NULL",
		eventID)
	if err != nil {
		return transient("mark outbox sent", err)
	}
	return nil
}

// MarkOutboxFailed records a failed publish and leaves the event pending.
func (s *Store) MarkOutboxFailed(ctx context.Context, eventID, cause string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE event_id = $1 AND sent_at IS NULL",
		eventID, cause)
	if err != nil {
		return transient("mark outbox failed", err)
	}
	return nil
}

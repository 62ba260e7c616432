// Package outbox implements the transactional outbox: domain events are
// appended to a durable table inside the same transaction that commits the
// aggregate mutation, then dispatched asynchronously. Commit success never
// depends on downstream consumers.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/event"
)

// Message statuses.
const (
	StatusPending    = "pending"
	StatusDispatched = "dispatched"
	StatusFailed     = "failed"
)

// Message is one durable outbox row.
type Message struct {
	ID           int64
	Topic        string
	Payload      []byte
	Status       string
	Attempts     int
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// Writer appends events to the outbox table within the caller's transaction.
type Writer struct{}

// NewWriter builds the outbox writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Enqueue inserts one pending message.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const query = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, query, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// EnqueueAll appends every pending aggregate event.
func (w *Writer) EnqueueAll(ctx context.Context, tx pgx.Tx, events []event.Event) error {
	for _, e := range events {
		if err := w.Enqueue(ctx, tx, e.Topic, e.Payload); err != nil {
			return err
		}
	}
	return nil
}

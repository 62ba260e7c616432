package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// Publisher delivers one message to the downstream transport. Delivery is
// at-least-once; consumers must tolerate duplicates.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Dispatcher polls pending outbox rows and hands them to a Publisher with a
// bounded worker pool. Rows that exhaust maxAttempts are parked as failed.
type Dispatcher struct {
	pool         *pgxpool.Pool
	publisher    Publisher
	pollInterval time.Duration
	batchSize    int
	workers      int
	maxAttempts  int
}

// NewDispatcher builds a dispatcher with sane defaults.
func NewDispatcher(pool *pgxpool.Pool, publisher Publisher) *Dispatcher {
	return &Dispatcher{
		pool:         pool,
		publisher:    publisher,
		pollInterval: 2 * time.Second,
		batchSize:    50,
		workers:      4,
		maxAttempts:  5,
	}
}

// WithPollInterval overrides the poll interval.
func (d *Dispatcher) WithPollInterval(interval time.Duration) *Dispatcher {
	d.pollInterval = interval
	return d
}

// Run polls until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DispatchPending(ctx); err != nil {
				return err
			}
		}
	}
}

// DispatchPending claims one batch of pending rows and publishes them,
// returning how many were delivered. Rows are claimed with SKIP LOCKED so
// concurrent dispatchers never double-deliver within one claim window.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id, topic, payload, attempts
FROM outbox
WHERE status = $1
ORDER BY id
LIMIT $2
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, claimSQL, StatusPending, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}

	var batch []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan message: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: read batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, tx.Commit(ctx)
	}

	results := make([]error, len(batch))
	g, gctx := errgroup.Group{}, ctx
	g.SetLimit(d.workers)
	for i, m := range batch {
		g.Go(func() error {
			results[i] = d.publisher.Publish(gctx, m.Topic, m.Payload)
			return nil
		})
	}
	_ = g.Wait()

	delivered := 0
	for i, m := range batch {
		if results[i] == nil {
			if _, err := tx.Exec(ctx,
				`UPDATE outbox SET status = $1, dispatched_at = now() WHERE id = $2`,
				StatusDispatched, m.ID); err != nil {
				return delivered, fmt.Errorf("outbox: mark dispatched: %w", err)
			}
			delivered++
			continue
		}

		next := StatusPending
		if m.Attempts+1 >= d.maxAttempts {
			next = StatusFailed
		}
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET status = $1, attempts = attempts + 1 WHERE id = $2`,
			next, m.ID); err != nil {
			return delivered, fmt.Errorf("outbox: mark attempt: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return delivered, fmt.Errorf("outbox: commit claim: %w", err)
	}
	return delivered, nil
}

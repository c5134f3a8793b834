// Package outbox implements the transactional outbox of spec.md §4.1:
// atomic state-plus-event publication, generalizing the teacher's
// infrastructure/outbox/publisher.go (which lacked the row-level locking
// spec.md §4.1 step 1 requires for safe horizontal scaling of relay
// workers) into the full append/relay contract.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ordersaga/domain/event"
	"ordersaga/errs"
)

// MaxRetries is the default retry ceiling before a record is exhausted,
// per spec.md §3/§6.
const MaxRetries = 5

// Record is one outbox row, per spec.md §3 "Outbox record".
type Record struct {
	ID            string
	AggregateID   string
	AggregateType string
	EventType     string
	Topic         string
	Payload       []byte
	PublishedAt   *time.Time
	RetryCount    int
	LastError     string
	NextRetryAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Outbox appends records inside the caller's transaction.
type Outbox struct{}

// NewOutbox constructs an Outbox. It is stateless: every operation takes
// the caller's *sql.Tx explicitly, since append MUST execute inside the
// caller's atomic unit (spec.md §4.1).
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Append serializes env and writes one outbox row keyed by env.ID, inside
// tx. Fails with a *errs.SerializationError if the payload cannot be
// encoded.
func (o *Outbox) Append(ctx context.Context, tx *sql.Tx, aggregateID, aggregateType, eventType, topic string, env event.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return &errs.SerializationError{Op: "outbox append", Err: err}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_id, aggregate_type, event_type, topic, payload, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
	`, env.ID, aggregateID, aggregateType, eventType, topic, payload, now)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	return nil
}

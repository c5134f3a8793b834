package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"ordersaga/domain/event"
)

// Publisher is the bus contract the relay needs: publish one envelope to
// topic, routed by partitionKey. Satisfied by *messaging.Bus.
type Publisher interface {
	Publish(ctx context.Context, topic, partitionKey string, env event.Envelope) error
}

// Relay periodically drains eligible outbox rows and publishes them,
// per spec.md §4.1 "Relay algorithm".
type Relay struct {
	db        *sql.DB
	publisher Publisher
	log       *zap.Logger

	batchSize    int
	pollInterval time.Duration
	maxRetries   int
	backoffBase  time.Duration

	breaker *gobreaker.CircuitBreaker
}

// RelayOption configures a Relay at construction.
type RelayOption func(*Relay)

// WithBatchSize overrides the default batch size (spec.md §6: 50).
func WithBatchSize(n int) RelayOption { return func(r *Relay) { r.batchSize = n } }

// WithPollInterval overrides the default poll interval (spec.md §6: 1s).
func WithPollInterval(d time.Duration) RelayOption { return func(r *Relay) { r.pollInterval = d } }

// WithMaxRetries overrides the default max retries (spec.md §6: 5).
func WithMaxRetries(n int) RelayOption { return func(r *Relay) { r.maxRetries = n } }

// WithBackoffBase overrides the default backoff base (spec.md §6: 5s).
func WithBackoffBase(d time.Duration) RelayOption { return func(r *Relay) { r.backoffBase = d } }

// NewRelay constructs a Relay. The circuit breaker trips after 5
// consecutive publish failures and half-opens after 30s, so a downed
// broker doesn't get hammered every poll tick (supplement noted in
// SPEC_FULL.md §6, grounded on other_examples' identity-access-service
// outbox relay).
func NewRelay(db *sql.DB, publisher Publisher, log *zap.Logger, opts ...RelayOption) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Relay{
		db:           db,
		publisher:    publisher,
		log:          log,
		batchSize:    50,
		pollInterval: 1 * time.Second,
		maxRetries:   MaxRetries,
		backoffBase:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-publish",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return r
}

// Start runs RelayTick every pollInterval until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.log.Info("outbox relay started")
	for {
		select {
		case <-ticker.C:
			if err := r.RelayTick(ctx); err != nil {
				r.log.Error("relay tick failed", zap.Error(err))
			}
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		}
	}
}

// RelayTick runs one relay cycle: select up to batchSize eligible records
// with row-level exclusive locks that skip already-locked rows, publish
// each, and update its status, all inside one transaction (spec.md §4.1
// "Relay algorithm").
func (r *Relay) RelayTick(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin relay tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, topic, payload, retry_count, created_at
		FROM outbox
		WHERE published_at IS NULL
		  AND retry_count < $1
		  AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, r.maxRetries, r.batchSize)
	if err != nil {
		return fmt.Errorf("select eligible outbox rows: %w", err)
	}

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.AggregateID, &rec.AggregateType, &rec.EventType, &rec.Topic, &rec.Payload, &rec.RetryCount, &rec.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan outbox row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	now := time.Now().UTC()
	published := 0
	for _, rec := range records {
		var env event.Envelope
		if err := json.Unmarshal(rec.Payload, &env); err != nil {
			// Already-committed, malformed payload: count it as a failed
			// attempt like any other publish failure rather than wedging
			// the batch.
			r.markFailed(ctx, tx, rec, now, err)
			continue
		}

		_, pubErr := r.breaker.Execute(func() (any, error) {
			return nil, r.publisher.Publish(ctx, rec.Topic, env.CorrelationID, env)
		})
		if pubErr != nil {
			r.markFailed(ctx, tx, rec, now, pubErr)
			continue
		}

		if _, err := tx.ExecContext(ctx, `UPDATE outbox SET published_at = $1, updated_at = $1 WHERE id = $2`, now, rec.ID); err != nil {
			return fmt.Errorf("mark published %s: %w", rec.ID, err)
		}
		published++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit relay batch: %w", err)
	}

	if published > 0 {
		r.log.Info("relay published batch", zap.Int("count", published), zap.Int("selected", len(records)))
	}
	return nil
}

// markFailed increments retry_count, records lastError, and schedules
// nextRetryAt per the fixed exponential schedule of spec.md §4.1 step 4:
// 5*2^(retryCount-1) seconds. When retryCount reaches maxRetries the
// record is exhausted and no further relay is attempted.
func (r *Relay) markFailed(ctx context.Context, tx *sql.Tx, rec Record, now time.Time, cause error) {
	retryCount := rec.RetryCount + 1
	delay := time.Duration(float64(r.backoffBase) * math.Pow(2, float64(retryCount-1)))
	nextRetryAt := now.Add(delay)

	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox SET retry_count = $1, last_error = $2, next_retry_at = $3, updated_at = $4
		WHERE id = $5
	`, retryCount, cause.Error(), nextRetryAt, now, rec.ID); err != nil {
		r.log.Error("failed to record outbox retry", zap.String("id", rec.ID), zap.Error(err))
		return
	}

	if retryCount >= r.maxRetries {
		r.log.Error("outbox record exhausted, alerting", zap.String("id", rec.ID), zap.String("topic", rec.Topic), zap.Error(cause))
		return
	}
	r.log.Warn("outbox publish failed, will retry",
		zap.String("id", rec.ID), zap.String("topic", rec.Topic), zap.Int("retry_count", retryCount), zap.Duration("next_retry_in", delay), zap.Error(cause))
}

// IsReady reports whether the relay's circuit breaker is closed, for a
// readiness probe to surface.
func (r *Relay) IsReady() bool {
	return r.breaker.State() != gobreaker.StateOpen
}

// Package sagastore implements the durable external saga state store of
// spec.md §4.3, Redis-backed under the "saga:order:{correlationId}"
// namespace spec.md §6 names. It generalizes the teacher's
// application/aggregates/aggregate_store.go load/save pattern away from
// event-sourced replay (this module's orchestrator is stateless and keeps
// no aggregate history — spec.md §9 "Stateless orchestrator") to storing
// the saga's current state directly, the way spec.md §4.3 describes it.
package sagastore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// State is the durable external state for one in-flight saga, per
// spec.md §3 "Saga state".
type State struct {
	CorrelationID  string          `json:"correlationId"`
	OrderID        string          `json:"orderId"`
	CustomerID     string          `json:"customerId"`
	OrderSnapshot  json.RawMessage `json:"orderSnapshot"`
	Status         string          `json:"status"`
	CurrentStep    string          `json:"currentStep"`
	CompletedSteps []string        `json:"completedSteps"`
	PaymentID      string          `json:"paymentId,omitempty"`
	FailureReason  string          `json:"failureReason,omitempty"`
	StartedAt      time.Time       `json:"startedAt"`
	LastUpdatedAt  time.Time       `json:"lastUpdatedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	FailedAt       *time.Time      `json:"failedAt,omitempty"`
	TimeoutAt      time.Time       `json:"timeoutAt"`
}

// RedisClient is the subset of *redis.Client the store needs.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Store reads and writes saga state keyed by correlation id.
type Store struct {
	client RedisClient
	ttl    time.Duration // default TTL applied on Save, per spec.md §4.3
	log    *zap.Logger
}

// NewStore constructs a Store with the given default TTL (saga timeout +
// grace, default 35 minutes per spec.md §6).
func NewStore(client RedisClient, ttl time.Duration, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{client: client, ttl: ttl, log: log}
}

func redisKey(correlationID string) string {
	return fmt.Sprintf("saga:order:%s", correlationID)
}

// Save serializes state under its key with the store's default TTL.
// Serialization failure is a programming error and fails loudly
// (spec.md §4.3 "Failure semantics").
func (s *Store) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		panic(fmt.Sprintf("sagastore: saga state failed to serialize: %v", err))
	}
	if err := s.client.Set(ctx, redisKey(state.CorrelationID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save saga state: %w", err)
	}
	return nil
}

// Load returns the current state for correlationID, or (State{}, false, nil)
// if absent. A deserialization failure of an existing key logs and also
// returns (State{}, false, nil): the orchestrator cannot recover the state,
// so it treats the saga as orphaned per spec.md §4.3/§4.4 rather than
// retrying forever on an unparsable record.
func (s *Store) Load(ctx context.Context, correlationID string) (State, bool, error) {
	raw, err := s.client.Get(ctx, redisKey(correlationID)).Bytes()
	if err == redis.Nil {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("load saga state: %w", err)
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		s.log.Warn("saga state failed to deserialize, treating as orphaned",
			zap.String("correlation_id", correlationID), zap.Error(err))
		return State{}, false, nil
	}
	return state, true, nil
}

// Delete immediately removes the saga's state.
func (s *Store) Delete(ctx context.Context, correlationID string) error {
	if err := s.client.Del(ctx, redisKey(correlationID)).Err(); err != nil {
		return fmt.Errorf("delete saga state: %w", err)
	}
	return nil
}

// ScheduleDelete rewrites the key's TTL to delay, keeping a completed saga
// visible for debugging for the post-terminal grace period (spec.md §4.3).
func (s *Store) ScheduleDelete(ctx context.Context, correlationID string, delay time.Duration) error {
	if err := s.client.Expire(ctx, redisKey(correlationID), delay).Err(); err != nil {
		return fmt.Errorf("schedule saga state deletion: %w", err)
	}
	return nil
}

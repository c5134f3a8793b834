// Package inventory implements the inventory participant of spec.md §4.5:
// reserve and release stock. Reserve is deduplicated by event id through
// the idempotency guard; release is idempotent on orderId. Grounded on the
// teacher's subscribe/handle participant shape (application/saga's
// per-event handlers), adapted to a standalone participant service rather
// than a saga step file since inventory is external to the orchestrator.
package inventory

import (
	"context"
	"fmt"
	"time"

	"ordersaga/domain/event"
	"ordersaga/domain/order"
	"ordersaga/errs"
	"ordersaga/infrastructure/idempotency"
	"ordersaga/infrastructure/messaging"
	"ordersaga/infrastructure/repository"

	"go.uber.org/zap"
)

const participantSource = "/services/inventory-service"

// DefaultMaxReserveRetries implements spec.md §4.5's bounded optimistic-
// concurrency retry: "retry up to 3 times with backoff 10/20/30 ms."
const DefaultMaxReserveRetries = 3

// reserveBackoffUnit is the backoff step: attempt N sleeps N*unit, giving
// the default 3-retry case the spec's 10/20/30ms ladder while still
// scaling for a configured retry count.
const reserveBackoffUnit = 10 * time.Millisecond

// Service implements the inventory participant.
type Service struct {
	repo       *repository.InventoryRepository
	guard      *idempotency.Guard
	bus        messaging.PubSub
	log        *zap.Logger
	maxRetries int
}

// NewService constructs an inventory Service. maxRetries bounds the
// optimistic-concurrency retry loop (spec.md §6
// OPTIMISTIC_LOCK_MAX_RETRIES); a zero or negative value falls back to
// DefaultMaxReserveRetries.
func NewService(repo *repository.InventoryRepository, guard *idempotency.Guard, bus messaging.PubSub, log *zap.Logger, maxRetries int) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxReserveRetries
	}
	return &Service{repo: repo, guard: guard, bus: bus, log: log, maxRetries: maxRetries}
}

// Start subscribes to inventory.reserve-requested and inventory.released.
func (s *Service) Start() error {
	if err := s.bus.Subscribe(order.TopicInventoryReserveRequested, s.dedup(order.TopicInventoryReserveRequested, s.handleReserveRequested)); err != nil {
		return err
	}
	return s.bus.Subscribe(order.TopicInventoryReleased, s.dedup(order.TopicInventoryReleased, s.handleReleaseRequested))
}

func (s *Service) dedup(topic string, handler messaging.Handler) messaging.Handler {
	return func(ctx context.Context, env event.Envelope) error {
		dup, err := s.guard.IsDuplicate(ctx, env.ID, topic)
		if err != nil {
			return err
		}
		if dup {
			skip := &errs.DuplicateEventError{EventID: env.ID, Topic: topic}
			s.log.Info(skip.Error())
			return nil
		}
		return handler(ctx, env)
	}
}

// handleReserveRequested implements spec.md §4.5 "Inventory reserve":
// attempt each line under optimistic concurrency; on any insufficient-
// stock product, release the in-attempt partial reservations and emit
// inventory.reservation-failed; otherwise persist the reservation row and
// emit inventory.reserved.
func (s *Service) handleReserveRequested(ctx context.Context, env event.Envelope) error {
	var req order.InventoryReserveRequested
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode inventory.reserve-requested: %w", err)
	}

	reserved := make([]order.Item, 0, len(req.Items))
	var insufficient []string

	for _, item := range req.Items {
		if err := s.reserveWithRetry(ctx, item.ProductID, item.Quantity); err != nil {
			if err == repository.ErrInsufficientStock {
				insufficient = append(insufficient, item.ProductID)
				continue
			}
			// release what this attempt already reserved before bailing
			s.releaseAll(ctx, reserved)
			return fmt.Errorf("reserve %s: %w", item.ProductID, err)
		}
		reserved = append(reserved, item)
	}

	if len(insufficient) > 0 {
		s.releaseAll(ctx, reserved)
		payload := order.InventoryReservationFailed{
			OrderID:                req.OrderID,
			Reason:                 "insufficient stock",
			InsufficientProductIDs: insufficient,
		}
		outEnv, err := event.New(order.TopicInventoryReservationFailed, participantSource, env.CorrelationID, env.ID, payload)
		if err != nil {
			return err
		}
		return s.bus.Publish(ctx, order.TopicInventoryReservationFailed, env.CorrelationID, outEnv)
	}

	if err := s.repo.SaveReservation(ctx, req.OrderID, req.Items); err != nil {
		return err
	}

	payload := order.InventoryReserved{OrderID: req.OrderID, Items: req.Items}
	outEnv, err := event.New(order.TopicInventoryReserved, participantSource, env.CorrelationID, env.ID, payload)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, order.TopicInventoryReserved, env.CorrelationID, outEnv)
}

// handleReleaseRequested implements spec.md §4.5 "Inventory release": a
// no-op if already released, else undo the reservation and mark it
// released.
func (s *Service) handleReleaseRequested(ctx context.Context, env event.Envelope) error {
	var payload order.InventoryReleased
	if err := env.Decode(&payload); err != nil {
		return fmt.Errorf("decode inventory.released: %w", err)
	}

	reservation, err := s.repo.GetReservation(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if reservation == nil || reservation.Status == repository.ReservationReleased {
		return nil
	}

	for _, item := range reservation.Items {
		if err := s.repo.ReleaseOne(ctx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	return s.repo.MarkReservationReleased(ctx, payload.OrderID)
}

func (s *Service) reserveWithRetry(ctx context.Context, productID string, qty int) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = s.repo.TryReserveOne(ctx, productID, qty)
		if err == nil || err == repository.ErrInsufficientStock {
			return err
		}
		if err != repository.ErrVersionConflict {
			return err
		}
		if attempt < s.maxRetries {
			time.Sleep(time.Duration(attempt+1) * reserveBackoffUnit)
		}
	}
	return err
}

func (s *Service) releaseAll(ctx context.Context, items []order.Item) {
	for _, item := range items {
		if err := s.repo.ReleaseOne(ctx, item.ProductID, item.Quantity); err != nil {
			s.log.Error("failed to release partial reservation", zap.String("product_id", item.ProductID), zap.Error(err))
		}
	}
}

// Package payment implements the payment participant of spec.md §4.5:
// process (idempotent by orderId) and refund (idempotent by paymentId).
// The payment gateway itself is out of scope (spec.md §1); Gateway below
// is the abstract contract the participant depends on.
package payment

import (
	"context"
	"fmt"

	"ordersaga/domain/event"
	"ordersaga/domain/order"
	"ordersaga/errs"
	"ordersaga/infrastructure/idempotency"
	"ordersaga/infrastructure/messaging"
	"ordersaga/infrastructure/repository"
	pkguuid "ordersaga/pkg/uuid"

	"go.uber.org/zap"
)

const participantSource = "/services/payment-service"

// Gateway charges a payment method for amount/currency and returns a
// gateway reference, or an error if declined.
type Gateway interface {
	Charge(ctx context.Context, orderID string, amount float64, currency, method string) (reference string, err error)
}

// Service implements the payment participant.
type Service struct {
	repo    *repository.PaymentRepository
	guard   *idempotency.Guard
	bus     messaging.PubSub
	gateway Gateway
	log     *zap.Logger
}

// NewService constructs a payment Service.
func NewService(repo *repository.PaymentRepository, guard *idempotency.Guard, bus messaging.PubSub, gateway Gateway, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, guard: guard, bus: bus, gateway: gateway, log: log}
}

// Start subscribes to payments.initiated and payments.refunded.
func (s *Service) Start() error {
	if err := s.bus.Subscribe(order.TopicPaymentInitiated, s.dedup(order.TopicPaymentInitiated, s.handleInitiated)); err != nil {
		return err
	}
	return s.bus.Subscribe(order.TopicPaymentRefunded, s.dedup(order.TopicPaymentRefunded, s.handleRefund))
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

// handleInitiated implements spec.md §4.5 "Payment process": idempotent
// by orderId — if a payment row exists, re-emit the stored result;
// otherwise attempt the gateway charge and persist the outcome.
func (s *Service) handleInitiated(ctx context.Context, env event.Envelope) error {
	var req order.PaymentInitiated
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode payments.initiated: %w", err)
	}

	existing, err := s.repo.GetByOrderID(ctx, req.OrderID)
	if err != nil {
		return err
	}
	if existing != nil {
		return s.publishResult(ctx, *existing, env)
	}

	paymentID := pkguuid.New()
	reference, chargeErr := s.gateway.Charge(ctx, req.OrderID, req.Amount, req.Currency, req.PaymentMethod)

	p := repository.Payment{ID: paymentID, OrderID: req.OrderID, Amount: req.Amount, Currency: req.Currency}
	if chargeErr != nil {
		p.Status = repository.PaymentFailed
		p.Reason = chargeErr.Error()
	} else {
		p.Status = repository.PaymentCompleted
		p.Reason = reference
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return err
	}

	return s.publishResult(ctx, p, env)
}

func (s *Service) publishResult(ctx context.Context, p repository.Payment, env event.Envelope) error {
	if p.Status == repository.PaymentFailed {
		payload := order.PaymentFailed{OrderID: p.OrderID, Reason: p.Reason}
		outEnv, err := event.New(order.TopicPaymentFailed, participantSource, env.CorrelationID, env.ID, payload)
		if err != nil {
			return err
		}
		return s.bus.Publish(ctx, order.TopicPaymentFailed, env.CorrelationID, outEnv)
	}

	payload := order.PaymentCompleted{OrderID: p.OrderID, PaymentID: p.ID, Amount: p.Amount, Currency: p.Currency}
	outEnv, err := event.New(order.TopicPaymentCompleted, participantSource, env.CorrelationID, env.ID, payload)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, order.TopicPaymentCompleted, env.CorrelationID, outEnv)
}

// handleRefund implements spec.md §4.5 "Payment refund": idempotent by
// paymentId — writes a refund row if absent and flips the payment to
// REFUNDED.
func (s *Service) handleRefund(ctx context.Context, env event.Envelope) error {
	var req order.PaymentRefunded
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode payments.refunded: %w", err)
	}

	exists, err := s.repo.RefundExists(ctx, req.PaymentID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.repo.CreateRefund(ctx, req.PaymentID, req.OrderID, req.Amount, req.Currency)
}

// MockGateway always succeeds, returning a synthetic reference. Stands in
// for the out-of-scope gateway integration (spec.md §1) in local runs.
type MockGateway struct{}

func (m *MockGateway) Charge(ctx context.Context, orderID string, amount float64, currency, method string) (string, error) {
	return "mock-ref-" + orderID, nil
}

// Package notification implements the notification participant of
// spec.md §4.5: "renders template by id with provided variables and
// delivers via the named channel." Adapted from the teacher's
// application/notification/service.go NotificationService, swapping its
// OrderCompleted/OrderFailed subscriptions for the single notifications.send
// topic and its ProcessedEventsRepository for the Redis-backed idempotency
// guard.
package notification

import (
	"context"
	"fmt"

	"ordersaga/domain/event"
	"ordersaga/domain/order"
	"ordersaga/errs"
	"ordersaga/infrastructure/idempotency"
	"ordersaga/infrastructure/messaging"

	"go.uber.org/zap"
)

// Sender delivers a rendered message over a named channel (email, sms,
// push, ...). Out of scope per spec.md §1 "notification rendering and
// delivery channels" — only the participant's dispatch contract is built
// here; MockSender below is a test/demo stand-in.
type Sender interface {
	Send(ctx context.Context, channel, customerID, body string) error
}

// Service implements the notification participant: consume
// notifications.send, render, and deliver.
type Service struct {
	guard  *idempotency.Guard
	bus    messaging.PubSub
	sender Sender
	log    *zap.Logger
}

// NewService constructs a notification Service.
func NewService(guard *idempotency.Guard, bus messaging.PubSub, sender Sender, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{guard: guard, bus: bus, sender: sender, log: log}
}

// Start subscribes to notifications.send.
func (s *Service) Start() error {
	return s.bus.Subscribe(order.TopicNotificationSend, s.handle)
}

func (s *Service) handle(ctx context.Context, env event.Envelope) error {
	dup, err := s.guard.IsDuplicate(ctx, env.ID, order.TopicNotificationSend)
	if err != nil {
		return err
	}
	if dup {
		skip := &errs.DuplicateEventError{EventID: env.ID, Topic: order.TopicNotificationSend}
		s.log.Info(skip.Error())
		return nil
	}

	var payload order.NotificationSend
	if err := env.Decode(&payload); err != nil {
		return fmt.Errorf("decode notifications.send: %w", err)
	}

	body := renderTemplate(payload.TemplateID, payload.Variables)
	if err := s.sender.Send(ctx, payload.Channel, payload.CustomerID, body); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}

	s.log.Info("notification delivered",
		zap.String("customer_id", payload.CustomerID), zap.String("template", payload.TemplateID), zap.String("channel", payload.Channel))
	return nil
}

// renderTemplate is a minimal template renderer: the two templates this
// module emits (order-confirmed, order-cancelled) and their variables.
// Rendering of arbitrary templates is out of scope per spec.md §1.
func renderTemplate(templateID string, vars map[string]string) string {
	switch templateID {
	case "order-confirmed":
		return fmt.Sprintf("Your order %s has been confirmed.", vars["orderId"])
	case "order-cancelled":
		return fmt.Sprintf("Your order %s was cancelled: %s", vars["orderId"], vars["reason"])
	default:
		return fmt.Sprintf("template=%s vars=%v", templateID, vars)
	}
}

// MockSender logs instead of delivering, for local runs and tests.
type MockSender struct{ Log *zap.Logger }

func (m *MockSender) Send(ctx context.Context, channel, customerID, body string) error {
	log := m.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("mock notification sent", zap.String("channel", channel), zap.String("customer_id", customerID), zap.String("body", body))
	return nil
}

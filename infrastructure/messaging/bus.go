// Package messaging wraps RabbitMQ as the event bus, generalizing the
// teacher's single-queue-per-event-type wrapper (infrastructure/messaging/
// rabbitmq.go in the original) into topic-exchange routing keyed by the
// saga's correlation id, per spec.md §4.1 "Publish key" and §5 "Ordering
// guarantees".
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"ordersaga/domain/event"
)

const exchangeName = "ordersaga.events"

// Handler processes one envelope delivered on a topic. Returning an error
// means the message was not successfully processed and must not be
// acknowledged; the bus re-delivers per spec.md §7.
type Handler func(ctx context.Context, env event.Envelope) error

// maxConsumerRetries and the backoff schedule implement spec.md §7's
// "Handler throws after idempotency claimed" row: a failed delivery is
// redelivered up to maxConsumerRetries times with 1s, 2s, 4s, ... capped
// at 10s between them, and routed to the DLQ when the last retry fails.
const maxConsumerRetries = 3

var consumerBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

func backoffFor(attempt int) time.Duration {
	if attempt >= len(consumerBackoff) {
		return 10 * time.Second
	}
	d := consumerBackoff[attempt]
	if d > 10*time.Second {
		return 10 * time.Second
	}
	return d
}

// PubSub is the subset of *Bus that publishers and subscribers depend on,
// so callers can substitute a fake bus in tests.
type PubSub interface {
	Publish(ctx context.Context, topic, partitionKey string, env event.Envelope) error
	Subscribe(topic string, handler Handler) error
}

// Bus is a topic-exchange RabbitMQ client. All events for one saga are
// published with the saga's correlation id as routing key, so they land on
// the same partition and are delivered in order (spec.md §4.1, §5).
type Bus struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	url     string
	log     *zap.Logger

	mu       sync.Mutex
	attempts map[string]int // eventID -> delivery attempts, for DLQ routing
}

// NewBus constructs a Bus for the given AMQP URL.
func NewBus(url string, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{url: url, log: log, attempts: make(map[string]int)}
}

// Connect opens the connection and declares the topic exchange and its DLQ.
func (b *Bus) Connect() error {
	conn, err := amqp091.Dial(b.url)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(exchangeName+".dlx", "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	b.conn = conn
	b.channel = ch
	b.log.Info("connected to rabbitmq")
	return nil
}

// Publish publishes an envelope to topic, routed by partitionKey (the
// saga's correlationId per spec.md §4.1).
func (b *Bus) Publish(ctx context.Context, topic, partitionKey string, env event.Envelope) error {
	if b.channel == nil {
		return fmt.Errorf("bus channel not initialized")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	headers := amqp091.Table{}
	for k, v := range env.Headers() {
		headers[k] = v
	}

	err = b.channel.PublishWithContext(ctx, exchangeName, partitionKey, false, false, amqp091.Publishing{
		ContentType:  event.DataContentType,
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		MessageId:    env.ID,
		Headers:      headers,
	})
	if err != nil {
		return fmt.Errorf("publish event %s: %w", topic, err)
	}

	b.log.Debug("published event", zap.String("topic", topic), zap.String("correlation_id", partitionKey), zap.String("event_id", env.ID))
	return nil
}

// Subscribe binds a durable queue for topic and consumes it with manual ack
// per spec.md §5 "Acknowledgement policy": ack only after successful local
// processing, nack-without-requeue routes to the DLQ after maxConsumerRetries.
func (b *Bus) Subscribe(topic string, handler Handler) error {
	if b.channel == nil {
		return fmt.Errorf("bus channel not initialized")
	}

	queueName := "queue." + topic
	dlqName := queueName + ".dlq"

	if _, err := b.channel.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq %s: %w", dlqName, err)
	}
	if err := b.channel.QueueBind(dlqName, topic, exchangeName+".dlx", false, nil); err != nil {
		return fmt.Errorf("bind dlq %s: %w", dlqName, err)
	}

	args := amqp091.Table{"x-dead-letter-exchange": exchangeName + ".dlx"}
	queue, err := b.channel.QueueDeclare(queueName, true, false, false, false, args)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	if err := b.channel.QueueBind(queue.Name, topic, exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queueName, err)
	}

	msgs, err := b.channel.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queueName, err)
	}

	go b.consumeLoop(topic, msgs, handler)
	b.log.Info("subscribed", zap.String("topic", topic), zap.String("queue", queueName))
	return nil
}

func (b *Bus) consumeLoop(topic string, msgs <-chan amqp091.Delivery, handler Handler) {
	for msg := range msgs {
		var env event.Envelope
		if err := json.Unmarshal(msg.Body, &env); err != nil {
			// Non-retryable parse error: acknowledge and let it fall out of
			// the flow rather than loop forever on a malformed message.
			b.log.Warn("dropping unparsable message", zap.String("topic", topic), zap.Error(err))
			msg.Ack(false)
			continue
		}

		ctx := context.Background()
		err := handler(ctx, env)
		if err == nil {
			msg.Ack(false)
			b.clearAttempts(env.ID)
			continue
		}

		attempt := b.recordAttempt(env.ID)
		if attempt > maxConsumerRetries {
			b.log.Error("handler failed repeatedly, routing to DLQ",
				zap.String("topic", topic), zap.String("event_id", env.ID), zap.Error(err))
			msg.Nack(false, false) // dead-lettered, no requeue
			b.clearAttempts(env.ID)
			continue
		}

		b.log.Warn("handler failed, will redeliver",
			zap.String("topic", topic), zap.String("event_id", env.ID), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(backoffFor(attempt - 1))
		msg.Nack(false, true)
	}
}

func (b *Bus) recordAttempt(eventID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts[eventID]++
	return b.attempts[eventID]
}

func (b *Bus) clearAttempts(eventID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attempts, eventID)
}

// Close closes the channel and connection.
func (b *Bus) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// Package bus implements the Fan-out Bus: a topic-per-conversation
// publish/subscribe layer over RabbitMQ so that an event persisted on one
// instance reaches sessions attached to any other instance. Each instance
// holds exactly two broker connections, one publisher and one subscriber,
// per spec.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const exchangeName = "relay.events"

// Handler is invoked once per message received on a subscribed topic. It
// must not block for long; the caller is expected to hand off to the
// Connection Registry's local broadcast.
type Handler func(topic string, payload []byte)

// Bus is a topic exchange fan-out with dynamic per-topic subscriptions.
// Subscribing to a topic binds a shared per-instance queue to that routing
// key; unsubscribing unbinds it. There is no message history — a bus
// message not delivered to a currently-bound queue is simply lost, which is
// fine because the Durable Store is the source of truth.
type Bus struct {
	publishConn *amqp.Connection
	publishCh   *amqp.Channel

	subscribeConn *amqp.Connection
	subscribeCh   *amqp.Channel
	queueName     string

	handler Handler

	mu     sync.Mutex
	bound  map[string]struct{}
	closed bool
}

// Connect dials two connections to the broker (publisher, subscriber),
// declares the shared topic exchange, and starts consuming from a fresh
// exclusive queue for this instance. handler is invoked for every message
// whose routing key matches a topic this instance has Subscribe'd to.
func Connect(url string, handler Handler) (*Bus, error) {
	pubConn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("bus: dial publisher connection: %w", err)
	}
	pubCh, err := pubConn.Channel()
	if err != nil {
		pubConn.Close()
		return nil, fmt.Errorf("bus: open publisher channel: %w", err)
	}

	subConn, err := amqp.Dial(url)
	if err != nil {
		pubCh.Close()
		pubConn.Close()
		return nil, fmt.Errorf("bus: dial subscriber connection: %w", err)
	}
	subCh, err := subConn.Channel()
	if err != nil {
		subConn.Close()
		pubCh.Close()
		pubConn.Close()
		return nil, fmt.Errorf("bus: open subscriber channel: %w", err)
	}

	for _, ch := range []*amqp.Channel{pubCh, subCh} {
		if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("bus: declare exchange: %w", err)
		}
	}

	queue, err := subCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("bus: declare instance queue: %w", err)
	}

	deliveries, err := subCh.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("bus: start consuming: %w", err)
	}

	b := &Bus{
		publishConn:   pubConn,
		publishCh:     pubCh,
		subscribeConn: subConn,
		subscribeCh:   subCh,
		queueName:     queue.Name,
		handler:       handler,
		bound:         make(map[string]struct{}),
	}

	go b.consume(deliveries)
	return b, nil
}

func (b *Bus) consume(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		topic := d.RoutingKey
		payload := d.Body
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus handler panicked", "topic", topic, "recover", r)
				}
			}()
			b.handler(topic, payload)
		}()
	}
}

// Publish sends payload to every instance subscribed to topic. It never
// blocks on subscriber delivery; RabbitMQ handles fan-out to bound queues.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.publishCh.PublishWithContext(ctx, exchangeName, topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
		Timestamp:   time.Now().UTC(),
	})
}

// Subscribe binds this instance's shared queue to topic. Calling it again
// for an already-bound topic is a no-op. The Connection Registry decides
// when to call this — exactly once per topic's 0→1 local-subscriber
// transition.
func (b *Bus) Subscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bound[topic]; ok {
		return nil
	}
	if err := b.subscribeCh.QueueBind(b.queueName, topic, exchangeName, false, nil); err != nil {
		return fmt.Errorf("bus: bind topic %q: %w", topic, err)
	}
	b.bound[topic] = struct{}{}
	return nil
}

// Unsubscribe unbinds this instance's shared queue from topic. Called
// exactly once per topic's 1→0 local-subscriber transition.
func (b *Bus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bound[topic]; !ok {
		return nil
	}
	if err := b.subscribeCh.QueueUnbind(b.queueName, topic, exchangeName, nil); err != nil {
		return fmt.Errorf("bus: unbind topic %q: %w", topic, err)
	}
	delete(b.bound, topic)
	return nil
}

// Close tears down both broker connections.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var firstErr error
	if err := b.subscribeCh.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.subscribeConn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.publishCh.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.publishConn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

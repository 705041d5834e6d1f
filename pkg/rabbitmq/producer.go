/**
 * @description
 * This file provides a RabbitMQ producer for publishing payment events. Events
 * are published to a durable topic exchange so downstream consumers (email
 * receipts, analytics, operator alerting) can bind the routing keys they care
 * about. If RabbitMQ is unreachable at startup the service runs with a no-op
 * publisher instead of refusing to boot.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The Go client for RabbitMQ.
 */

package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// ExchangeName is the topic exchange all payment events are published to.
	ExchangeName = "swanstudios.events"

	// RoutingKeyPurchaseCompleted is published after a grant commits.
	RoutingKeyPurchaseCompleted = "payment.purchase.completed"
	// RoutingKeyCompensationFailed is published when a refund after a credit
	// failure also fails and operator intervention is required.
	RoutingKeyCompensationFailed = "payment.compensation.failed"
)

// Publisher is the interface for publishing events. The no-op implementation
// satisfies it when the broker is unavailable.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload interface{}) error
	Close() error
}

// Producer publishes events to a RabbitMQ topic exchange.
type Producer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewProducer connects to RabbitMQ and declares the events exchange.
func NewProducer(amqpURL string) (*Producer, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		ExchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Producer{conn: conn, channel: channel}, nil
}

// Publish marshals the payload to JSON and publishes it with the given routing key.
func (p *Producer) Publish(ctx context.Context, routingKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = p.channel.PublishWithContext(pubCtx,
		ExchangeName,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", routingKey, err)
	}
	return nil
}

// Close shuts down the channel and connection.
func (p *Producer) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NoOpPublisher discards events. Used when the broker cannot be reached so the
// payment path keeps working without eventing.
type NoOpPublisher struct{}

// Publish logs and drops the event.
func (n *NoOpPublisher) Publish(_ context.Context, routingKey string, _ interface{}) error {
	log.Printf("level=warn component=rabbitmq msg=\"event dropped, broker unavailable\" routing_key=%s", routingKey)
	return nil
}

// Close is a no-op.
func (n *NoOpPublisher) Close() error { return nil }

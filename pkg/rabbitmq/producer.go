/**
 * @description
 * This package provides a small RabbitMQ producer and consumer. The producer
 * publishes JSON messages to durable topic exchanges and reopens its channel
 * once when a publish fails.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Message is one outgoing publish.
type Message struct {
	Exchange   string
	RoutingKey string
	// MessageID lets consumers drop redelivered copies.
	MessageID string
	Type      string
	Body      any
}

// Publisher is the interface implemented by types that can publish messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn   *amqp091.Connection
	logger *slog.Logger

	mu       sync.Mutex
	channel  *amqp091.Channel
	declared map[string]bool
}

// FallbackPublisher drops every message. It stands in when RabbitMQ is not configured.
type FallbackPublisher struct {
	Logger *slog.Logger
}

func (p *FallbackPublisher) Publish(_ context.Context, msg Message) error {
	if p.Logger != nil {
		p.Logger.Debug("publish skipped, rabbitmq disabled", "exchange", msg.Exchange, "routing_key", msg.RoutingKey)
	}
	return nil
}

func (p *FallbackPublisher) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ with a bounded timeout and opens a channel.
func NewEventProducer(amqpURL string, logger *slog.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, logger: logger, declared: make(map[string]bool)}, nil
}

// Publish sends msg as JSON. A failed publish reopens the channel and is tried once more.
func (p *EventProducer) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg.Body)
	if err != nil {
		return err
	}
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.MessageID,
		Type:         msg.Type,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, msg, publishing)
	if err == nil {
		return nil
	}
	p.logger.Warn("publish failed, reopening channel",
		"exchange", msg.Exchange,
		"routing_key", msg.RoutingKey,
		"error", err,
	)
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	p.channel.Close()
	p.channel = ch
	p.declared = make(map[string]bool)
	return p.publishLocked(ctx, msg, publishing)
}

func (p *EventProducer) publishLocked(ctx context.Context, msg Message, publishing amqp091.Publishing) error {
	if !p.declared[msg.Exchange] {
		if err := p.channel.ExchangeDeclare(
			msg.Exchange, // name
			"topic",      // type
			true,         // durable
			false,        // autoDelete
			false,        // internal
			false,        // noWait
			nil,          // args
		); err != nil {
			return err
		}
		p.declared[msg.Exchange] = true
	}
	return p.channel.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, false, false, publishing)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

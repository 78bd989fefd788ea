package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/eventstore"
	"github.com/transfa/payment-service/pkg/rabbitmq"
)

const (
	RelayGroupName = "rabbitmq-relay"
	EventsExchange = "payments.events"
)

// RelayedEvent is the message body published for every stored event.
type RelayedEvent struct {
	EventID    uuid.UUID        `json:"event_id"`
	StreamID   string           `json:"stream_id"`
	Version    int64            `json:"version"`
	Position   int64            `json:"position"`
	Type       domain.EventType `json:"type"`
	MemberID   string           `json:"member_id"`
	RecordedAt time.Time        `json:"recorded_at"`
	Payload    domain.Event     `json:"payload"`
}

// EventRelay publishes the event log to RabbitMQ as a bus consumer group. A
// failed publish is returned so the bus redelivers it; consumers deduplicate on
// the message id, which is the event id.
type EventRelay struct {
	publisher rabbitmq.Publisher
}

func NewEventRelay(publisher rabbitmq.Publisher) *EventRelay {
	return &EventRelay{publisher: publisher}
}

func (r *EventRelay) Handle(ctx context.Context, env eventstore.Envelope) error {
	msg := rabbitmq.Message{
		Exchange:   EventsExchange,
		RoutingKey: "payment." + string(env.Type),
		MessageID:  env.EventID.String(),
		Type:       string(env.Type),
		Body: RelayedEvent{
			EventID:    env.EventID,
			StreamID:   env.StreamID,
			Version:    env.Version,
			Position:   env.Position,
			Type:       env.Type,
			MemberID:   env.Event.CorrelationID(),
			RecordedAt: env.RecordedAt,
			Payload:    env.Event,
		},
	}
	if err := r.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("relay %s at position %d: %w", env.Type, env.Position, err)
	}
	return nil
}

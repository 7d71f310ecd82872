package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"siteflow/internal/domain"
)

// Message is the body published for one outbox event.
type Message struct {
	ID         string          `json:"id"`
	EventID    int64           `json:"event_id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// MessageFromEvent builds the broker message for an outbox row. The message
// ID is derived from the event ID so redelivery after a crash is detectable.
func MessageFromEvent(evt domain.Event) (*Message, error) {
	ts, err := time.Parse(time.RFC3339, evt.TS)
	if err != nil {
		return nil, fmt.Errorf("event %d ts: %w", evt.ID, err)
	}
	payload := json.RawMessage(evt.Payload)
	if !json.Valid(payload) {
		payload = json.RawMessage("{}")
	}
	return &Message{
		ID:         fmt.Sprintf("%s-%d", evt.TenantID, evt.ID),
		EventID:    evt.ID,
		Type:       evt.Type,
		TenantID:   evt.TenantID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
		Timestamp:  ts,
	}, nil
}

type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// Publish sends msg to exchange with routingKey as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Type:         msg.Type,
			Headers:      amqp.Table{"tenant_id": msg.TenantID},
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}
		p.logger.Debug("published message", "exchange", exchange, "routing_key", routingKey, "message_id", msg.ID)
		return nil
	})
}

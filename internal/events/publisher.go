// ABOUTME: Event export to an AMQP topic exchange with a {meta, data} envelope
// ABOUTME: Includes a no-op publisher and a bounded asynchronous exporter

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Producer names this service in exported envelopes
const Producer = "switchboard-gateway"

// Publisher publishes events to an external bus
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher discards every event
type NopPublisher struct{}

// Publish does nothing
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close does nothing
func (NopPublisher) Close() error { return nil }

// Meta is the envelope header of an exported event
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer"`
	Time          time.Time `json:"time"`
}

// Envelope is the wire form of an exported event
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// RoutingKey returns the topic routing key for an event type.
func RoutingKey(typ string) string {
	return "conversation." + typ
}

// NewEnvelope wraps ev for export. The conversation id is the correlation id.
func NewEnvelope(ev Event) Envelope {
	meta := Meta{
		ID:       uuid.NewString(),
		Type:     ev.Type,
		Producer: Producer,
		Time:     ev.Timestamp,
	}
	if ev.ConversationID != "" {
		cid := ev.ConversationID
		meta.CorrelationID = &cid
	}
	return Envelope{Meta: meta, Data: ev}
}

// AMQPPublisher publishes to a durable topic exchange
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger
}

// NewAMQPPublisher dials url and declares exchange as a durable topic exchange.
func NewAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "events"),
	}, nil
}

// Publish sends ev as a persistent JSON message.
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	env := NewEnvelope(ev)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	cid := ""
	if env.Meta.CorrelationID != nil {
		cid = *env.Meta.CorrelationID
	}

	key := RoutingKey(ev.Type)
	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: cid,
		Timestamp:     env.Meta.Time,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}
	p.logger.Debug("published", "key", key, "exchange", p.exchange)
	return nil
}

// Close closes the connection
func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}

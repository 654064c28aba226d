// Package telemetry turns sensor readings into timestamped telemetry
// messages and hands them to the transport. It owns serialization only;
// retries, queuing and backoff belong to the connection manager.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/soilcast/internal/sensor"
)

// TimestampLayout is the wire format of the timestamp field: ISO-8601,
// UTC, second precision.
const TimestampLayout = "2006-01-02T15:04:05Z"

// Sender delivers an encoded payload. [mqtt.Manager] satisfies it.
type Sender interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
}

// Message is one telemetry message. It is immutable once built.
type Message struct {
	topic     string
	timestamp time.Time
	payload   any
	qos       byte
}

// NewMessage builds a message. The timestamp is converted to UTC and
// truncated to the second, matching the wire format.
func NewMessage(topic string, at time.Time, payload any, qos byte) Message {
	return Message{
		topic:     topic,
		timestamp: at.UTC().Truncate(time.Second),
		payload:   payload,
		qos:       qos,
	}
}

// Topic returns the destination topic.
func (m Message) Topic() string { return m.topic }

// Timestamp returns the UTC timestamp.
func (m Message) Timestamp() time.Time { return m.timestamp }

// Payload returns the free-form message body.
func (m Message) Payload() any { return m.payload }

// QoS returns the delivery guarantee: 0 at-most-once, 1 at-least-once.
func (m Message) QoS() byte { return m.qos }

type envelope struct {
	Timestamp string `json:"timestamp"`
	Message   any    `json:"message"`
}

// MarshalJSON renders the broker-facing form
// {"timestamp":"...","message":...}.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{
		Timestamp: m.timestamp.Format(TimestampLayout),
		Message:   m.payload,
	})
}

// Publisher builds messages and delegates delivery to a [Sender].
type Publisher struct {
	sender Sender
	qos    byte
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher that sends at qos.
func NewPublisher(sender Sender, qos byte, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{sender: sender, qos: qos, logger: logger, now: time.Now}
}

// PublishReading sends r on topic. Errors come from the transport:
// typically mqtt.ErrQueueFull, mqtt.ErrNotConnected or mqtt.ErrTimeout.
func (p *Publisher) PublishReading(ctx context.Context, r sensor.Reading, topic string) error {
	return p.Publish(ctx, NewMessage(topic, p.now(), r, p.qos))
}

// PublishMessage sends a free-form payload on topic.
func (p *Publisher) PublishMessage(ctx context.Context, topic string, message any) error {
	return p.Publish(ctx, NewMessage(topic, p.now(), message, p.qos))
}

// Publish encodes m and hands it to the sender.
func (p *Publisher) Publish(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode telemetry for %s: %w", m.topic, err)
	}
	if err := p.sender.Publish(ctx, m.topic, data, m.qos); err != nil {
		return fmt.Errorf("publish telemetry to %s: %w", m.topic, err)
	}
	p.logger.Debug("telemetry published", "topic", m.topic, "qos", m.qos, "bytes", len(data))
	return nil
}

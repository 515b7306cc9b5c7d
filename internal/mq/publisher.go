package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/flowcheck/capture-service/internal/reading"
)

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	conn     *Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// RecordedEvent announces a persisted meter reading. The image itself is
// deliberately left out; consumers fetch it through the store if needed.
type RecordedEvent struct {
	ReadingID     string  `json:"reading_id"`
	Value         string  `json:"value"`
	Confidence    float64 `json:"confidence"`
	Timestamp     int64   `json:"timestamp"`
	Location      string  `json:"location,omitempty"`
	RecordedByUID string  `json:"recorded_by_uid,omitempty"`
	Flagged       bool    `json:"flagged"`
	FlagReason    string  `json:"flag_reason,omitempty"`
}

// NewRecordedEvent builds the event payload from a persisted reading.
func NewRecordedEvent(r reading.MeterReading, flagged bool, reason string) RecordedEvent {
	e := RecordedEvent{
		ReadingID:  r.ID,
		Value:      r.Value,
		Confidence: r.Confidence,
		Timestamp:  r.Timestamp,
		Location:   r.Location,
		Flagged:    flagged,
		FlagReason: reason,
	}
	if r.RecordedBy != nil {
		e.RecordedByUID = r.RecordedBy.UID
	}
	return e
}

// PublishRecordedEvent publishes a reading-recorded event
func (p *Publisher) PublishRecordedEvent(ctx context.Context, event RecordedEvent, routingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)

	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published recorded event",
		zap.String("routing_key", routingKey),
		zap.String("reading_id", event.ReadingID),
		zap.Bool("flagged", event.Flagged),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}

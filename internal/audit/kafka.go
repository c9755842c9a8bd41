package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaEmitter mirrors security events onto a Kafka topic. Messages are keyed
// by user id so one user's events stay ordered within a partition.
type KafkaEmitter struct {
	writer *kafka.Writer
	logger zerolog.Logger
}

// NewKafkaEmitterFromConfig creates a Kafka emitter from broker configuration.
// Returns (nil, nil) when brokers is empty so callers can fall back to the
// logger emitter without treating it as an error.
func NewKafkaEmitterFromConfig(brokers, topic, clientID string, logger zerolog.Logger) (*KafkaEmitter, error) {
	brokers = strings.TrimSpace(brokers)
	if brokers == "" {
		return nil, nil
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka emitter: topic must be provided")
	}

	addrs := []string{}
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kafka emitter: no valid broker addresses in %q", brokers)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 100 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: clientID,
		},
	}

	return &KafkaEmitter{
		writer: writer,
		logger: logger.With().Str("component", "audit-kafka").Logger(),
	}, nil
}

// Emit produces the event to the configured topic. Failures are returned for
// monitoring; the durable ledger write happens elsewhere, so a Kafka outage
// never blocks verification traffic.
func (e *KafkaEmitter) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka emitter: marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.UserID.String()),
		Value: payload,
		Time:  event.CreatedAt,
	}
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		e.logger.Warn().Err(err).Str("event_type", event.EventType).Msg("failed to mirror security event")
		return fmt.Errorf("kafka emitter: write message: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (e *KafkaEmitter) Close() error {
	return e.writer.Close()
}

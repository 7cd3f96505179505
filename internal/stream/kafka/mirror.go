// Package kafkastream mirrors broker events to a Kafka topic for analytics and
// downstream consumers.
package kafkastream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/tradewatch/internal/broker"
	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// Config holds producer settings.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	RequiredAcks int
}

// messageWriter is the part of *kafka.Writer the mirror uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Mirror writes every event as a JSON envelope keyed by its topic. The hash
// balancer keeps one identity on one partition, so per-identity order holds
// for consumers.
type Mirror struct {
	topic  string
	writer messageWriter
}

// NewMirror creates a Mirror.
func NewMirror(cfg Config) (*Mirror, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	acks := kafka.RequireOne
	if cfg.RequiredAcks < 0 {
		acks = kafka.RequireAll
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           acks,
		AllowAutoTopicCreation: true,
	}
	return &Mirror{topic: cfg.Topic, writer: w}, nil
}

func (m *Mirror) Name() string { return "kafka" }

func (m *Mirror) Mirror(ctx context.Context, e domain.Event) error {
	payload, err := domain.MarshalEnvelope(e)
	if err != nil {
		return fmt.Errorf("kafka: marshal %s: %w", e.Topic(), err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Topic()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.EventKind())},
			{Key: "family", Value: []byte(family(e.Topic()))},
		},
	}
	if err := m.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s to %s: %w", e.Topic(), m.topic, err)
	}
	return nil
}

// Close flushes pending batches.
func (m *Mirror) Close() error {
	if err := m.writer.Close(); err != nil {
		return fmt.Errorf("kafka: close writer: %w", err)
	}
	return nil
}

// family returns the first topic segment, e.g. "positions".
func family(topic string) string {
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		return topic[:i]
	}
	return topic
}

var _ broker.Mirror = (*Mirror)(nil)

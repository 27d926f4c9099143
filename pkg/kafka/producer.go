package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/config"
)

// HeaderEventType carries Event.Type on every message.
const HeaderEventType = "event-type"

// Event is one JSON message. Key drives partitioning; records are keyed by
// their unique id and statistics events by build id.
type Event struct {
	Key   string
	Type  string
	Value any
}

// MessageWriter is the part of *kafka.Writer the Producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer MessageWriter
	topic  string
	logger *slog.Logger
}

// NewProducer writes to topic with hash partitioning, so every version of a
// key lands on the same partition and replays in order.
func NewProducer(cfg config.KafkaConfig, topic string) *Producer {
	return NewProducerWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              500,
		BatchTimeout:           20 * time.Millisecond,
		MaxAttempts:            5,
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}, topic)
}

func NewProducerWithWriter(w MessageWriter, topic string) *Producer {
	return &Producer{
		writer: w,
		topic:  topic,
		logger: slog.Default().With("component", "kafka-producer", "topic", topic),
	}
}

func (p *Producer) Publish(ctx context.Context, event Event) error {
	return p.PublishBatch(ctx, []Event{event})
}

// PublishBatch encodes every event before writing any, so an unencodable
// event fails the batch without a partial write.
func (p *Producer) PublishBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs, err := encode(events)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("kafka write failed", "count", len(msgs), "error", err)
		return fmt.Errorf("writing %d messages to %s: %w", len(msgs), p.topic, err)
	}
	p.logger.Debug("kafka write", "count", len(msgs), "took", time.Since(start))
	return nil
}

func encode(events []Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, len(events))
	for i, ev := range events {
		value, err := json.Marshal(ev.Value)
		if err != nil {
			return nil, fmt.Errorf("encoding event %q: %w", ev.Key, err)
		}
		msgs[i] = kafka.Message{Key: []byte(ev.Key), Value: value}
		if ev.Type != "" {
			msgs[i].Headers = []kafka.Header{{Key: HeaderEventType, Value: []byte(ev.Type)}}
		}
	}
	return msgs, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/kafka"
)

// EventPublisher is satisfied by *kafka.Producer.
type EventPublisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Publisher streams rows onto the records topic so that later builds can
// replay them with a KafkaSource.
type Publisher struct {
	producer  EventPublisher
	idField   string
	batchSize int
	logger    *slog.Logger
}

// PublishReport summarises one Publish call.
type PublishReport struct {
	Published int64 `json:"published"`
	Malformed int64 `json:"malformed"`
}

func NewPublisher(producer EventPublisher, idField string, batchSize int) *Publisher {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Publisher{
		producer:  producer,
		idField:   idField,
		batchSize: batchSize,
		logger:    slog.Default().With("component", "record-publisher"),
	}
}

// Publish drains src onto the topic. Rows are keyed by id and carry the id
// under the configured id field.
func (p *Publisher) Publish(ctx context.Context, src Source) (PublishReport, error) {
	var report PublishReport
	pending := make([]kafka.Event, 0, p.batchSize)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := p.producer.PublishBatch(ctx, pending); err != nil {
			return err
		}
		report.Published += int64(len(pending))
		pending = pending[:0]
		return nil
	}

	for {
		row, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		var malformed *MalformedRowError
		if errors.As(err, &malformed) {
			report.Malformed++
			p.logger.Warn("skipping malformed row", "position", malformed.Position, "reason", malformed.Reason)
			continue
		}
		if err != nil {
			return report, fmt.Errorf("reading source: %w", err)
		}

		value := make(map[string]string, len(row.Fields)+1)
		for k, v := range row.Fields {
			value[k] = v
		}
		value[p.idField] = row.ID
		pending = append(pending, kafka.Event{Key: row.ID, Value: value})
		if len(pending) >= p.batchSize {
			if err := flush(); err != nil {
				return report, err
			}
		}
	}
	if err := flush(); err != nil {
		return report, err
	}
	p.logger.Info("rows published", "published", report.Published, "malformed", report.Malformed)
	return report, nil
}

// Package events announces published statistics over Kafka so that other
// processes sharing the same store can reload them.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/aggregation"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/stats"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/kafka"
)

// EventStatisticsPublished is the event-type header of StatisticsPublished.
const EventStatisticsPublished = "statistics.published"

// StatisticsPublished is the payload written to the statistics topic.
type StatisticsPublished struct {
	BuildID           string    `json:"build_id"`
	BuiltAt           time.Time `json:"built_at"`
	RecordsProcessed  int64     `json:"records_processed"`
	BatchesTotal      int       `json:"batches_total"`
	BatchesFailed     int       `json:"batches_failed"`
	DuplicatesSkipped int64     `json:"duplicates_skipped"`
	Instance          string    `json:"instance"`
}

// Sink is the part of kafka.Producer the publisher uses.
type Sink interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Publisher implements aggregation.Notifier.
type Publisher struct {
	sink     Sink
	instance string
	logger   *slog.Logger
}

func NewPublisher(sink Sink, instance string) *Publisher {
	return &Publisher{
		sink:     sink,
		instance: instance,
		logger:   slog.Default().With("component", "events"),
	}
}

func (p *Publisher) StatisticsPublished(ctx context.Context, meta stats.Meta, report aggregation.Report) error {
	ev := StatisticsPublished{
		BuildID:           meta.BuildID,
		BuiltAt:           meta.BuiltAt,
		RecordsProcessed:  meta.RecordsProcessed,
		BatchesTotal:      report.BatchesTotal,
		BatchesFailed:     report.BatchesFailed,
		DuplicatesSkipped: report.DuplicatesSkipped,
		Instance:          p.instance,
	}
	if err := p.sink.Publish(ctx, kafka.Event{Key: meta.BuildID, Type: EventStatisticsPublished, Value: ev}); err != nil {
		return fmt.Errorf("publishing statistics event for build %s: %w", meta.BuildID, err)
	}
	p.logger.Info("statistics event published", "build_id", meta.BuildID)
	return nil
}

// Listener turns statistics events from other instances into reloads.
type Listener struct {
	instance string
	reload   func(ctx context.Context, ev StatisticsPublished) error
	logger   *slog.Logger
}

func NewListener(instance string, reload func(ctx context.Context, ev StatisticsPublished) error) *Listener {
	return &Listener{
		instance: instance,
		reload:   reload,
		logger:   slog.Default().With("component", "events"),
	}
}

// Handle is a kafka.MessageHandler. Events written by this instance are
// ignored because its handle has already been swapped.
func (l *Listener) Handle(ctx context.Context, _ []byte, value []byte) error {
	ev, err := kafka.DecodeJSON[StatisticsPublished](value)
	if err != nil {
		return err
	}
	if ev.Instance == l.instance {
		return nil
	}
	l.logger.Info("statistics published elsewhere, reloading", "build_id", ev.BuildID, "instance", ev.Instance)
	return l.reload(ctx, ev)
}

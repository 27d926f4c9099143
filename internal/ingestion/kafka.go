package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/kafka"
)

const defaultIdleTimeout = 5 * time.Second

// KafkaSource replays a records topic. Each message value is one JSON object;
// when the id field is absent the message key is used as the id. The stream
// ends once no message arrives within the idle timeout.
type KafkaSource struct {
	reader      kafka.MessageReader
	idField     string
	idleTimeout time.Duration
	read        int64
	logger      *slog.Logger
}

func NewKafkaSource(reader kafka.MessageReader, idField string, idleTimeout time.Duration) *KafkaSource {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &KafkaSource{
		reader:      reader,
		idField:     idField,
		idleTimeout: idleTimeout,
		logger:      slog.Default().With("component", "kafka-source"),
	}
}

func (s *KafkaSource) Next(ctx context.Context) (Row, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.idleTimeout)
	defer cancel()
	msg, err := s.reader.ReadMessage(readCtx)
	if err != nil {
		if ctx.Err() != nil {
			return Row{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
			s.logger.Info("records topic drained", "messages", s.read)
			return Row{}, io.EOF
		}
		return Row{}, fmt.Errorf("reading records topic: %w", err)
	}
	s.read++

	row, err := DecodeRow(msg.Value, s.idField, msg.Offset)
	var malformed *MalformedRowError
	if errors.As(err, &malformed) && len(msg.Key) > 0 {
		// retry with the key supplying the id
		if keyed, kerr := decodeKeyed(msg.Value, s.idField, string(msg.Key), msg.Offset); kerr == nil {
			return keyed, nil
		}
	}
	return row, err
}

func decodeKeyed(value []byte, idField, key string, offset int64) (Row, error) {
	values, err := kafka.DecodeJSON[map[string]any](value)
	if err != nil {
		return Row{}, &MalformedRowError{Position: offset, Reason: "invalid json", Err: err}
	}
	if values == nil {
		values = make(map[string]any, 1)
	}
	if _, ok := values[idField]; ok {
		return Row{}, &MalformedRowError{Position: offset, Reason: "unique id field present but invalid"}
	}
	values[idField] = key
	row, err := RowFromValues(idField, values)
	if err != nil {
		return Row{}, &MalformedRowError{Position: offset, Reason: err.Error()}
	}
	return row, nil
}

// Close closes the underlying reader.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

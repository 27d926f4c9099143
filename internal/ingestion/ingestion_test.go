package ingestion

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/kafka"
)

func drain(t *testing.T, src Source) (rows []Row, malformed []*MalformedRowError) {
	t.Helper()
	for {
		row, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return rows, malformed
		}
		var m *MalformedRowError
		if errors.As(err, &m) {
			malformed = append(malformed, m)
			continue
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestJSONLinesSource(t *testing.T) {
	input := strings.Join([]string{
		`{"unique_id": 1, "surname": "Smith", "dob": "1985-03-02", "age": 39.5}`,
		``,
		`{"unique_id": "r2", "surname": null, "active": true}`,
		`{not json`,
		`{"surname": "no id"}`,
		`{"unique_id": "r4", "tags": ["a", "b"]}`,
		`{"unique_id": "r5", "surname": "Jones"}`,
	}, "\n")

	rows, malformed := drain(t, NewJSONLinesSource(strings.NewReader(input), "unique_id"))
	require.Len(t, rows, 3)
	assert.Equal(t, Row{ID: "1", Fields: map[string]string{"surname": "Smith", "dob": "1985-03-02", "age": "39.5"}}, rows[0])
	assert.Equal(t, Row{ID: "r2", Fields: map[string]string{"surname": "", "active": "true"}}, rows[1])
	assert.Equal(t, "r5", rows[2].ID)

	require.Len(t, malformed, 3)
	assert.Equal(t, int64(4), malformed[0].Position)
	assert.Equal(t, "invalid json", malformed[0].Reason)
	assert.Contains(t, malformed[1].Reason, "missing unique id")
	assert.Contains(t, malformed[2].Reason, "tags")
}

func TestSliceSourceHonoursContext(t *testing.T) {
	src := NewSliceSource([]Row{{ID: "a"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	row, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", row.ID)
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

type fakeReader struct {
	msgs []kafkago.Message
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafkago.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafkago.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) Close() error { return nil }

func TestKafkaSourceDrainsUntilIdle(t *testing.T) {
	reader := &fakeReader{msgs: []kafkago.Message{
		{Offset: 0, Value: []byte(`{"unique_id":"a","surname":"smith"}`)},
		{Offset: 1, Key: []byte("b"), Value: []byte(`{"surname":"jones"}`)},
		{Offset: 2, Value: []byte(`garbage`)},
	}}
	src := NewKafkaSource(reader, "unique_id", 10*time.Millisecond)

	rows, malformed := drain(t, src)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].ID)
	assert.Equal(t, "b", rows[1].ID)
	assert.Equal(t, "jones", rows[1].Fields["surname"])
	require.Len(t, malformed, 1)
	assert.Equal(t, int64(2), malformed[0].Position)
}

func TestKafkaSourceParentCancellation(t *testing.T) {
	src := NewKafkaSource(&fakeReader{}, "unique_id", time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type capturePublisher struct {
	batches [][]kafka.Event
}

func (c *capturePublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	c.batches = append(c.batches, append([]kafka.Event(nil), events...))
	return nil
}

func TestPublisherBatchesRows(t *testing.T) {
	input := `{"id":"1","n":"a"}
{"id":"2","n":"b"}
oops
{"id":"3","n":"c"}`
	sink := &capturePublisher{}
	report, err := NewPublisher(sink, "id", 2).Publish(context.Background(), NewJSONLinesSource(strings.NewReader(input), "id"))
	require.NoError(t, err)
	assert.Equal(t, PublishReport{Published: 3, Malformed: 1}, report)
	require.Len(t, sink.batches, 2)
	assert.Len(t, sink.batches[0], 2)
	assert.Equal(t, "3", sink.batches[1][0].Key)
	assert.Equal(t, map[string]string{"id": "3", "n": "c"}, sink.batches[1][0].Value)
}

// Package ingestion is the boundary between external tabular data and the
// matching engine. A Source yields Rows (a unique id plus stringified field
// values) which the aggregation pipeline turns into records.
package ingestion

import (
	"context"
	"fmt"
)

// Row is one input record before tokenization. The unique-id field has
// already been removed from Fields.
type Row struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// Source is a pull-based record stream. Next returns io.EOF when the stream
// is exhausted and a *MalformedRowError for a row that could not be read;
// the stream continues after a malformed row. Any other error is fatal.
type Source interface {
	Next(ctx context.Context) (Row, error)
}

// MalformedRowError marks an unreadable row.
type MalformedRowError struct {
	Position int64
	Reason   string
	Err      error
}

func (e *MalformedRowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed row %d: %s: %v", e.Position, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed row %d: %s", e.Position, e.Reason)
}

func (e *MalformedRowError) Unwrap() error {
	return e.Err
}

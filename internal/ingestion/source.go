package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// SliceSource replays an in-memory slice of rows.
type SliceSource struct {
	rows []Row
	pos  int
}

func NewSliceSource(rows []Row) *SliceSource {
	return &SliceSource{rows: rows}
}

func (s *SliceSource) Next(ctx context.Context) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	if s.pos >= len(s.rows) {
		return Row{}, io.EOF
	}
	row := s.rows[s.pos]
	s.pos++
	return row, nil
}

const maxLineBytes = 4 << 20

// JSONLinesSource reads one JSON object per line. Blank lines are skipped.
type JSONLinesSource struct {
	scanner *bufio.Scanner
	idField string
	line    int64
}

func NewJSONLinesSource(r io.Reader, idField string) *JSONLinesSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &JSONLinesSource{scanner: sc, idField: idField}
}

func (s *JSONLinesSource) Next(ctx context.Context) (Row, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Row{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Row{}, fmt.Errorf("reading line %d: %w", s.line+1, err)
			}
			return Row{}, io.EOF
		}
		s.line++
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return DecodeRow(line, s.idField, s.line)
	}
}

// DecodeRow parses one JSON object into a Row. Failures are reported as
// *MalformedRowError at the given position.
func DecodeRow(data []byte, idField string, position int64) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return Row{}, &MalformedRowError{Position: position, Reason: "invalid json", Err: err}
	}
	row, err := RowFromValues(idField, values)
	if err != nil {
		return Row{}, &MalformedRowError{Position: position, Reason: err.Error()}
	}
	return row, nil
}

package ingestion

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const maxIDLength = 255

// RowFromValues validates a decoded object and converts it into a Row. The
// value under idField becomes the row id. Scalars are stringified; nested
// objects and arrays are rejected.
func RowFromValues(idField string, values map[string]any) (Row, error) {
	rawID, ok := values[idField]
	if !ok || rawID == nil {
		return Row{}, fmt.Errorf("missing unique id field %q", idField)
	}
	id, err := stringify(rawID)
	if err != nil {
		return Row{}, fmt.Errorf("unique id field %q: %w", idField, err)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Row{}, fmt.Errorf("unique id field %q is empty", idField)
	}
	if len(id) > maxIDLength {
		return Row{}, fmt.Errorf("unique id must be at most %d characters", maxIDLength)
	}

	fields := make(map[string]string, len(values)-1)
	for name, v := range values {
		if name == idField {
			continue
		}
		if name == "" {
			return Row{}, fmt.Errorf("empty field name")
		}
		s, err := stringify(v)
		if err != nil {
			return Row{}, fmt.Errorf("field %q: %w", name, err)
		}
		fields[name] = s
	}
	return Row{ID: id, Fields: fields}, nil
}

func stringify(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}
}

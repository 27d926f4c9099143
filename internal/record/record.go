// Package record holds the immutable in-memory form of one entity: its raw
// field values and the token sequences derived from them.
package record

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
)

// Tokenizer is the subset of tokenizer.Tokenizer a Record needs.
type Tokenizer interface {
	Tokenize(field, raw string) []string
}

// Record is immutable once constructed. Fields whose value produces no
// tokens are still present in Fields but report an empty token slice.
type Record struct {
	id     string
	fields map[string]string
	tokens map[string][]string
}

// New tokenizes fields and returns a Record. The id must be non-empty.
func New(id string, fields map[string]string, tok Tokenizer) (*Record, error) {
	if id == "" {
		return nil, &apperrors.ValidationError{Fields: map[string]string{"id": "must not be empty"}}
	}
	return build(id, fields, tok)
}

// NewQuery builds an id-less record used as the left side of a comparison.
func NewQuery(fields map[string]string, tok Tokenizer) (*Record, error) {
	for name := range fields {
		if name == "" {
			return nil, &apperrors.ValidationError{Fields: map[string]string{"": "field name is empty"}}
		}
	}
	return build("", fields, tok)
}

// Restore rebuilds a stored record without re-tokenizing. Use Verify to check
// that stored tokens still agree with the active tokenizer.
func Restore(id string, fields map[string]string, tokens map[string][]string) *Record {
	r := &Record{
		id:     id,
		fields: make(map[string]string, len(fields)),
		tokens: make(map[string][]string, len(tokens)),
	}
	for k, v := range fields {
		r.fields[k] = v
	}
	for k, v := range tokens {
		if len(v) > 0 {
			r.tokens[k] = slices.Clone(v)
		}
	}
	return r
}

func build(id string, fields map[string]string, tok Tokenizer) (*Record, error) {
	r := &Record{
		id:     id,
		fields: make(map[string]string, len(fields)),
		tokens: make(map[string][]string, len(fields)),
	}
	for name, raw := range fields {
		r.fields[name] = raw
		if tokens := tok.Tokenize(name, raw); len(tokens) > 0 {
			r.tokens[name] = tokens
		}
	}
	return r, nil
}

func (r *Record) ID() string { return r.id }

// Field returns the raw value and whether the field was supplied.
func (r *Record) Field(name string) (string, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// Fields returns a copy of the raw values.
func (r *Record) Fields() map[string]string {
	out := make(map[string]string, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// Tokens returns a copy of the token sequence for field, empty when the
// field is absent or produced nothing.
func (r *Record) Tokens(field string) []string {
	return slices.Clone(r.tokens[field])
}

// TokenFields lists fields with at least one token, sorted.
func (r *Record) TokenFields() []string {
	out := make([]string, 0, len(r.tokens))
	for k := range r.tokens {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HasTokens reports whether any field produced a token.
func (r *Record) HasTokens() bool { return len(r.tokens) > 0 }

// DistinctTokens returns the token set of field in first-seen order. Shared
// with the aggregation pipeline so counting uses presence, not multiplicity.
func (r *Record) DistinctTokens(field string) []string {
	seq := r.tokens[field]
	seen := make(map[string]struct{}, len(seq))
	out := make([]string, 0, len(seq))
	for _, t := range seq {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// TokenMap returns a deep copy of all token sequences, for persistence.
func (r *Record) TokenMap() map[string][]string {
	out := make(map[string][]string, len(r.tokens))
	for k, v := range r.tokens {
		out[k] = slices.Clone(v)
	}
	return out
}

// Verify re-tokenizes the stored fields and reports the first field whose
// tokens differ from the stored sequence.
func (r *Record) Verify(tok Tokenizer) error {
	names := make([]string, 0, len(r.fields))
	for k := range r.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		got := tok.Tokenize(name, r.fields[name])
		if !slices.Equal(got, r.tokens[name]) && !(len(got) == 0 && len(r.tokens[name]) == 0) {
			return fmt.Errorf("record %s field %s: stored tokens %v, tokenizer produces %v", r.id, name, r.tokens[name], got)
		}
	}
	for name := range r.tokens {
		if _, ok := r.fields[name]; !ok {
			return fmt.Errorf("record %s: tokens for unknown field %s", r.id, name)
		}
	}
	return nil
}

type wireRecord struct {
	ID     string              `json:"id"`
	Fields map[string]string   `json:"fields"`
	Tokens map[string][]string `json:"tokens,omitempty"`
}

// MarshalJSON encodes the id, raw fields and derived tokens.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{ID: r.id, Fields: r.fields, Tokens: r.tokens})
}

// UnmarshalJSON restores a record encoded by MarshalJSON without
// re-tokenizing it.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = *Restore(w.ID, w.Fields, w.Tokens)
	return nil
}

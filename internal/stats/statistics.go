package stats

import (
	"sort"
	"time"
)

// Meta describes the build that produced a Statistics table.
type Meta struct {
	BuildID          string    `json:"build_id"`
	BuiltAt          time.Time `json:"built_at"`
	RecordsProcessed int64     `json:"records_processed"`
	Generation       uint64    `json:"generation"`
}

// Statistics is the read-only proportion table. It is never modified after
// FromCounts returns; a rebuild produces a new instance.
type Statistics struct {
	counts *TokenCount
	meta   Meta
}

// Empty returns statistics for an empty corpus.
func Empty() *Statistics {
	return &Statistics{counts: NewTokenCount()}
}

// FromCounts derives statistics from a reduced counter. The counter is
// copied so later changes to it cannot leak into the table.
func FromCounts(c *TokenCount, meta Meta) *Statistics {
	return &Statistics{counts: c.Clone(), meta: meta}
}

func (s *Statistics) Meta() Meta { return s.meta }

// Counts returns a copy of the underlying presence counts.
func (s *Statistics) Counts() *TokenCount { return s.counts.Clone() }

// Proportion returns count/records for token in field. ok is false when
// the token was never observed in the field.
func (s *Statistics) Proportion(field, token string) (float64, bool) {
	fc, ok := s.counts.Fields[field]
	if !ok || fc.Records == 0 {
		return 0, false
	}
	n, ok := fc.Tokens[token]
	if !ok || n == 0 {
		return 0, false
	}
	return float64(n) / float64(fc.Records), true
}

// ProportionOr returns the proportion of token, or floor when it is unseen
// or rarer than floor.
func (s *Statistics) ProportionOr(field, token string, floor float64) float64 {
	p, ok := s.Proportion(field, token)
	if !ok || p < floor {
		return floor
	}
	return p
}

func (s *Statistics) Count(field, token string) int64 {
	if fc, ok := s.counts.Fields[field]; ok {
		return fc.Tokens[token]
	}
	return 0
}

// FieldRecords is the number of records with any token in field.
func (s *Statistics) FieldRecords(field string) int64 {
	if fc, ok := s.counts.Fields[field]; ok {
		return fc.Records
	}
	return 0
}

// Fields lists the fields with statistics, sorted.
func (s *Statistics) Fields() []string {
	out := make([]string, 0, len(s.counts.Fields))
	for name := range s.counts.Fields {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DistinctTokens is the number of distinct tokens observed in field.
func (s *Statistics) DistinctTokens(field string) int {
	if fc, ok := s.counts.Fields[field]; ok {
		return len(fc.Tokens)
	}
	return 0
}

// IsEmpty reports whether no record has been counted.
func (s *Statistics) IsEmpty() bool {
	return len(s.counts.Fields) == 0
}

// RarityOrder returns the distinct tokens sorted rarest first. Unseen tokens
// take the floor proportion; ties break by token ascending.
func (s *Statistics) RarityOrder(field string, tokens []string, floor float64) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi := s.ProportionOr(field, out[i], floor)
		pj := s.ProportionOr(field, out[j], floor)
		if pi != pj {
			return pi < pj
		}
		return out[i] < out[j]
	})
	return out
}

// Summary is a JSON-friendly view of the table for status endpoints.
type Summary struct {
	Meta   Meta                    `json:"meta"`
	Fields map[string]FieldSummary `json:"fields"`
}

type FieldSummary struct {
	Records        int64 `json:"records"`
	DistinctTokens int   `json:"distinct_tokens"`
}

func (s *Statistics) Summary() Summary {
	out := Summary{Meta: s.meta, Fields: make(map[string]FieldSummary, len(s.counts.Fields))}
	for name, fc := range s.counts.Fields {
		out.Fields[name] = FieldSummary{Records: fc.Records, DistinctTokens: len(fc.Tokens)}
	}
	return out
}

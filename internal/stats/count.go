// Package stats holds corpus-wide token statistics: the presence counters
// produced by aggregation, the read-only proportion table derived from them,
// and the Handle through which the active table is published and read.
package stats

import (
	"sort"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
)

// FieldCount holds presence counts for one field. Records is the number of
// records with at least one token in the field.
type FieldCount struct {
	Records int64
	Tokens  map[string]int64
}

// TokenCount maps field name to its presence counts.
type TokenCount struct {
	Fields map[string]*FieldCount
}

func NewTokenCount() *TokenCount {
	return &TokenCount{Fields: make(map[string]*FieldCount)}
}

func (c *TokenCount) field(name string) *FieldCount {
	fc, ok := c.Fields[name]
	if !ok {
		fc = &FieldCount{Tokens: make(map[string]int64)}
		c.Fields[name] = fc
	}
	return fc
}

// Add counts each distinct token of every field of r once.
func (c *TokenCount) Add(r *record.Record) {
	for _, name := range r.TokenFields() {
		tokens := r.DistinctTokens(name)
		if len(tokens) == 0 {
			continue
		}
		fc := c.field(name)
		fc.Records++
		for _, t := range tokens {
			fc.Tokens[t]++
		}
	}
}

// MergeInto adds every count in other to c. other is not modified.
func (c *TokenCount) MergeInto(other *TokenCount) {
	if other == nil {
		return
	}
	for name, ofc := range other.Fields {
		fc := c.field(name)
		fc.Records += ofc.Records
		for t, n := range ofc.Tokens {
			fc.Tokens[t] += n
		}
	}
}

// Merge returns a new TokenCount holding a+b. It is associative and
// commutative and leaves both inputs untouched.
func Merge(a, b *TokenCount) *TokenCount {
	out := NewTokenCount()
	out.MergeInto(a)
	out.MergeInto(b)
	return out
}

// Clone returns a deep copy.
func (c *TokenCount) Clone() *TokenCount {
	return Merge(c, nil)
}

// Equal reports whether both tables hold identical counts.
func (c *TokenCount) Equal(o *TokenCount) bool {
	if len(c.Fields) != len(o.Fields) {
		return false
	}
	for name, fc := range c.Fields {
		ofc, ok := o.Fields[name]
		if !ok || fc.Records != ofc.Records || len(fc.Tokens) != len(ofc.Tokens) {
			return false
		}
		for t, n := range fc.Tokens {
			if ofc.Tokens[t] != n {
				return false
			}
		}
	}
	return true
}

// Entries is the number of (field, token) pairs.
func (c *TokenCount) Entries() int {
	n := 0
	for _, fc := range c.Fields {
		n += len(fc.Tokens)
	}
	return n
}

// Entry is one row of a flattened TokenCount, as bulk-written to storage.
type Entry struct {
	Field string
	Token string
	Count int64
}

// FieldEntry is the per-field record total.
type FieldEntry struct {
	Field   string
	Records int64
}

// Flatten returns the table as sorted rows.
func (c *TokenCount) Flatten() ([]FieldEntry, []Entry) {
	fields := make([]FieldEntry, 0, len(c.Fields))
	entries := make([]Entry, 0, c.Entries())
	for name, fc := range c.Fields {
		fields = append(fields, FieldEntry{Field: name, Records: fc.Records})
		for t, n := range fc.Tokens {
			entries = append(entries, Entry{Field: name, Token: t, Count: n})
		}
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Field != entries[j].Field {
			return entries[i].Field < entries[j].Field
		}
		return entries[i].Token < entries[j].Token
	})
	return fields, entries
}

// Unflatten is the inverse of Flatten.
func Unflatten(fields []FieldEntry, entries []Entry) *TokenCount {
	c := NewTokenCount()
	for _, f := range fields {
		c.field(f.Field).Records = f.Records
	}
	for _, e := range entries {
		c.field(e.Field).Tokens[e.Token] = e.Count
	}
	return c
}

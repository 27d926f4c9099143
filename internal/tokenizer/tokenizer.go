// Package tokenizer normalises raw field values into token sequences. Each
// field is tokenised by a named Rule (text, name, date, digits); the same
// Tokenizer must be used when building statistics and when scoring, or token
// counts and comparisons silently diverge.
package tokenizer

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Kind names a normalisation rule.
type Kind string

const (
	KindText   Kind = "text"
	KindName   Kind = "name"
	KindDate   Kind = "date"
	KindDigits Kind = "digits"
)

var nameTitles = map[string]struct{}{
	"MR": {}, "MRS": {}, "MS": {}, "MISS": {}, "MX": {}, "DR": {},
	"PROF": {}, "SIR": {}, "DAME": {}, "REV": {}, "LORD": {}, "LADY": {},
	"JR": {}, "SR": {}, "II": {}, "III": {}, "IV": {},
}

// Rule describes how one field is normalised.
type Rule struct {
	Kind Kind
	// MaxTokenLength splits longer tokens into fixed-size chunks. Zero keeps
	// tokens whole.
	MaxTokenLength int
	StopWords      map[string]struct{}
}

// Tokenizer maps field names to rules. It is immutable after construction
// and safe for concurrent use.
type Tokenizer struct {
	rules       map[string]Rule
	defaultRule Rule
}

// Option configures a Tokenizer.
type Option func(*Tokenizer)

// WithFieldRule assigns kind to field.
func WithFieldRule(field string, kind Kind) Option {
	return func(t *Tokenizer) {
		rule := t.defaultRule
		rule.Kind = kind
		t.rules[field] = rule
	}
}

// WithMaxTokenLength applies chunking to the default rule and every field
// rule registered after it.
func WithMaxTokenLength(n int) Option {
	return func(t *Tokenizer) {
		t.defaultRule.MaxTokenLength = n
		for field, rule := range t.rules {
			rule.MaxTokenLength = n
			t.rules[field] = rule
		}
	}
}

// WithStopWords drops the given words (case-insensitive) from text fields.
func WithStopWords(words ...string) Option {
	return func(t *Tokenizer) {
		stop := make(map[string]struct{}, len(words))
		for _, w := range words {
			stop[strings.ToUpper(strings.TrimSpace(w))] = struct{}{}
		}
		t.defaultRule.StopWords = stop
		for field, rule := range t.rules {
			rule.StopWords = stop
			t.rules[field] = rule
		}
	}
}

// WithDefaultKind changes the rule used for undeclared fields.
func WithDefaultKind(kind Kind) Option {
	return func(t *Tokenizer) {
		t.defaultRule.Kind = kind
	}
}

// New builds a Tokenizer. Options apply in order.
func New(opts ...Option) *Tokenizer {
	t := &Tokenizer{
		rules:       make(map[string]Rule),
		defaultRule: Rule{Kind: KindText},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FromConfig builds a Tokenizer from declared rule names.
func FromConfig(defaultKind string, fields map[string]string, maxTokenLength int, stopWords []string) (*Tokenizer, error) {
	opts := make([]Option, 0, len(fields)+3)
	if defaultKind != "" {
		kind, err := ParseKind(defaultKind)
		if err != nil {
			return nil, fmt.Errorf("default rule: %w", err)
		}
		opts = append(opts, WithDefaultKind(kind))
	}
	if maxTokenLength > 0 {
		opts = append(opts, WithMaxTokenLength(maxTokenLength))
	}
	if len(stopWords) > 0 {
		opts = append(opts, WithStopWords(stopWords...))
	}
	names := make([]string, 0, len(fields))
	for field := range fields {
		names = append(names, field)
	}
	sort.Strings(names)
	for _, field := range names {
		kind, err := ParseKind(fields[field])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		opts = append(opts, WithFieldRule(field, kind))
	}
	return New(opts...), nil
}

// ParseKind validates a rule name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindText, KindName, KindDate, KindDigits:
		return k, nil
	default:
		return "", fmt.Errorf("unknown tokenizer rule %q", s)
	}
}

// RuleFor returns the rule applied to field.
func (t *Tokenizer) RuleFor(field string) Rule {
	if rule, ok := t.rules[field]; ok {
		return rule
	}
	return t.defaultRule
}

// Tokenize normalises raw into an ordered token sequence. Empty or blank
// input yields an empty, non-nil slice.
func (t *Tokenizer) Tokenize(field string, raw string) []string {
	rule := t.RuleFor(field)
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	var words []string
	switch rule.Kind {
	case KindDigits:
		words = digitsOnly(raw)
	case KindName:
		words = nameWords(raw)
	default:
		// text and date share separators; only text honours stop words.
		words = splitWords(raw, true)
	}

	tokens := make([]string, 0, len(words))
	for _, w := range words {
		if rule.Kind == KindText {
			if _, stop := rule.StopWords[w]; stop {
				continue
			}
		}
		tokens = appendChunked(tokens, w, rule.MaxTokenLength)
	}
	return tokens
}

// splitWords upper-cases s and splits it on every rune that is not a letter
// or digit. Apostrophes separate words when apostropheSplits is set.
func splitWords(s string, apostropheSplits bool) []string {
	s = strings.ToUpper(s)
	if !apostropheSplits {
		s = strings.NewReplacer("'", "", "’", "").Replace(s)
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func nameWords(s string) []string {
	words := splitWords(s, false)
	out := words[:0]
	for _, w := range words {
		if _, title := nameTitles[w]; title {
			continue
		}
		if len([]rune(w)) == 1 && !unicode.IsDigit([]rune(w)[0]) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func digitsOnly(s string) []string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return nil
	}
	return []string{b.String()}
}

func appendChunked(tokens []string, w string, size int) []string {
	runes := []rune(w)
	if size <= 0 || len(runes) <= size {
		return append(tokens, w)
	}
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		tokens = append(tokens, string(runes[start:end]))
	}
	return tokens
}

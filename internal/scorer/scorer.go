// Package scorer compares a query record with a candidate record using the
// corpus token proportions. It performs no I/O and holds no mutable state.
//
// Each shared token adds -ln(p) nats of evidence, where p is its proportion
// in the field (never below the floor). Each token present on only one side
// subtracts MismatchPenalty * -ln(p). A field missing on either side adds
// nothing. Weighted field evidence is combined into E and reported as
// 1 - exp(-max(E, 0)), which lies in [0, 1).
package scorer

import (
	"fmt"
	"math"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/stats"
)

// Combination folds per-field evidence into one value.
type Combination string

const (
	// CombineSum adds weighted field evidence, i.e. multiplies the odds.
	CombineSum Combination = "sum"
	// CombineMean divides the weighted sum by the total weight of the fields
	// that contributed.
	CombineMean Combination = "mean"
	// CombineMin keeps the weakest contributing field.
	CombineMin Combination = "min"
)

func ParseCombination(s string) (Combination, error) {
	switch c := Combination(s); c {
	case CombineSum, CombineMean, CombineMin:
		return c, nil
	case "":
		return CombineSum, nil
	default:
		return "", fmt.Errorf("unknown combination %q", s)
	}
}

type Config struct {
	FieldWeights    map[string]float64
	DefaultWeight   float64
	MismatchPenalty float64
	FloorProportion float64
	Combination     Combination
}

func DefaultConfig() Config {
	return Config{
		FieldWeights:    map[string]float64{},
		DefaultWeight:   1,
		MismatchPenalty: 0.5,
		FloorProportion: 1e-6,
		Combination:     CombineSum,
	}
}

type Scorer struct {
	cfg Config
}

func New(cfg Config) (*Scorer, error) {
	if cfg.FloorProportion <= 0 || cfg.FloorProportion > 1 {
		return nil, fmt.Errorf("floor proportion must be within (0,1], got %v", cfg.FloorProportion)
	}
	if cfg.MismatchPenalty < 0 {
		return nil, fmt.Errorf("mismatch penalty must not be negative, got %v", cfg.MismatchPenalty)
	}
	if cfg.DefaultWeight < 0 {
		return nil, fmt.Errorf("default weight must not be negative, got %v", cfg.DefaultWeight)
	}
	weights := make(map[string]float64, len(cfg.FieldWeights))
	for f, w := range cfg.FieldWeights {
		if w < 0 {
			return nil, fmt.Errorf("weight for field %q must not be negative", f)
		}
		weights[f] = w
	}
	cfg.FieldWeights = weights
	c, err := ParseCombination(string(cfg.Combination))
	if err != nil {
		return nil, err
	}
	cfg.Combination = c
	return &Scorer{cfg: cfg}, nil
}

func (s *Scorer) Config() Config { return s.cfg }

// FieldEvidence is the contribution of one field.
type FieldEvidence struct {
	Field     string   `json:"field"`
	Weight    float64  `json:"weight"`
	Matched   []string `json:"matched"`
	Unmatched []string `json:"unmatched"`
	Evidence  float64  `json:"evidence"`
}

// Breakdown explains a score.
type Breakdown struct {
	Score    float64         `json:"score"`
	Evidence float64         `json:"evidence"`
	Fields   []FieldEvidence `json:"fields"`
}

// Score returns the similarity of q and c in [0, 1).
func (s *Scorer) Score(q, c *record.Record, snap *stats.Statistics) float64 {
	return s.Explain(q, c, snap).Score
}

// Explain scores q against c and reports the per-field evidence.
func (s *Scorer) Explain(q, c *record.Record, snap *stats.Statistics) Breakdown {
	var (
		out         = Breakdown{Fields: []FieldEvidence{}}
		total       float64
		totalWeight float64
		minimum     = math.Inf(1)
	)
	for _, field := range q.TokenFields() {
		ct := c.DistinctTokens(field)
		if len(ct) == 0 {
			continue
		}
		w := s.weight(field)
		if w == 0 {
			continue
		}
		fe := s.field(field, q.DistinctTokens(field), ct, snap)
		fe.Weight = w
		out.Fields = append(out.Fields, fe)

		weighted := w * fe.Evidence
		total += weighted
		totalWeight += w
		minimum = math.Min(minimum, weighted)
	}
	if len(out.Fields) == 0 {
		return out
	}

	switch s.cfg.Combination {
	case CombineMean:
		out.Evidence = total / totalWeight
	case CombineMin:
		out.Evidence = minimum
	default:
		out.Evidence = total
	}
	out.Score = -math.Expm1(-math.Max(out.Evidence, 0))
	return out
}

func (s *Scorer) weight(field string) float64 {
	if w, ok := s.cfg.FieldWeights[field]; ok {
		return w
	}
	return s.cfg.DefaultWeight
}

func (s *Scorer) field(field string, qt, ct []string, snap *stats.Statistics) FieldEvidence {
	inCand := make(map[string]struct{}, len(ct))
	for _, t := range ct {
		inCand[t] = struct{}{}
	}
	inQuery := make(map[string]struct{}, len(qt))
	fe := FieldEvidence{Field: field, Matched: []string{}, Unmatched: []string{}}
	for _, t := range qt {
		inQuery[t] = struct{}{}
		if _, ok := inCand[t]; ok {
			fe.Matched = append(fe.Matched, t)
		} else {
			fe.Unmatched = append(fe.Unmatched, t)
		}
	}
	for _, t := range ct {
		if _, ok := inQuery[t]; !ok {
			fe.Unmatched = append(fe.Unmatched, t)
		}
	}
	sort.Strings(fe.Matched)
	sort.Strings(fe.Unmatched)

	for _, t := range fe.Matched {
		fe.Evidence += s.surprisal(snap, field, t)
	}
	for _, t := range fe.Unmatched {
		fe.Evidence -= s.cfg.MismatchPenalty * s.surprisal(snap, field, t)
	}
	return fe
}

func (s *Scorer) surprisal(snap *stats.Statistics, field, token string) float64 {
	return -math.Log(snap.ProportionOr(field, token, s.cfg.FloorProportion))
}

// Package memory is an in-process storage backend. The live corpus is an
// immutable snapshot replaced wholesale on promotion; staged builds are held
// per build id until promoted or discarded.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/stats"
	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
)

// postings maps field -> token -> sorted record ids.
type postings map[string]map[string][]string

type corpus struct {
	records map[string]*record.Record
	index   postings
	stats   *stats.Statistics
}

type staging struct {
	records map[string]*record.Record
	counts  *stats.TokenCount
}

type Store struct {
	mu     sync.RWMutex
	live   *corpus
	staged map[string]*staging
	closed bool
}

func New() *Store {
	return &Store{
		live: &corpus{
			records: make(map[string]*record.Record),
			index:   make(postings),
			stats:   stats.Empty(),
		},
		staged: make(map[string]*staging),
	}
}

func (s *Store) checkOpen() error {
	if s.closed {
		return apperrors.Unavailable("memory store", fmt.Errorf("store closed"))
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	r, ok := s.live.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, apperrors.ErrStaleCandidate)
	}
	return r, nil
}

func (s *Store) IndexLookup(ctx context.Context, field, token string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ids := s.live.index[field][token]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

func (s *Store) stage(buildID string) *staging {
	st, ok := s.staged[buildID]
	if !ok {
		st = &staging{records: make(map[string]*record.Record)}
		s.staged[buildID] = st
	}
	return st
}

func (s *Store) BulkWriteRecords(ctx context.Context, buildID string, batch []*record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	st := s.stage(buildID)
	for _, r := range batch {
		st.records[r.ID()] = r
	}
	return nil
}

func (s *Store) BulkWriteTokenCounts(ctx context.Context, buildID string, counts *stats.TokenCount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.stage(buildID).counts = counts.Clone()
	return nil
}

func (s *Store) AtomicReplaceStatistics(ctx context.Context, meta stats.Meta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	st, ok := s.staged[meta.BuildID]
	if !ok || st.counts == nil {
		return fmt.Errorf("build %s: no staged token counts", meta.BuildID)
	}

	next := &corpus{
		records: st.records,
		index:   buildPostings(st.records),
		stats:   stats.FromCounts(st.counts, meta),
	}
	s.live = next
	delete(s.staged, meta.BuildID)
	return nil
}

func buildPostings(records map[string]*record.Record) postings {
	idx := make(postings)
	for id, r := range records {
		for _, field := range r.TokenFields() {
			byToken, ok := idx[field]
			if !ok {
				byToken = make(map[string][]string)
				idx[field] = byToken
			}
			for _, token := range r.DistinctTokens(field) {
				byToken[token] = append(byToken[token], id)
			}
		}
	}
	for _, byToken := range idx {
		for _, ids := range byToken {
			sort.Strings(ids)
		}
	}
	return idx
}

func (s *Store) DiscardStaged(_ context.Context, buildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staged, buildID)
	return nil
}

func (s *Store) LoadStatistics(ctx context.Context) (*stats.Statistics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.live.stats, nil
}

// DeleteRecord copies the record map so the previous snapshot stays intact.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.live.records[id]; !ok {
		return fmt.Errorf("record %s: %w", id, apperrors.ErrStaleCandidate)
	}
	records := make(map[string]*record.Record, len(s.live.records))
	for k, v := range s.live.records {
		if k != id {
			records[k] = v
		}
	}
	s.live = &corpus{records: records, index: s.live.index, stats: s.live.stats}
	return nil
}

// StagedBuilds lists build ids with staged data.
func (s *Store) StagedBuilds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.staged))
	for id := range s.staged {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOpen()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

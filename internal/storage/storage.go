// Package storage defines the storage and indexing engine used by the
// matching core: durable records keyed by id, a (field, token) -> ids index,
// and the persisted statistics table.
//
// Builds never write to the live tables directly. Records and counts are
// bulk-written to a staging area tagged with the build id and promoted in
// one step by AtomicReplaceStatistics, so a cancelled or failed build leaves
// the live corpus untouched.
package storage

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/stats"
)

// Store is implemented by every backend. Read failures caused by the backend
// itself wrap apperrors.ErrStorageUnavailable; a missing record wraps
// apperrors.ErrStaleCandidate.
type Store interface {
	// GetRecord resolves a live record.
	GetRecord(ctx context.Context, id string) (*record.Record, error)
	// IndexLookup returns the ids of live records whose field contains token,
	// sorted ascending.
	IndexLookup(ctx context.Context, field, token string) ([]string, error)
	// BulkWriteRecords stages a batch of records for buildID.
	BulkWriteRecords(ctx context.Context, buildID string, batch []*record.Record) error
	// BulkWriteTokenCounts stages the reduced count table for buildID.
	BulkWriteTokenCounts(ctx context.Context, buildID string, counts *stats.TokenCount) error
	// AtomicReplaceStatistics promotes everything staged for meta.BuildID,
	// replacing the live records, index and statistics in one step.
	AtomicReplaceStatistics(ctx context.Context, meta stats.Meta) error
	// DiscardStaged drops everything staged for buildID. It honours ctx
	// like every other call; a caller cleaning up after cancellation must
	// pass a fresh, bounded context.
	DiscardStaged(ctx context.Context, buildID string) error
	// LoadStatistics returns the persisted statistics, or stats.Empty() when
	// no build has been published.
	LoadStatistics(ctx context.Context) (*stats.Statistics, error)
	// DeleteRecord removes a live record. Index entries pointing at it remain
	// until the next rebuild, so lookups may return stale ids.
	DeleteRecord(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

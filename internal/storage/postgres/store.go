// Package postgres is the PostgreSQL storage backend. Staged batches are
// loaded with COPY; promotion swaps the live tables inside one transaction so
// concurrent readers keep seeing the previous corpus until commit.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/stats"
	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
	pgclient "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ff_records (
		id     TEXT PRIMARY KEY,
		fields JSONB NOT NULL,
		tokens JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ff_record_tokens (
		field     TEXT NOT NULL,
		token     TEXT NOT NULL,
		record_id TEXT NOT NULL,
		PRIMARY KEY (field, token, record_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ff_token_stats (
		field TEXT NOT NULL,
		token TEXT NOT NULL,
		count BIGINT NOT NULL CHECK (count > 0),
		PRIMARY KEY (field, token)
	)`,
	`CREATE TABLE IF NOT EXISTS ff_field_stats (
		field   TEXT PRIMARY KEY,
		records BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ff_stats_meta (
		id                SMALLINT PRIMARY KEY CHECK (id = 1),
		build_id          TEXT NOT NULL,
		built_at          TIMESTAMPTZ NOT NULL,
		records_processed BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ff_builds_staging (
		build_id     TEXT PRIMARY KEY,
		counts_ready BOOLEAN NOT NULL DEFAULT FALSE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNLOGGED TABLE IF NOT EXISTS ff_records_staging (
		build_id TEXT NOT NULL,
		id       TEXT NOT NULL,
		fields   JSONB NOT NULL,
		tokens   JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ff_records_staging_build ON ff_records_staging (build_id)`,
	`CREATE UNLOGGED TABLE IF NOT EXISTS ff_record_tokens_staging (
		build_id  TEXT NOT NULL,
		field     TEXT NOT NULL,
		token     TEXT NOT NULL,
		record_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ff_record_tokens_staging_build ON ff_record_tokens_staging (build_id)`,
	`CREATE UNLOGGED TABLE IF NOT EXISTS ff_token_stats_staging (
		build_id TEXT NOT NULL,
		field    TEXT NOT NULL,
		token    TEXT NOT NULL,
		count    BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ff_token_stats_staging_build ON ff_token_stats_staging (build_id)`,
	`CREATE UNLOGGED TABLE IF NOT EXISTS ff_field_stats_staging (
		build_id TEXT NOT NULL,
		field    TEXT NOT NULL,
		records  BIGINT NOT NULL
	)`,
}

var stagingTables = []string{
	"ff_records_staging", "ff_record_tokens_staging", "ff_token_stats_staging",
	"ff_field_stats_staging", "ff_builds_staging",
}

type Store struct {
	client *pgclient.Client
	logger *slog.Logger
}

// New migrates the schema on an open client and returns the store.
func New(ctx context.Context, client *pgclient.Client) (*Store, error) {
	if err := client.Migrate(ctx, schema); err != nil {
		return nil, err
	}
	return &Store{client: client, logger: slog.Default().With("component", "postgres-store")}, nil
}

func unavailable(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return apperrors.Unavailable(op, err)
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	err := s.client.InTx(ctx, fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, errNotStaged) || errors.Is(err, errEncode) {
		return err
	}
	return unavailable(ctx, op, err)
}

func (s *Store) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	var fields, tokens []byte
	err := s.client.DB.QueryRowContext(ctx, `SELECT fields, tokens FROM ff_records WHERE id = $1`, id).Scan(&fields, &tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, apperrors.ErrStaleCandidate)
	}
	if err != nil {
		return nil, unavailable(ctx, "get_record", err)
	}
	var f map[string]string
	var tk map[string][]string
	if err := json.Unmarshal(fields, &f); err != nil {
		return nil, fmt.Errorf("decoding fields of record %s: %w", id, err)
	}
	if err := json.Unmarshal(tokens, &tk); err != nil {
		return nil, fmt.Errorf("decoding tokens of record %s: %w", id, err)
	}
	return record.Restore(id, f, tk), nil
}

func (s *Store) IndexLookup(ctx context.Context, field, token string) ([]string, error) {
	rows, err := s.client.DB.QueryContext(ctx,
		`SELECT record_id FROM ff_record_tokens WHERE field = $1 AND token = $2 ORDER BY record_id COLLATE "C"`, field, token)
	if err != nil {
		return nil, unavailable(ctx, "index_lookup", err)
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(ctx, "index_lookup", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(ctx, "index_lookup", err)
	}
	return ids, nil
}

// copyRows streams rows into table with COPY FROM STDIN.
func copyRows(ctx context.Context, tx *sql.Tx, table string, columns []string, rows func(emit func(args ...any) error) error) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
	if err != nil {
		return err
	}
	if err := rows(func(args ...any) error {
		_, err := stmt.ExecContext(ctx, args...)
		return err
	}); err != nil {
		stmt.Close()
		return err
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return err
	}
	return stmt.Close()
}

func (s *Store) BulkWriteRecords(ctx context.Context, buildID string, batch []*record.Record) error {
	const op = "bulk_write_records"
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ff_builds_staging (build_id) VALUES ($1) ON CONFLICT (build_id) DO NOTHING`, buildID); err != nil {
			return err
		}
		err := copyRows(ctx, tx, "ff_records_staging", []string{"build_id", "id", "fields", "tokens"}, func(emit func(args ...any) error) error {
			for _, r := range batch {
				fields, err := json.Marshal(r.Fields())
				if err != nil {
					return fmt.Errorf("%w %s: %v", errEncode, r.ID(), err)
				}
				tokens, err := json.Marshal(r.TokenMap())
				if err != nil {
					return fmt.Errorf("%w %s: %v", errEncode, r.ID(), err)
				}
				if err := emit(buildID, r.ID(), string(fields), string(tokens)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		return copyRows(ctx, tx, "ff_record_tokens_staging", []string{"build_id", "field", "token", "record_id"}, func(emit func(args ...any) error) error {
			for _, r := range batch {
				for _, field := range r.TokenFields() {
					for _, token := range r.DistinctTokens(field) {
						if err := emit(buildID, field, token, r.ID()); err != nil {
							return err
						}
					}
				}
			}
			return nil
		})
	})
}

func (s *Store) BulkWriteTokenCounts(ctx context.Context, buildID string, counts *stats.TokenCount) error {
	const op = "bulk_write_token_counts"
	fields, entries := counts.Flatten()
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		for _, table := range []string{"ff_token_stats_staging", "ff_field_stats_staging"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE build_id = $1`, buildID); err != nil {
				return err
			}
		}
		err := copyRows(ctx, tx, "ff_field_stats_staging", []string{"build_id", "field", "records"}, func(emit func(args ...any) error) error {
			for _, f := range fields {
				if err := emit(buildID, f.Field, f.Records); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		err = copyRows(ctx, tx, "ff_token_stats_staging", []string{"build_id", "field", "token", "count"}, func(emit func(args ...any) error) error {
			for _, e := range entries {
				if err := emit(buildID, e.Field, e.Token, e.Count); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ff_builds_staging (build_id, counts_ready) VALUES ($1, TRUE)
			 ON CONFLICT (build_id) DO UPDATE SET counts_ready = TRUE`, buildID)
		return err
	})
}

var (
	errNotStaged = errors.New("no staged token counts")
	errEncode    = errors.New("encoding record")
)

func (s *Store) AtomicReplaceStatistics(ctx context.Context, meta stats.Meta) error {
	const op = "atomic_replace_statistics"
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		var ready bool
		err := tx.QueryRowContext(ctx,
			`SELECT counts_ready FROM ff_builds_staging WHERE build_id = $1 FOR UPDATE`, meta.BuildID).Scan(&ready)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !ready) {
			return fmt.Errorf("build %s: %w", meta.BuildID, errNotStaged)
		}
		if err != nil {
			return err
		}
		steps := []struct {
			query string
			args  []any
		}{
			{`DELETE FROM ff_records`, nil},
			{`DELETE FROM ff_record_tokens`, nil},
			{`DELETE FROM ff_token_stats`, nil},
			{`DELETE FROM ff_field_stats`, nil},
			{`INSERT INTO ff_records (id, fields, tokens) SELECT id, fields, tokens FROM ff_records_staging WHERE build_id = $1 ON CONFLICT (id) DO NOTHING`, []any{meta.BuildID}},
			{`INSERT INTO ff_record_tokens (field, token, record_id) SELECT DISTINCT field, token, record_id FROM ff_record_tokens_staging WHERE build_id = $1`, []any{meta.BuildID}},
			{`INSERT INTO ff_token_stats (field, token, count) SELECT field, token, count FROM ff_token_stats_staging WHERE build_id = $1`, []any{meta.BuildID}},
			{`INSERT INTO ff_field_stats (field, records) SELECT field, records FROM ff_field_stats_staging WHERE build_id = $1`, []any{meta.BuildID}},
			{`INSERT INTO ff_stats_meta (id, build_id, built_at, records_processed) VALUES (1, $1, $2, $3)
			  ON CONFLICT (id) DO UPDATE SET build_id = EXCLUDED.build_id, built_at = EXCLUDED.built_at, records_processed = EXCLUDED.records_processed`,
				[]any{meta.BuildID, meta.BuiltAt.UTC(), meta.RecordsProcessed}},
		}
		for _, step := range steps {
			if _, err := tx.ExecContext(ctx, step.query, step.args...); err != nil {
				return err
			}
		}
		return deleteStaged(ctx, tx, meta.BuildID)
	})
}

func deleteStaged(ctx context.Context, tx *sql.Tx, buildID string) error {
	for _, table := range stagingTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE build_id = $1`, buildID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DiscardStaged(ctx context.Context, buildID string) error {
	return s.inTx(ctx, "discard_staged", func(tx *sql.Tx) error {
		return deleteStaged(ctx, tx, buildID)
	})
}

func (s *Store) LoadStatistics(ctx context.Context) (*stats.Statistics, error) {
	const op = "load_statistics"
	// repeatable read so meta and counts come from the same published build
	tx, err := s.client.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, unavailable(ctx, op, err)
	}
	defer tx.Rollback()

	var meta stats.Meta
	err = tx.QueryRowContext(ctx,
		`SELECT build_id, built_at, records_processed FROM ff_stats_meta WHERE id = 1`).
		Scan(&meta.BuildID, &meta.BuiltAt, &meta.RecordsProcessed)
	if errors.Is(err, sql.ErrNoRows) {
		return stats.Empty(), nil
	}
	if err != nil {
		return nil, unavailable(ctx, op, err)
	}

	var fields []stats.FieldEntry
	rows, err := tx.QueryContext(ctx, `SELECT field, records FROM ff_field_stats`)
	if err != nil {
		return nil, unavailable(ctx, op, err)
	}
	for rows.Next() {
		var f stats.FieldEntry
		if err := rows.Scan(&f.Field, &f.Records); err != nil {
			rows.Close()
			return nil, unavailable(ctx, op, err)
		}
		fields = append(fields, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, unavailable(ctx, op, err)
	}

	var entries []stats.Entry
	rows, err = tx.QueryContext(ctx, `SELECT field, token, count FROM ff_token_stats`)
	if err != nil {
		return nil, unavailable(ctx, op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var e stats.Entry
		if err := rows.Scan(&e.Field, &e.Token, &e.Count); err != nil {
			return nil, unavailable(ctx, op, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(ctx, op, err)
	}
	return stats.FromCounts(stats.Unflatten(fields, entries), meta), nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	res, err := s.client.DB.ExecContext(ctx, `DELETE FROM ff_records WHERE id = $1`, id)
	if err != nil {
		return unavailable(ctx, "delete_record", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record %s: %w", id, apperrors.ErrStaleCandidate)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.DB.PingContext(ctx); err != nil {
		return unavailable(ctx, "ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Reset drops all live and staged rows. Used by tests sharing a database.
func (s *Store) Reset(ctx context.Context) error {
	tables := append([]string{"ff_records", "ff_record_tokens", "ff_token_stats", "ff_field_stats", "ff_stats_meta"}, stagingTables...)
	return s.client.InTx(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return err
			}
		}
		return nil
	})
}

// Package sqlite is the embedded storage backend built on modernc.org/sqlite.
// Every live table has a staging twin keyed by build id; promotion copies a
// staged build into the live tables inside a single transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/stats"
	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		id     TEXT PRIMARY KEY,
		fields TEXT NOT NULL,
		tokens TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS record_tokens (
		field     TEXT NOT NULL,
		token     TEXT NOT NULL,
		record_id TEXT NOT NULL,
		PRIMARY KEY (field, token, record_id)
	) WITHOUT ROWID`,
	`CREATE TABLE IF NOT EXISTS token_stats (
		field TEXT NOT NULL,
		token TEXT NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (field, token)
	) WITHOUT ROWID`,
	`CREATE TABLE IF NOT EXISTS field_stats (
		field   TEXT PRIMARY KEY,
		records INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stats_meta (
		id                INTEGER PRIMARY KEY CHECK (id = 1),
		build_id          TEXT NOT NULL,
		built_at          TEXT NOT NULL,
		records_processed INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS builds_staging (
		build_id     TEXT PRIMARY KEY,
		counts_ready INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS records_staging (
		build_id TEXT NOT NULL,
		id       TEXT NOT NULL,
		fields   TEXT NOT NULL,
		tokens   TEXT NOT NULL,
		PRIMARY KEY (build_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS record_tokens_staging (
		build_id  TEXT NOT NULL,
		field     TEXT NOT NULL,
		token     TEXT NOT NULL,
		record_id TEXT NOT NULL,
		PRIMARY KEY (build_id, field, token, record_id)
	) WITHOUT ROWID`,
	`CREATE TABLE IF NOT EXISTS token_stats_staging (
		build_id TEXT NOT NULL,
		field    TEXT NOT NULL,
		token    TEXT NOT NULL,
		count    INTEGER NOT NULL,
		PRIMARY KEY (build_id, field, token)
	) WITHOUT ROWID`,
	`CREATE TABLE IF NOT EXISTS field_stats_staging (
		build_id TEXT NOT NULL,
		field    TEXT NOT NULL,
		records  INTEGER NOT NULL,
		PRIMARY KEY (build_id, field)
	)`,
}

var stagingTables = []string{"records_staging", "record_tokens_staging", "token_stats_staging", "field_stats_staging", "builds_staging"}

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path. ":memory:" opens a
// private in-memory database restricted to a single connection.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	dsn := path
	inMemory := path == ":memory:"
	if !inMemory {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		dsn = path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	if inMemory {
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, logger: slog.Default().With("component", "sqlite-store", "path", path)}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying sqlite schema: %w", err)
		}
	}
	return nil
}

func unavailable(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return apperrors.Unavailable(op, err)
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(ctx, op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(ctx, op, err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	var fields, tokens string
	err := s.db.QueryRowContext(ctx, `SELECT fields, tokens FROM records WHERE id = ?`, id).Scan(&fields, &tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, apperrors.ErrStaleCandidate)
	}
	if err != nil {
		return nil, unavailable(ctx, "get_record", err)
	}
	return decodeRecord(id, fields, tokens)
}

func decodeRecord(id, fields, tokens string) (*record.Record, error) {
	var f map[string]string
	var tk map[string][]string
	if err := json.Unmarshal([]byte(fields), &f); err != nil {
		return nil, fmt.Errorf("decoding fields of record %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(tokens), &tk); err != nil {
		return nil, fmt.Errorf("decoding tokens of record %s: %w", id, err)
	}
	return record.Restore(id, f, tk), nil
}

func encodeRecord(r *record.Record) (string, string, error) {
	fields, err := json.Marshal(r.Fields())
	if err != nil {
		return "", "", err
	}
	tokens, err := json.Marshal(r.TokenMap())
	if err != nil {
		return "", "", err
	}
	return string(fields), string(tokens), nil
}

func (s *Store) IndexLookup(ctx context.Context, field, token string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id FROM record_tokens WHERE field = ? AND token = ? ORDER BY record_id`, field, token)
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

func (s *Store) BulkWriteRecords(ctx context.Context, buildID string, batch []*record.Record) error {
	const op = "bulk_write_records"
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO builds_staging (build_id) VALUES (?)`, buildID); err != nil {
			return unavailable(ctx, op, err)
		}
		recStmt, err := tx.PrepareContext(ctx,
			`INSERT OR REPLACE INTO records_staging (build_id, id, fields, tokens) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return unavailable(ctx, op, err)
		}
		defer recStmt.Close()
		tokStmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO record_tokens_staging (build_id, field, token, record_id) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return unavailable(ctx, op, err)
		}
		defer tokStmt.Close()

		for _, r := range batch {
			fields, tokens, err := encodeRecord(r)
			if err != nil {
				return fmt.Errorf("encoding record %s: %w", r.ID(), err)
			}
			if _, err := recStmt.ExecContext(ctx, buildID, r.ID(), fields, tokens); err != nil {
				return unavailable(ctx, op, err)
			}
			for _, field := range r.TokenFields() {
				for _, token := range r.DistinctTokens(field) {
					if _, err := tokStmt.ExecContext(ctx, buildID, field, token, r.ID()); err != nil {
						return unavailable(ctx, op, err)
					}
				}
			}
		}
		return nil
	})
}

func (s *Store) BulkWriteTokenCounts(ctx context.Context, buildID string, counts *stats.TokenCount) error {
	const op = "bulk_write_token_counts"
	fields, entries := counts.Flatten()
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM token_stats_staging WHERE build_id = ?`,
			`DELETE FROM field_stats_staging WHERE build_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, buildID); err != nil {
				return unavailable(ctx, op, err)
			}
		}
		fieldStmt, err := tx.PrepareContext(ctx,
			`INSERT INTO field_stats_staging (build_id, field, records) VALUES (?, ?, ?)`)
		if err != nil {
			return unavailable(ctx, op, err)
		}
		defer fieldStmt.Close()
		for _, f := range fields {
			if _, err := fieldStmt.ExecContext(ctx, buildID, f.Field, f.Records); err != nil {
				return unavailable(ctx, op, err)
			}
		}
		tokStmt, err := tx.PrepareContext(ctx,
			`INSERT INTO token_stats_staging (build_id, field, token, count) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return unavailable(ctx, op, err)
		}
		defer tokStmt.Close()
		for _, e := range entries {
			if _, err := tokStmt.ExecContext(ctx, buildID, e.Field, e.Token, e.Count); err != nil {
				return unavailable(ctx, op, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO builds_staging (build_id, counts_ready) VALUES (?, 1)
			 ON CONFLICT (build_id) DO UPDATE SET counts_ready = 1`, buildID); err != nil {
			return unavailable(ctx, op, err)
		}
		return nil
	})
}

func (s *Store) AtomicReplaceStatistics(ctx context.Context, meta stats.Meta) error {
	const op = "atomic_replace_statistics"
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		var ready int
		err := tx.QueryRowContext(ctx, `SELECT counts_ready FROM builds_staging WHERE build_id = ?`, meta.BuildID).Scan(&ready)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && ready == 0) {
			return fmt.Errorf("build %s: no staged token counts", meta.BuildID)
		}
		if err != nil {
			return unavailable(ctx, op, err)
		}

		steps := []struct {
			query string
			args  []any
		}{
			{`DELETE FROM records`, nil},
			{`DELETE FROM record_tokens`, nil},
			{`DELETE FROM token_stats`, nil},
			{`DELETE FROM field_stats`, nil},
			{`INSERT INTO records (id, fields, tokens) SELECT id, fields, tokens FROM records_staging WHERE build_id = ?`, []any{meta.BuildID}},
			{`INSERT INTO record_tokens (field, token, record_id) SELECT field, token, record_id FROM record_tokens_staging WHERE build_id = ?`, []any{meta.BuildID}},
			{`INSERT INTO token_stats (field, token, count) SELECT field, token, count FROM token_stats_staging WHERE build_id = ?`, []any{meta.BuildID}},
			{`INSERT INTO field_stats (field, records) SELECT field, records FROM field_stats_staging WHERE build_id = ?`, []any{meta.BuildID}},
			{`INSERT OR REPLACE INTO stats_meta (id, build_id, built_at, records_processed) VALUES (1, ?, ?, ?)`,
				[]any{meta.BuildID, meta.BuiltAt.UTC().Format(time.RFC3339Nano), meta.RecordsProcessed}},
		}
		for _, step := range steps {
			if _, err := tx.ExecContext(ctx, step.query, step.args...); err != nil {
				return unavailable(ctx, op, err)
			}
		}
		return deleteStaged(ctx, tx, meta.BuildID)
	})
}

func deleteStaged(ctx context.Context, tx *sql.Tx, buildID string) error {
	for _, table := range stagingTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE build_id = ?`, buildID); err != nil {
			return unavailable(ctx, "discard_staged", err)
		}
	}
	return nil
}

func (s *Store) DiscardStaged(ctx context.Context, buildID string) error {
	err := s.inTx(ctx, "discard_staged", func(tx *sql.Tx) error {
		return deleteStaged(ctx, tx, buildID)
	})
	if err == nil {
		s.logger.Debug("staged build discarded", "build_id", buildID)
	}
	return err
}

// StagedBuilds lists build ids with staged data.
func (s *Store) StagedBuilds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT build_id FROM builds_staging ORDER BY build_id`)
	if err != nil {
		return nil, unavailable(ctx, "staged_builds", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(ctx, "staged_builds", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) LoadStatistics(ctx context.Context) (*stats.Statistics, error) {
	const op = "load_statistics"
	var meta stats.Meta
	var builtAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT build_id, built_at, records_processed FROM stats_meta WHERE id = 1`).
		Scan(&meta.BuildID, &builtAt, &meta.RecordsProcessed)
	if errors.Is(err, sql.ErrNoRows) {
		return stats.Empty(), nil
	}
	if err != nil {
		return nil, unavailable(ctx, op, err)
	}
	if meta.BuiltAt, err = time.Parse(time.RFC3339Nano, builtAt); err != nil {
		return nil, fmt.Errorf("parsing built_at %q: %w", builtAt, err)
	}

	var fields []stats.FieldEntry
	rows, err := s.db.QueryContext(ctx, `SELECT field, records FROM field_stats`)
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
	rows, err = s.db.QueryContext(ctx, `SELECT field, token, count FROM token_stats`)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return unavailable(ctx, "delete_record", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record %s: %w", id, apperrors.ErrStaleCandidate)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(ctx, "ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

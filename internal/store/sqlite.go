package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/me/re3/internal/logging"
	"github.com/me/re3/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logging.Component(logger, "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Run records ---

const recordColumns = `id, batch_id, slice_id, config_id, pattern, strategy, benchmark, item_index, item_id,
	prompt_a, prompt_b, prompt, response, latency_ms, error, expected, extracted, method, correct,
	backend, worker_id, hostname, created_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, r *model.RunRecord) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BatchID, r.SliceID, r.ConfigID, r.Pattern, r.Strategy, r.Benchmark, r.ItemIndex, r.ItemID,
		r.PromptA, r.PromptB, r.Prompt, r.Response, r.LatencyMS, r.Error, r.Expected, r.Extracted, r.Method,
		boolToInt(r.Correct), r.Backend, r.WorkerID, r.Hostname, r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// InsertRecord stores one run record.
func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *model.RunRecord) error {
	s.logger.Debug("sql", "op", "insert", "table", "records", "id", rec.ID)
	return insertRecord(ctx, s.db, rec)
}

// InsertRecords stores recs in one transaction.
func (s *SQLiteStore) InsertRecords(ctx context.Context, recs []*model.RunRecord) error {
	s.logger.Debug("sql", "op", "insert_many", "table", "records", "count", len(recs))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := insertRecord(ctx, tx, r); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func scanRecord(sc interface{ Scan(...any) error }) (*model.RunRecord, error) {
	var r model.RunRecord
	var correct int
	var createdAt string
	if err := sc.Scan(&r.ID, &r.BatchID, &r.SliceID, &r.ConfigID, &r.Pattern, &r.Strategy, &r.Benchmark,
		&r.ItemIndex, &r.ItemID, &r.PromptA, &r.PromptB, &r.Prompt, &r.Response, &r.LatencyMS, &r.Error,
		&r.Expected, &r.Extracted, &r.Method, &correct, &r.Backend, &r.WorkerID, &r.Hostname, &createdAt); err != nil {
		return nil, err
	}
	r.Correct = correct != 0
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &r, nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]*model.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RunRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRecordsByBatch returns the records of one batch in item order.
func (s *SQLiteStore) ListRecordsByBatch(ctx context.Context, batchID string) ([]*model.RunRecord, error) {
	s.logger.Debug("sql", "op", "list_by_batch", "table", "records", "batch_id", batchID)
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records WHERE batch_id = ? ORDER BY item_index, created_at`, batchID)
}

// ListRecordsBySlice returns a page of a slice's records across batches,
// newest batch first, plus the total count.
func (s *SQLiteStore) ListRecordsBySlice(ctx context.Context, sliceID string, opts model.ListOptions) ([]*model.RunRecord, int, error) {
	s.logger.Debug("sql", "op", "list_by_slice", "table", "records", "slice_id", sliceID, "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE slice_id = ?`, sliceID).Scan(&total); err != nil {
		return nil, 0, err
	}
	recs, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records WHERE slice_id = ?
		 ORDER BY created_at DESC, item_index LIMIT ? OFFSET ?`,
		sliceID, opts.Limit, opts.Offset)
	return recs, total, err
}

// DeleteBatch removes every record of batchID and returns how many were
// removed.
func (s *SQLiteStore) DeleteBatch(ctx context.Context, batchID string) (int64, error) {
	s.logger.Debug("sql", "op", "delete_batch", "table", "records", "batch_id", batchID)
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE batch_id = ?`, batchID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExportBatch writes the records of batchID to w as JSON lines and returns
// the number written.
func (s *SQLiteStore) ExportBatch(ctx context.Context, batchID string, w io.Writer) (int, error) {
	recs, err := s.ListRecordsByBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	for i, r := range recs {
		if err := enc.Encode(r); err != nil {
			return i, fmt.Errorf("encode record %s: %w", r.ID, err)
		}
	}
	return len(recs), nil
}

// --- Versioned documents ---

// LoadDocument returns the body and version stored under key, or
// ErrNoDocument.
func (s *SQLiteStore) LoadDocument(ctx context.Context, key string) ([]byte, int64, error) {
	s.logger.Debug("sql", "op", "select", "table", "documents", "key", key)
	var body string
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT body, version FROM documents WHERE key = ?`, key).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNoDocument
	}
	if err != nil {
		return nil, 0, err
	}
	return []byte(body), version, nil
}

// SaveDocument writes body under key at version, provided the stored
// version is still expected. expected 0 means the key must not exist yet.
func (s *SQLiteStore) SaveDocument(ctx context.Context, key string, body []byte, version, expected int64) error {
	s.logger.Debug("sql", "op", "cas", "table", "documents", "key", key, "version", version, "expected", expected)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var res sql.Result
	var err error
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO documents (key, version, body, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(key) DO NOTHING`,
			key, version, string(body), now)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE documents SET version = ?, body = ?, updated_at = ? WHERE key = ? AND version = ?`,
			version, string(body), now, key, expected)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s expected version %d", ErrVersionConflict, key, expected)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

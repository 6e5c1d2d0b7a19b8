// Package store persists run records and versioned documents in SQLite.
package store

import (
	"context"
	"errors"
	"io"

	"github.com/me/re3/pkg/model"
)

var (
	// ErrNoDocument is returned by LoadDocument for an unknown key.
	ErrNoDocument = errors.New("document not found")
	// ErrVersionConflict is returned by SaveDocument when the stored version
	// no longer matches the caller's expected version.
	ErrVersionConflict = errors.New("document version conflict")
)

// RecordStore holds per-unit run records grouped by batch.
type RecordStore interface {
	InsertRecord(ctx context.Context, rec *model.RunRecord) error
	InsertRecords(ctx context.Context, recs []*model.RunRecord) error
	ListRecordsByBatch(ctx context.Context, batchID string) ([]*model.RunRecord, error)
	ListRecordsBySlice(ctx context.Context, sliceID string, opts model.ListOptions) ([]*model.RunRecord, int, error)
	DeleteBatch(ctx context.Context, batchID string) (int64, error)
	ExportBatch(ctx context.Context, batchID string, w io.Writer) (int, error)
}

// DocumentStore holds whole documents under a key with a monotonically
// increasing version used for compare-and-set writes.
type DocumentStore interface {
	LoadDocument(ctx context.Context, key string) (body []byte, version int64, err error)
	SaveDocument(ctx context.Context, key string, body []byte, version, expected int64) error
}

// Store is the full persistence layer.
type Store interface {
	RecordStore
	DocumentStore

	Close() error
	Migrate(ctx context.Context) error
}

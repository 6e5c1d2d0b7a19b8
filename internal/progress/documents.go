package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/me/re3/internal/store"
	"github.com/me/re3/pkg/model"
)

var (
	// ErrNoDocument is returned by DocumentStore.Load before the first Save.
	ErrNoDocument = store.ErrNoDocument
	// ErrVersionConflict is returned by DocumentStore.Save when another
	// writer got there first.
	ErrVersionConflict = store.ErrVersionConflict
)

// DocumentStore persists the progress document with compare-and-swap on its
// version.
type DocumentStore interface {
	Load(ctx context.Context) (*model.ProgressState, error)
	// Save writes state provided the stored version equals expected
	// (0 meaning nothing stored yet).
	Save(ctx context.Context, state *model.ProgressState, expected int64) error
}

// FileStore keeps the document as an indented JSON file, normally tracked
// by git. The version check in Save holds only within one process; workers
// sharing a machine should use the sqlite state backend, whose Save is a
// row-level compare-and-swap.
type FileStore struct {
	Path string

	mu sync.Mutex
}

// NewFileStore creates a FileStore for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load implements DocumentStore.
func (f *FileStore) Load(_ context.Context) (*model.ProgressState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *FileStore) read() (*model.ProgressState, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	var st model.ProgressState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	if st.Slices == nil {
		st.Slices = make(map[string]*model.Slice)
	}
	if st.Workers == nil {
		st.Workers = make(map[string]model.WorkerInfo)
	}
	return &st, nil
}

// Save implements DocumentStore. The file is replaced atomically.
func (f *FileStore) Save(_ context.Context, state *model.ProgressState, expected int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var current int64
	cur, err := f.read()
	switch {
	case err == nil:
		current = cur.Version
	case !errors.Is(err, ErrNoDocument):
		return err
	}
	if current != expected {
		return fmt.Errorf("%w: %s is at version %d, expected %d", ErrVersionConflict, f.Path, current, expected)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".progress-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// MemoryStore is an in-process DocumentStore.
type MemoryStore struct {
	mu    sync.Mutex
	state *model.ProgressState
	saves int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Load implements DocumentStore.
func (m *MemoryStore) Load(_ context.Context) (*model.ProgressState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, ErrNoDocument
	}
	return m.state.Clone(), nil
}

// Save implements DocumentStore.
func (m *MemoryStore) Save(_ context.Context, state *model.ProgressState, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if m.state != nil {
		current = m.state.Version
	}
	if current != expected {
		return fmt.Errorf("%w: at version %d, expected %d", ErrVersionConflict, current, expected)
	}
	m.state = state.Clone()
	m.saves++
	return nil
}

// Saves returns the number of successful writes.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// DocumentKey is the key under which the progress document is stored in a
// store.DocumentStore.
const DocumentKey = "progress"

type sqliteDocuments struct {
	docs store.DocumentStore
	key  string
}

// NewSQLiteDocuments adapts a store.DocumentStore (normally a
// *store.SQLiteStore) into a DocumentStore.
func NewSQLiteDocuments(docs store.DocumentStore) DocumentStore {
	return &sqliteDocuments{docs: docs, key: DocumentKey}
}

func (s *sqliteDocuments) Load(ctx context.Context) (*model.ProgressState, error) {
	body, _, err := s.docs.LoadDocument(ctx, s.key)
	if err != nil {
		return nil, err
	}
	var st model.ProgressState
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("parse document %s: %w", s.key, err)
	}
	if st.Slices == nil {
		st.Slices = make(map[string]*model.Slice)
	}
	if st.Workers == nil {
		st.Workers = make(map[string]model.WorkerInfo)
	}
	return &st, nil
}

func (s *sqliteDocuments) Save(ctx context.Context, state *model.ProgressState, expected int64) error {
	body, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.docs.SaveDocument(ctx, s.key, body, state.Version, expected)
}

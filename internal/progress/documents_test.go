package progress

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/re3/internal/logging"
	"github.com/me/re3/internal/store"
	"github.com/me/re3/pkg/model"
)

func sampleState(version int64) *model.ProgressState {
	st := model.NewProgressState(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	st.Version = version
	st.Slices["c1_none_gsm8k"] = &model.Slice{ID: "c1_none_gsm8k", ConfigID: "c1", Strategy: "none", Benchmark: "gsm8k", State: model.SliceStatePending}
	return st
}

func testDocumentStore(t *testing.T, docs DocumentStore) {
	t.Helper()
	ctx := context.Background()
	if _, err := docs.Load(ctx); !errors.Is(err, ErrNoDocument) {
		t.Fatalf("Load before save err = %v", err)
	}
	if err := docs.Save(ctx, sampleState(1), 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := docs.Save(ctx, sampleState(1), 0); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("duplicate create err = %v", err)
	}
	if err := docs.Save(ctx, sampleState(2), 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := docs.Save(ctx, sampleState(2), 1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale update err = %v", err)
	}
	got, err := docs.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || got.Slices["c1_none_gsm8k"].Benchmark != "gsm8k" {
		t.Errorf("loaded %+v", got)
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "progress.json")
	testDocumentStore(t, NewFileStore(path))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"status": "pending"`) {
		t.Errorf("file is not the indented shared format:\n%s", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	os.WriteFile(path, []byte("{not json"), 0o644)
	if _, err := NewFileStore(path).Load(context.Background()); err == nil || errors.Is(err, ErrNoDocument) {
		t.Errorf("err = %v, want parse error", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testDocumentStore(t, NewMemoryStore())
}

func TestSQLiteDocuments(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:", logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	testDocumentStore(t, NewSQLiteDocuments(st))
}

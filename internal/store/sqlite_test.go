package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/me/re3/internal/logging"
	"github.com/me/re3/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(":memory:", logging.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleRecord(batch, slice string, i int) *model.RunRecord {
	return &model.RunRecord{
		ID:        fmt.Sprintf("%s-%d", batch, i),
		BatchID:   batch,
		SliceID:   slice,
		ConfigID:  "c1",
		Pattern:   "A",
		Strategy:  "none",
		Benchmark: "gsm8k",
		ItemIndex: i,
		ItemID:    fmt.Sprintf("gsm8k-%d", i),
		PromptA:   "What is 2+2?",
		Prompt:    "What is 2+2?",
		Response:  "4",
		LatencyMS: 120,
		Expected:  "4",
		Extracted: "4",
		Method:    "last_number",
		Correct:   i%2 == 0,
		Backend:   "direct",
		WorkerID:  "alice@box",
		Hostname:  "box",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var n int
	if err := st.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('records') WHERE name = 'hostname'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("hostname column count = %d, want 1", n)
	}
	if err := st.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_records_cell'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("idx_records_cell count = %d, want 1", n)
	}
}

func TestRecords_InsertAndListByBatch(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	want := []*model.RunRecord{sampleRecord("b1", "s1", 0), sampleRecord("b1", "s1", 1)}
	if err := st.InsertRecords(ctx, []*model.RunRecord{want[1], want[0]}); err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
	if err := st.InsertRecord(ctx, sampleRecord("b2", "s1", 0)); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}

	got, err := st.ListRecordsByBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("ListRecordsByBatch: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestRecords_DuplicateIDRollsBack(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	r := sampleRecord("b1", "s1", 0)
	err := st.InsertRecords(ctx, []*model.RunRecord{sampleRecord("b1", "s1", 1), r, r})
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
	got, _ := st.ListRecordsByBatch(ctx, "b1")
	if len(got) != 0 {
		t.Errorf("transaction left %d records behind", len(got))
	}
}

func TestRecords_ListBySlice(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	for i := range 5 {
		st.InsertRecord(ctx, sampleRecord("b1", "s1", i))
	}
	st.InsertRecord(ctx, sampleRecord("b2", "s2", 0))

	page, total, err := st.ListRecordsBySlice(ctx, "s1", model.ListOptions{Limit: 2, Offset: 0})
	if err != nil {
		t.Fatalf("ListRecordsBySlice: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("total=%d len=%d, want 5 and 2", total, len(page))
	}
	if page[0].ItemIndex != 4 {
		t.Errorf("newest record first: got item %d", page[0].ItemIndex)
	}
}

func TestRecords_DeleteBatch(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	for i := range 3 {
		st.InsertRecord(ctx, sampleRecord("bad", "s1", i))
	}
	st.InsertRecord(ctx, sampleRecord("good", "s1", 0))

	n, err := st.DeleteBatch(ctx, "bad")
	if err != nil || n != 3 {
		t.Fatalf("DeleteBatch = %d, %v; want 3", n, err)
	}
	if got, _ := st.ListRecordsByBatch(ctx, "bad"); len(got) != 0 {
		t.Errorf("batch still has %d records", len(got))
	}
	if got, _ := st.ListRecordsByBatch(ctx, "good"); len(got) != 1 {
		t.Errorf("unrelated batch touched: %d records", len(got))
	}
}

func TestRecords_ExportBatch(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	for i := range 3 {
		st.InsertRecord(ctx, sampleRecord("b1", "s1", i))
	}

	var buf bytes.Buffer
	n, err := st.ExportBatch(ctx, "b1", &buf)
	if err != nil || n != 3 {
		t.Fatalf("ExportBatch = %d, %v", n, err)
	}
	sc := bufio.NewScanner(&buf)
	var lines int
	for sc.Scan() {
		var r model.RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if r.ItemIndex != lines {
			t.Errorf("line %d has item %d", lines, r.ItemIndex)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("lines = %d, want 3", lines)
	}
}

func TestDocuments_LoadMissing(t *testing.T) {
	st := testStore(t)
	if _, _, err := st.LoadDocument(context.Background(), "progress"); !errors.Is(err, ErrNoDocument) {
		t.Errorf("err = %v, want ErrNoDocument", err)
	}
}

func TestDocuments_CompareAndSet(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.SaveDocument(ctx, "progress", []byte(`{"v":1}`), 1, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.SaveDocument(ctx, "progress", []byte(`{"v":"dup"}`), 1, 0); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("second create err = %v, want conflict", err)
	}
	if err := st.SaveDocument(ctx, "progress", []byte(`{"v":2}`), 2, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	// stale writer still expects version 1
	if err := st.SaveDocument(ctx, "progress", []byte(`{"v":"stale"}`), 2, 1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale update err = %v, want conflict", err)
	}

	body, version, err := st.LoadDocument(ctx, "progress")
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if version != 2 || string(body) != `{"v":2}` {
		t.Errorf("got version %d body %s", version, body)
	}
}

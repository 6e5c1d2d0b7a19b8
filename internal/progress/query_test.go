package progress

import (
	"testing"
	"time"

	"github.com/me/re3/internal/matrix"
	"github.com/me/re3/pkg/model"
)

func TestQuery(t *testing.T) {
	m := matrix.Default()
	st := model.NewProgressState(time.Now())
	for _, s := range m.Slices() {
		st.Slices[s.ID] = s
	}
	st.Slices["C01_none_gsm8k"].State = model.SliceStateCompleted
	st.Slices["C01_none_mmlu"].State = model.SliceStateCompleted
	total := len(st.Slices)

	page, n, err := Query(st, m, model.ListOptions{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if n != total || len(page) != 10 {
		t.Errorf("got %d of %d, want 10 of %d", len(page), n, total)
	}
	for i := 1; i < len(page); i++ {
		if page[i-1].ID >= page[i].ID {
			t.Fatalf("not ordered by id: %s, %s", page[i-1].ID, page[i].ID)
		}
	}

	page, n, _ = Query(st, m, model.ListOptions{State: model.SliceStateCompleted})
	if n != 2 || len(page) != 2 {
		t.Errorf("completed = %d", n)
	}

	page, n, err = Query(st, m, model.ListOptions{Where: `benchmark == "gsm8k" && !transformed`})
	if err != nil {
		t.Fatal(err)
	}
	// C01, C03, C07: the three untransformed configs
	if n != 3 {
		t.Errorf("untransformed gsm8k slices = %d, want 3", n)
	}

	page, n, _ = Query(st, m, model.ListOptions{Limit: 10, Offset: total - 3})
	if n != total || len(page) != 3 {
		t.Errorf("last page = %d", len(page))
	}
	if page, _, _ = Query(st, m, model.ListOptions{Offset: total + 5}); len(page) != 0 {
		t.Errorf("offset past end returned %d", len(page))
	}

	if _, _, err := Query(st, m, model.ListOptions{Where: "benchmark =="}); err == nil {
		t.Error("expected compile error")
	}
}

package matrix

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/me/re3/internal/bench"
	"github.com/me/re3/internal/transform"
	"github.com/me/re3/pkg/model"
)

func TestDefault_Cells(t *testing.T) {
	m := Default()
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	cells := m.Cells()
	if len(cells) != 386 {
		t.Errorf("len(Cells) = %d, want 386", len(cells))
	}
	for _, c := range cells {
		if c.Strategy.Name == NoneStrategy && c.Config.Transformed() {
			t.Errorf("%s: none strategy on transformed config", c.ID())
		}
		if c.Strategy.Name != NoneStrategy && !c.Config.Transformed() {
			t.Errorf("%s: transform strategy on untransformed config", c.ID())
		}
		if c.Strategy.NumericOnly && c.Benchmark.Name != "gsm8k" {
			t.Errorf("%s: numeric-only strategy on %s", c.ID(), c.Benchmark.Name)
		}
	}
	if cells[0].ID() != "C01_none_gsm8k" {
		t.Errorf("first cell = %s", cells[0].ID())
	}
}

func TestValid(t *testing.T) {
	a := Config{ID: "C01", Pattern: "A"}
	ab := Config{ID: "C04", Pattern: "AB"}
	none := Strategy{Name: NoneStrategy}
	lower := Strategy{Name: "b3a_lowercase_all"}
	digits := Strategy{Name: "b2a_digit_spacing", NumericOnly: true}
	gsm := Benchmark{Name: "gsm8k", Numeric: true}
	mmlu := Benchmark{Name: "mmlu"}

	tests := []struct {
		c    Config
		s    Strategy
		b    Benchmark
		want bool
	}{
		{a, none, mmlu, true},
		{a, lower, mmlu, false},
		{ab, none, mmlu, false},
		{ab, lower, mmlu, true},
		{ab, digits, gsm, true},
		{ab, digits, mmlu, false},
	}
	for _, tt := range tests {
		if got := Valid(tt.c, tt.s, tt.b); got != tt.want {
			t.Errorf("Valid(%s, %s, %s) = %v, want %v", tt.c.ID, tt.s.Name, tt.b.Name, got, tt.want)
		}
	}
}

func TestPriority_1a(t *testing.T) {
	m := Default()
	got := m.Priority("1a")
	if len(got) != 60 {
		t.Errorf("len(Priority(1a)) = %d, want 60", len(got))
	}
	wantPrefix := []string{
		"C01_none_gsm8k", "C03_none_gsm8k",
		"C01_none_mmlu", "C03_none_mmlu",
		"C01_none_hellaswag", "C03_none_hellaswag",
		"C01_none_niah", "C03_none_niah",
		"C04_b1a_camelcase_pairs_gsm8k",
	}
	if diff := cmp.Diff(wantPrefix, got[:len(wantPrefix)]); diff != "" {
		t.Errorf("Priority(1a) prefix mismatch (-want +got):\n%s", diff)
	}

	seen := make(map[string]bool)
	for _, id := range got {
		if seen[id] {
			t.Errorf("duplicate id %s", id)
		}
		seen[id] = true
		if _, err := m.Cell(id); err != nil {
			t.Errorf("priority id %s not in matrix: %v", id, err)
		}
	}
	if !seen["C07_none_gsm8k"] || !seen["C14_b4a_delimiter_swap_gsm8k"] {
		t.Error("remaining configs missing from priority")
	}
	if seen["C14_b4a_delimiter_swap_mmlu"] {
		t.Error("remaining configs should only run on the numeric benchmark")
	}

	if all := m.Priority("unknown"); len(all) != 386 {
		t.Errorf("unknown phase len = %d, want 386", len(all))
	}
}

func TestParseSliceID(t *testing.T) {
	cfg, strat, b, err := ParseSliceID("C04_b1a_camelcase_pairs_gsm8k")
	if err != nil {
		t.Fatalf("ParseSliceID: %v", err)
	}
	if cfg != "C04" || strat != "b1a_camelcase_pairs" || b != "gsm8k" {
		t.Errorf("got %s / %s / %s", cfg, strat, b)
	}
	for _, bad := range []string{"", "C01", "C01_gsm8k", "C01__gsm8k"} {
		if _, _, _, err := ParseSliceID(bad); err == nil {
			t.Errorf("ParseSliceID(%q) should fail", bad)
		}
	}
}

func TestSliceID_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := rapid.StringMatching(`C[0-9]{2}`).Draw(t, "config")
		strat := rapid.StringMatching(`[a-z0-9]{1,6}(_[a-z0-9]{1,6}){0,3}`).Draw(t, "strategy")
		b := rapid.StringMatching(`[a-z0-9]{1,10}`).Draw(t, "benchmark")

		c2, s2, b2, err := ParseSliceID(SliceID(cfg, strat, b))
		if err != nil {
			t.Fatalf("ParseSliceID: %v", err)
		}
		if c2 != cfg || s2 != strat || b2 != b {
			t.Fatalf("round trip (%s,%s,%s) -> (%s,%s,%s)", cfg, strat, b, c2, s2, b2)
		}
	})
}

func TestCell(t *testing.T) {
	m := Default()
	c, err := m.Cell("C09_b2a_digit_spacing_gsm8k")
	if err != nil {
		t.Fatalf("Cell: %v", err)
	}
	if c.Config.Pattern != "ABA" || !c.Strategy.NumericOnly {
		t.Errorf("Cell = %+v", c)
	}
	for _, id := range []string{"C09_b2a_digit_spacing_mmlu", "C01_b3a_lowercase_all_mmlu", "C99_none_gsm8k", "C01_none_arc"} {
		if _, err := m.Cell(id); err == nil {
			t.Errorf("Cell(%s) should fail", id)
		}
	}
}

func TestSlices(t *testing.T) {
	m := Default()
	slices := m.Slices()
	ids := m.SliceIDs()
	if len(slices) != len(ids) {
		t.Fatalf("len(Slices) = %d, want %d", len(slices), len(ids))
	}
	for i, s := range slices {
		if s.ID != ids[i] || s.State != model.SliceStatePending {
			t.Errorf("slice %d = %+v", i, s)
		}
		if SliceID(s.ConfigID, s.Strategy, s.Benchmark) != s.ID {
			t.Errorf("slice %s fields do not match its id", s.ID)
		}
	}
}

func TestAssemblePrompt(t *testing.T) {
	got, err := AssemblePrompt("ABA", "q", "Q", true, " | ")
	if err != nil {
		t.Fatalf("AssemblePrompt: %v", err)
	}
	if got != "q | Q | q" {
		t.Errorf("got %q", got)
	}
	if _, err := AssemblePrompt("AB", "q", "", false, " | "); err == nil {
		t.Error("expected error when B prompt is missing")
	}
	if _, err := AssemblePrompt("AC", "q", "", false, " | "); err == nil {
		t.Error("expected error for invalid pattern character")
	}
}

func TestUnits(t *testing.T) {
	m := Default()
	items := map[string][]bench.Item{
		"gsm8k": {
			{ID: "g0", Benchmark: "gsm8k", Question: "What is 12 + 30?"},
			{ID: "g1", Benchmark: "gsm8k", Question: "What is 1 + 1?"},
		},
		"arc": {{ID: "a0", Benchmark: "arc"}},
	}
	cells := []Cell{
		mustCell(t, m, "C04_b3b_uppercase_all_gsm8k"),
		mustCell(t, m, "C01_none_gsm8k"),
		{Config: Config{ID: "C01", Pattern: "A"}, Strategy: Strategy{Name: NoneStrategy}, Benchmark: Benchmark{Name: "arc"}},
	}
	b := Builder{Formatter: bench.DefaultFormatter{}, Transforms: transform.NewRegistry()}

	units, failures := m.Units(cells, items, b)
	if len(units) != 4 {
		t.Fatalf("len(units) = %d, want 4", len(units))
	}
	if len(failures) != 1 || failures[0].Item.ID != "a0" {
		t.Errorf("failures = %+v, want the arc item", failures)
	}
	u := units[0]
	if u.Key() != "C04_b3b_uppercase_all_gsm8k#0" {
		t.Errorf("Key = %s", u.Key())
	}
	if !strings.Contains(u.PromptB, "WHAT IS 12 + 30?") {
		t.Errorf("PromptB = %q", u.PromptB)
	}
	if u.Prompt != u.PromptA+DefaultSeparator+u.PromptB {
		t.Errorf("Prompt not assembled as A+sep+B: %q", u.Prompt)
	}
	if units[2].PromptB != "" || units[2].Prompt != units[2].PromptA {
		t.Errorf("untransformed unit = %+v", units[2])
	}
}

func mustCell(t *testing.T, m *Matrix, id string) Cell {
	t.Helper()
	c, err := m.Cell(id)
	if err != nil {
		t.Fatalf("Cell(%s): %v", id, err)
	}
	return c
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matrix.yaml")
	data := `
configs:
  - {id: C01, pattern: A}
  - {id: C04, pattern: AB}
benchmarks:
  - {name: gsm8k, numeric: true}
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// C01 none + C04 x 10 strategies on gsm8k
	if n := len(m.Cells()); n != 11 {
		t.Errorf("len(Cells) = %d, want 11", n)
	}
	if m.Separator != DefaultSeparator {
		t.Errorf("Separator not defaulted")
	}

	if _, err := Parse([]byte("configs:\n  - {id: C_1, pattern: A}\n")); err == nil {
		t.Error("expected validation error for '_' in config id")
	}
}

func TestFilter(t *testing.T) {
	m := Default()
	f, err := CompileFilter(`benchmark == "gsm8k" && pattern.length == 3 && transformed`)
	if err != nil {
		t.Fatalf("CompileFilter: %v", err)
	}
	got, err := f.Select(m.Cells())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	// 7 transformed length-3 configs x 10 strategies valid on gsm8k
	if len(got) != 70 {
		t.Errorf("len = %d, want 70", len(got))
	}

	var none *Filter
	if all, _ := none.Select(m.Cells()); len(all) != 386 {
		t.Errorf("nil filter selected %d cells", len(all))
	}
	if _, err := CompileFilter(`benchmark ==`); err == nil {
		t.Error("expected compile error")
	}
}

package model

import (
	"testing"
	"time"
)

func TestProgressState_CloneIsDeep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewProgressState(now)
	p.Slices["C01_none_gsm8k"] = &Slice{
		ID:    "C01_none_gsm8k",
		State: SliceStateCompleted,
		Stats: &SliceStats{Total: 10, Correct: 7},
	}
	p.Workers["alice@h1"] = WorkerInfo{LastSeen: now}

	c := p.Clone()
	c.Slices["C01_none_gsm8k"].State = SliceStateFailed
	c.Slices["C01_none_gsm8k"].Stats.Correct = 0
	delete(c.Workers, "alice@h1")

	if got := p.Slices["C01_none_gsm8k"].State; got != SliceStateCompleted {
		t.Errorf("original state = %q, want completed", got)
	}
	if got := p.Slices["C01_none_gsm8k"].Stats.Correct; got != 7 {
		t.Errorf("original stats.Correct = %d, want 7", got)
	}
	if len(p.Workers) != 1 {
		t.Errorf("original workers = %d, want 1", len(p.Workers))
	}
}

func TestProgressState_Summarize(t *testing.T) {
	p := NewProgressState(time.Now())
	p.Slices["a"] = &Slice{ID: "a", State: SliceStateCompleted, Stats: &SliceStats{Total: 10, Correct: 5}}
	p.Slices["b"] = &Slice{ID: "b", State: SliceStateCompleted, Stats: &SliceStats{Total: 10, Correct: 10}}
	p.Slices["c"] = &Slice{ID: "c", State: SliceStatePending}
	p.Slices["d"] = &Slice{ID: "d", State: SliceStateRunning, Stats: &SliceStats{Total: 99}}

	sum := p.Summarize()
	if sum.Total != 4 {
		t.Errorf("Total = %d, want 4", sum.Total)
	}
	if sum.ByState[SliceStateCompleted] != 2 || sum.ByState[SliceStatePending] != 1 {
		t.Errorf("ByState = %v", sum.ByState)
	}
	if sum.TotalTests != 20 || sum.TotalCorrect != 15 {
		t.Errorf("tests/correct = %d/%d, want 20/15", sum.TotalTests, sum.TotalCorrect)
	}
	if sum.Accuracy != 0.75 {
		t.Errorf("Accuracy = %v, want 0.75", sum.Accuracy)
	}
}

func TestProgressState_SortedSlices(t *testing.T) {
	p := NewProgressState(time.Now())
	for _, id := range []string{"C03_none_mmlu", "C01_none_gsm8k", "C02_b3a_lowercase_all_niah"} {
		p.Slices[id] = &Slice{ID: id}
	}
	got := p.SortedSlices()
	if got[0].ID != "C01_none_gsm8k" || got[2].ID != "C03_none_mmlu" {
		t.Errorf("order = %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
}

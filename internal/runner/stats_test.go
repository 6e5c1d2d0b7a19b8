package runner

import (
	"errors"
	"testing"
	"time"

	"github.com/me/re3/pkg/model"
)

func TestComputeStats(t *testing.T) {
	recs := []*model.RunRecord{
		{LatencyMS: 100, Correct: true},
		{LatencyMS: 200, Correct: true},
		{LatencyMS: 300},
		{LatencyMS: 400, Error: "timeout"},
	}
	st := ComputeStats(recs)
	if st.Total != 4 || st.Correct != 2 || st.Errors != 1 || st.Accuracy != 0.5 {
		t.Errorf("counts = %+v", st)
	}
	if st.MeanLatencyMS != 250 {
		t.Errorf("mean = %d, want 250", st.MeanLatencyMS)
	}
	if st.P50LatencyMS != 200 || st.P95LatencyMS != 400 {
		t.Errorf("p50 = %d, p95 = %d", st.P50LatencyMS, st.P95LatencyMS)
	}
	if empty := ComputeStats(nil); empty.Total != 0 || empty.Accuracy != 0 {
		t.Errorf("empty = %+v", empty)
	}
}

func TestSanityMonitor(t *testing.T) {
	tests := []struct {
		name      string
		latencies []time.Duration
		failed    []bool
		wantErr   bool
	}{
		{"empty", nil, nil, false},
		{"all instant errors", []time.Duration{0, 5 * time.Millisecond, 10 * time.Millisecond}, []bool{true, true, true}, true},
		{"all slow errors", []time.Duration{300 * time.Millisecond, 200 * time.Millisecond}, []bool{true, true}, false},
		{"mixed", []time.Duration{0, 0, 0}, []bool{true, false, true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &SanityMonitor{Threshold: 100 * time.Millisecond}
			for i, l := range tt.latencies {
				m.Observe(l, tt.failed[i])
			}
			err := m.Check("batch-1")
			var sanity *SanityError
			if got := errors.As(err, &sanity); got != tt.wantErr {
				t.Fatalf("err = %v, want sanity error %v", err, tt.wantErr)
			}
			if tt.wantErr && sanity.Total != len(tt.latencies) {
				t.Errorf("total = %d", sanity.Total)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		0:                 "0s",
		42 * time.Second:  "42s",
		187 * time.Second: "3m07s",
		2*time.Hour + 5*time.Minute + 9*time.Second: "2h05m",
	}
	for d, want := range tests {
		if got := FormatDuration(d); got != want {
			t.Errorf("FormatDuration(%v) = %q, want %q", d, got, want)
		}
	}
}

func TestShortItemID(t *testing.T) {
	for in, want := range map[string]string{
		"gsm8k_test_12":           "g12",
		"mmlu_placeholder_3":      "mplaceholder",
		"niah_1000_4":             "n1000_4",
		"hellaswag_placeholder_1": "hplaceholder",
	} {
		if got := shortItemID(in); got != want {
			t.Errorf("shortItemID(%q) = %q, want %q", in, got, want)
		}
	}
}

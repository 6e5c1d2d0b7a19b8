package model

import (
	"sort"
	"time"
)

// Slice is the unit of ownership: one (configuration, strategy, benchmark)
// cell of the test matrix.
type Slice struct {
	ID          string      `json:"id"`
	ConfigID    string      `json:"config"`
	Strategy    string      `json:"strategy"`
	Benchmark   string      `json:"benchmark"`
	State       SliceState  `json:"status"`
	ClaimedBy   string      `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Stats       *SliceStats `json:"stats,omitempty"`
	ResultsRef  string      `json:"results_file,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// SliceStats summarises a finished slice run.
type SliceStats struct {
	Total         int     `json:"total"`
	Correct       int     `json:"correct"`
	Errors        int     `json:"errors"`
	Accuracy      float64 `json:"accuracy"`
	MeanLatencyMS int64   `json:"mean_latency_ms"`
	P50LatencyMS  int64   `json:"p50_latency_ms,omitempty"`
	P95LatencyMS  int64   `json:"p95_latency_ms,omitempty"`
}

// WorkerInfo tracks the last time a worker touched the progress document.
type WorkerInfo struct {
	LastSeen time.Time `json:"last_seen"`
}

// ProgressState is the shared, version-stamped progress document.
//
// Version increases by exactly one on every successful write and is used as
// the compare-and-swap token between workers.
type ProgressState struct {
	Version   int64                 `json:"version"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
	Slices    map[string]*Slice     `json:"slices"`
	Workers   map[string]WorkerInfo `json:"workers"`
}

// NewProgressState returns an empty document stamped with now.
func NewProgressState(now time.Time) *ProgressState {
	return &ProgressState{
		CreatedAt: now,
		UpdatedAt: now,
		Slices:    make(map[string]*Slice),
		Workers:   make(map[string]WorkerInfo),
	}
}

// Clone returns a deep copy so callers can mutate it without touching the
// original.
func (p *ProgressState) Clone() *ProgressState {
	c := &ProgressState{
		Version:   p.Version,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
		Slices:    make(map[string]*Slice, len(p.Slices)),
		Workers:   make(map[string]WorkerInfo, len(p.Workers)),
	}
	for id, s := range p.Slices {
		cp := *s
		if s.Stats != nil {
			st := *s.Stats
			cp.Stats = &st
		}
		c.Slices[id] = &cp
	}
	for id, w := range p.Workers {
		c.Workers[id] = w
	}
	return c
}

// SortedSlices returns the slices ordered by id.
func (p *ProgressState) SortedSlices() []*Slice {
	out := make([]*Slice, 0, len(p.Slices))
	for _, s := range p.Slices {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summary aggregates the progress document.
type Summary struct {
	Total        int                `json:"total"`
	ByState      map[SliceState]int `json:"by_state"`
	TotalTests   int                `json:"total_tests"`
	TotalCorrect int                `json:"total_correct"`
	Accuracy     float64            `json:"accuracy"`
	Workers      int                `json:"workers"`
	Version      int64              `json:"version"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Summarize computes counts per state and overall accuracy of completed slices.
func (p *ProgressState) Summarize() Summary {
	sum := Summary{
		Total:     len(p.Slices),
		ByState:   make(map[SliceState]int),
		Workers:   len(p.Workers),
		Version:   p.Version,
		UpdatedAt: p.UpdatedAt,
	}
	for _, s := range p.Slices {
		sum.ByState[s.State]++
		if s.State == SliceStateCompleted && s.Stats != nil {
			sum.TotalTests += s.Stats.Total
			sum.TotalCorrect += s.Stats.Correct
		}
	}
	if sum.TotalTests > 0 {
		sum.Accuracy = float64(sum.TotalCorrect) / float64(sum.TotalTests)
	}
	return sum
}

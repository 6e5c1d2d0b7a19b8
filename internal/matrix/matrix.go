// Package matrix defines the test matrix: which (configuration, strategy,
// benchmark) cells exist, how they are ordered, and how each cell expands
// into test units.
package matrix

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/me/re3/pkg/model"
)

// NoneStrategy is the identity strategy used by configurations without a
// transformed pass.
const NoneStrategy = "none"

// DefaultSeparator joins the passes of an assembled prompt.
const DefaultSeparator = "\n\nRead the question again:\n\n"

// Config is a prompt pattern: a sequence of original (A) and transformed
// (B) passes.
type Config struct {
	ID      string `yaml:"id" json:"id"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// Transformed reports whether the pattern contains a B pass.
func (c Config) Transformed() bool {
	return strings.Contains(c.Pattern, "B")
}

// Strategy is a re-tokenisation strategy applied to produce the B pass.
type Strategy struct {
	Name        string `yaml:"name" json:"name"`
	NumericOnly bool   `yaml:"numeric_only,omitempty" json:"numeric_only,omitempty"`
}

// Benchmark is a named item source.
type Benchmark struct {
	Name    string `yaml:"name" json:"name"`
	Numeric bool   `yaml:"numeric,omitempty" json:"numeric,omitempty"`
	// ItemDivisor scales down the item count of expensive benchmarks.
	ItemDivisor int `yaml:"item_divisor,omitempty" json:"item_divisor,omitempty"`
}

// ItemCount returns how many items a slice of this benchmark runs when the
// per-benchmark budget is n.
func (b Benchmark) ItemCount(n int) int {
	if b.ItemDivisor > 1 {
		return max(1, n/b.ItemDivisor)
	}
	return n
}

// Phase describes a priority ordering of slices.
type Phase struct {
	Baselines     []string `yaml:"baselines"`      // untransformed configs run on every benchmark
	KeyConfigs    []string `yaml:"key_configs"`    // transformed configs run with top strategies on every benchmark
	TopStrategies []string `yaml:"top_strategies"` // strategies used for key and remaining configs
}

// Matrix is the full experiment definition.
type Matrix struct {
	Configs    []Config         `yaml:"configs"`
	Strategies []Strategy       `yaml:"strategies"`
	Benchmarks []Benchmark      `yaml:"benchmarks"`
	Separator  string           `yaml:"separator"`
	Phases     map[string]Phase `yaml:"phases"`
}

// Default returns the 14-configuration, 11-strategy, 4-benchmark matrix.
func Default() *Matrix {
	return &Matrix{
		Configs: []Config{
			{"C01", "A"}, {"C02", "B"},
			{"C03", "AA"}, {"C04", "AB"}, {"C05", "BA"}, {"C06", "BB"},
			{"C07", "AAA"}, {"C08", "AAB"}, {"C09", "ABA"}, {"C10", "ABB"},
			{"C11", "BAA"}, {"C12", "BAB"}, {"C13", "BBA"}, {"C14", "BBB"},
		},
		Strategies: []Strategy{
			{Name: NoneStrategy},
			{Name: "b1a_camelcase_pairs"},
			{Name: "b1b_camelcase_all"},
			{Name: "b1c_underscore_join"},
			{Name: "b1d_hyphenation"},
			{Name: "b1e_compound_split"},
			{Name: "b2a_digit_spacing", NumericOnly: true},
			{Name: "b3a_lowercase_all"},
			{Name: "b3b_uppercase_all"},
			{Name: "b4a_delimiter_swap"},
			{Name: "b6b_word_numbers", NumericOnly: true},
		},
		Benchmarks: []Benchmark{
			{Name: "gsm8k", Numeric: true},
			{Name: "mmlu"},
			{Name: "hellaswag"},
			{Name: "niah", ItemDivisor: 2},
		},
		Separator: DefaultSeparator,
		Phases: map[string]Phase{
			"1a": {
				Baselines:     []string{"C01", "C03"},
				KeyConfigs:    []string{"C04", "C09"},
				TopStrategies: []string{"b1a_camelcase_pairs", "b3a_lowercase_all", "b4a_delimiter_swap"},
			},
		},
	}
}

// Validate checks that ids are usable in slice ids and patterns are well formed.
func (m *Matrix) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for _, c := range m.Configs {
		switch {
		case c.ID == "" || strings.Contains(c.ID, "_"):
			errs = append(errs, fmt.Errorf("config id %q: must be non-empty and contain no '_'", c.ID))
		case seen["c:"+c.ID]:
			errs = append(errs, fmt.Errorf("config id %q: duplicate", c.ID))
		}
		seen["c:"+c.ID] = true
		if c.Pattern == "" || strings.Trim(c.Pattern, "AB") != "" {
			errs = append(errs, fmt.Errorf("config %s: pattern %q must be a non-empty string of A and B", c.ID, c.Pattern))
		}
	}
	for _, s := range m.Strategies {
		if s.Name == "" || seen["s:"+s.Name] {
			errs = append(errs, fmt.Errorf("strategy %q: empty or duplicate", s.Name))
		}
		seen["s:"+s.Name] = true
	}
	for _, b := range m.Benchmarks {
		switch {
		case b.Name == "" || strings.Contains(b.Name, "_"):
			errs = append(errs, fmt.Errorf("benchmark %q: must be non-empty and contain no '_'", b.Name))
		case seen["b:"+b.Name]:
			errs = append(errs, fmt.Errorf("benchmark %q: duplicate", b.Name))
		}
		seen["b:"+b.Name] = true
	}
	return errors.Join(errs...)
}

// Valid reports whether the combination belongs to the matrix: "none" only
// for untransformed configs, real strategies only for transformed configs,
// numeric-only strategies only on numeric benchmarks.
func Valid(c Config, s Strategy, b Benchmark) bool {
	if (s.Name == NoneStrategy) == c.Transformed() {
		return false
	}
	if s.NumericOnly && !b.Numeric {
		return false
	}
	return true
}

// Cell is one slice of the matrix.
type Cell struct {
	Config    Config
	Strategy  Strategy
	Benchmark Benchmark
}

// ID returns the slice id of the cell.
func (c Cell) ID() string {
	return SliceID(c.Config.ID, c.Strategy.Name, c.Benchmark.Name)
}

// Cells returns every valid cell in config, strategy, benchmark order.
func (m *Matrix) Cells() []Cell {
	var out []Cell
	for _, c := range m.Configs {
		for _, s := range m.Strategies {
			for _, b := range m.Benchmarks {
				if Valid(c, s, b) {
					out = append(out, Cell{Config: c, Strategy: s, Benchmark: b})
				}
			}
		}
	}
	return out
}

// SliceIDs returns the ids of Cells in order.
func (m *Matrix) SliceIDs() []string {
	cells := m.Cells()
	ids := make([]string, len(cells))
	for i, c := range cells {
		ids[i] = c.ID()
	}
	return ids
}

// Slice returns the PENDING progress entry for the cell.
func (c Cell) Slice() *model.Slice {
	return &model.Slice{
		ID:        c.ID(),
		ConfigID:  c.Config.ID,
		Strategy:  c.Strategy.Name,
		Benchmark: c.Benchmark.Name,
		State:     model.SliceStatePending,
	}
}

// Slices returns the progress entries of Cells in order.
func (m *Matrix) Slices() []*model.Slice {
	cells := m.Cells()
	out := make([]*model.Slice, len(cells))
	for i, c := range cells {
		out[i] = c.Slice()
	}
	return out
}

// Cell resolves a slice id against the matrix.
func (m *Matrix) Cell(id string) (Cell, error) {
	cfgID, strategy, benchmark, err := ParseSliceID(id)
	if err != nil {
		return Cell{}, err
	}
	var cell Cell
	var ok bool
	if cell.Config, ok = find(m.Configs, func(c Config) bool { return c.ID == cfgID }); !ok {
		return Cell{}, fmt.Errorf("slice %s: unknown config %q", id, cfgID)
	}
	if cell.Strategy, ok = find(m.Strategies, func(s Strategy) bool { return s.Name == strategy }); !ok {
		return Cell{}, fmt.Errorf("slice %s: unknown strategy %q", id, strategy)
	}
	if cell.Benchmark, ok = find(m.Benchmarks, func(b Benchmark) bool { return b.Name == benchmark }); !ok {
		return Cell{}, fmt.Errorf("slice %s: unknown benchmark %q", id, benchmark)
	}
	if !Valid(cell.Config, cell.Strategy, cell.Benchmark) {
		return Cell{}, fmt.Errorf("slice %s: combination excluded from the matrix", id)
	}
	return cell, nil
}

func find[T any](items []T, pred func(T) bool) (T, bool) {
	i := slices.IndexFunc(items, pred)
	if i < 0 {
		var zero T
		return zero, false
	}
	return items[i], true
}

// Priority returns slice ids in the order the named phase wants them run.
// Ids are de-duplicated and restricted to valid cells. An unknown phase
// yields matrix order.
func (m *Matrix) Priority(phase string) []string {
	p, ok := m.Phases[phase]
	if !ok {
		return m.SliceIDs()
	}

	valid := make(map[string]bool)
	for _, id := range m.SliceIDs() {
		valid[id] = true
	}
	var out []string
	seen := make(map[string]bool)
	add := func(cfg, strategy, benchmark string) {
		id := SliceID(cfg, strategy, benchmark)
		if valid[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for _, b := range m.Benchmarks {
		for _, cfg := range p.Baselines {
			add(cfg, NoneStrategy, b.Name)
		}
	}
	for _, cfg := range p.KeyConfigs {
		for _, s := range p.TopStrategies {
			for _, b := range m.Benchmarks {
				add(cfg, s, b.Name)
			}
		}
	}
	numeric := m.numericBenchmarks()
	for _, c := range m.Configs {
		if slices.Contains(p.Baselines, c.ID) || slices.Contains(p.KeyConfigs, c.ID) {
			continue
		}
		for _, b := range numeric {
			if !c.Transformed() {
				add(c.ID, NoneStrategy, b)
				continue
			}
			for _, s := range p.TopStrategies {
				add(c.ID, s, b)
			}
		}
	}
	return out
}

func (m *Matrix) numericBenchmarks() []string {
	var out []string
	for _, b := range m.Benchmarks {
		if b.Numeric {
			out = append(out, b.Name)
		}
	}
	return out
}

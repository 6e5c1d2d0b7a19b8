package matrix

import (
	"fmt"
	"strings"

	"github.com/me/re3/internal/bench"
	"github.com/me/re3/internal/transform"
)

// Unit is one test: a cell applied to one benchmark item.
type Unit struct {
	Cell    Cell
	Index   int
	Item    bench.Item
	PromptA string
	PromptB string // empty when the config has no B pass
	Prompt  string // assembled prompt sent to the model
}

// Key identifies the unit within the whole matrix.
func (u Unit) Key() string {
	return fmt.Sprintf("%s#%d", u.Cell.ID(), u.Index)
}

// UnitFailure is a unit that could not be built.
type UnitFailure struct {
	Cell  Cell
	Index int
	Item  bench.Item
	Err   error
}

// Builder turns items into units.
type Builder struct {
	Formatter  bench.Formatter
	Transforms *transform.Registry
	Separator  string
}

// Build formats the item, applies the cell's strategy when the config has a
// B pass, and assembles the final prompt.
func (b Builder) Build(cell Cell, index int, item bench.Item) (Unit, error) {
	u := Unit{Cell: cell, Index: index, Item: item}
	var err error
	if u.PromptA, err = b.Formatter.Format(item); err != nil {
		return u, fmt.Errorf("format %s: %w", item.ID, err)
	}
	if cell.Config.Transformed() {
		if u.PromptB, err = b.Transforms.Apply(cell.Strategy.Name, u.PromptA); err != nil {
			return u, err
		}
	}
	sep := b.Separator
	if sep == "" {
		sep = DefaultSeparator
	}
	if u.Prompt, err = AssemblePrompt(cell.Config.Pattern, u.PromptA, u.PromptB, cell.Config.Transformed(), sep); err != nil {
		return u, err
	}
	return u, nil
}

// AssemblePrompt joins one copy of promptA or promptB per pattern character.
// hasB must be true when promptB is meaningful.
func AssemblePrompt(pattern, promptA, promptB string, hasB bool, sep string) (string, error) {
	parts := make([]string, 0, len(pattern))
	for _, ch := range pattern {
		switch ch {
		case 'A':
			parts = append(parts, promptA)
		case 'B':
			if !hasB {
				return "", fmt.Errorf("pattern %q requires a B prompt", pattern)
			}
			parts = append(parts, promptB)
		default:
			return "", fmt.Errorf("invalid pattern character %q in %q", ch, pattern)
		}
	}
	return strings.Join(parts, sep), nil
}

// Units expands cells over their benchmark items in cell order, then item
// order. Items that fail to build are returned separately and never stop the
// expansion.
func (m *Matrix) Units(cells []Cell, items map[string][]bench.Item, b Builder) ([]Unit, []UnitFailure) {
	if b.Separator == "" {
		b.Separator = m.Separator
	}
	var units []Unit
	var failures []UnitFailure
	for _, cell := range cells {
		for i, item := range items[cell.Benchmark.Name] {
			u, err := b.Build(cell, i, item)
			if err != nil {
				failures = append(failures, UnitFailure{Cell: cell, Index: i, Item: item, Err: err})
				continue
			}
			units = append(units, u)
		}
	}
	return units, failures
}

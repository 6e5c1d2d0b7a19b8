package matrix

import (
	"fmt"

	"github.com/dop251/goja"
)

// Filter is a compiled JavaScript predicate over a cell. The expression sees
// config, pattern, strategy, benchmark, numeric and transformed, e.g.
//
//	benchmark == "gsm8k" && pattern.length == 3
type Filter struct {
	src  string
	prog *goja.Program
}

// CompileFilter compiles expr. An empty expression yields a nil Filter,
// which matches every cell.
func CompileFilter(expr string) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}
	prog, err := goja.Compile("filter", "("+expr+")", true)
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expr, err)
	}
	return &Filter{src: expr, prog: prog}, nil
}

// Match evaluates the filter against c.
func (f *Filter) Match(c Cell) (bool, error) {
	if f == nil {
		return true, nil
	}
	vm := goja.New()
	vars := map[string]any{
		"config":      c.Config.ID,
		"pattern":     c.Config.Pattern,
		"strategy":    c.Strategy.Name,
		"benchmark":   c.Benchmark.Name,
		"numeric":     c.Benchmark.Numeric,
		"transformed": c.Config.Transformed(),
	}
	for k, v := range vars {
		if err := vm.Set(k, v); err != nil {
			return false, fmt.Errorf("set %s: %w", k, err)
		}
	}
	val, err := vm.RunProgram(f.prog)
	if err != nil {
		return false, fmt.Errorf("filter %q: %w", f.src, err)
	}
	return val.ToBoolean(), nil
}

// Select returns the cells matching f, preserving order.
func (f *Filter) Select(cells []Cell) ([]Cell, error) {
	if f == nil {
		return cells, nil
	}
	var out []Cell
	for _, c := range cells {
		ok, err := f.Match(c)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

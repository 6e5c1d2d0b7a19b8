package progress

import (
	"github.com/me/re3/internal/matrix"
	"github.com/me/re3/pkg/model"
)

// Query selects slices of st ordered by id, filtered by opts.State and by
// the opts.Where expression evaluated against the slice's matrix cell, and
// returns the requested page plus the total number of matches. Slices that
// m does not define never match a Where expression.
func Query(st *model.ProgressState, m *matrix.Matrix, opts model.ListOptions) ([]*model.Slice, int, error) {
	opts.Clamp()
	filter, err := matrix.CompileFilter(opts.Where)
	if err != nil {
		return nil, 0, err
	}

	var matched []*model.Slice
	for _, s := range st.SortedSlices() {
		if opts.State != "" && s.State != opts.State {
			continue
		}
		if filter != nil {
			cell, err := m.Cell(s.ID)
			if err != nil {
				continue
			}
			ok, err := filter.Match(cell)
			if err != nil {
				return nil, 0, err
			}
			if !ok {
				continue
			}
		}
		matched = append(matched, s)
	}

	total := len(matched)
	lo := min(opts.Offset, total)
	hi := min(lo+opts.Limit, total)
	return matched[lo:hi], total, nil
}

// Package frame holds the in-memory row table passed between readers, the
// normalizer and the load sinks.
//
// Cells are untyped (any). Readers produce string, int64, float64, nil and
// orb.Geometry values; the normalizer adds time.Time dates.
package frame

import (
	"fmt"
	"sort"
	"strings"
)

// Frame is a column-named table. Columns and Rows are exported for readers and
// sinks; mutate them through the methods so the name index stays consistent.
type Frame struct {
	Columns []string
	Rows    [][]any

	index map[string]int
}

// New returns an empty frame with the given column names.
func New(columns ...string) *Frame {
	f := &Frame{Columns: append([]string(nil), columns...)}
	f.reindex()
	return f
}

func (f *Frame) reindex() {
	f.index = make(map[string]int, len(f.Columns))
	for i, c := range f.Columns {
		f.index[c] = i
	}
}

// Len is the row count.
func (f *Frame) Len() int { return len(f.Rows) }

// Index returns the position of column name.
func (f *Frame) Index(name string) (int, bool) {
	if f.index == nil {
		f.reindex()
	}
	i, ok := f.index[name]
	return i, ok
}

// Has reports whether the frame carries column name.
func (f *Frame) Has(name string) bool {
	_, ok := f.Index(name)
	return ok
}

// Append adds a row. The row must have one cell per column.
func (f *Frame) Append(row []any) error {
	if len(row) != len(f.Columns) {
		return fmt.Errorf("frame: row has %d cells, want %d", len(row), len(f.Columns))
	}
	f.Rows = append(f.Rows, row)
	return nil
}

// Value returns the cell at row r in column name (nil when the column is absent).
func (f *Frame) Value(r int, name string) any {
	i, ok := f.Index(name)
	if !ok {
		return nil
	}
	return f.Rows[r][i]
}

// MissingColumnsError names columns a caller required but the frame lacks.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return "missing columns: " + strings.Join(e.Columns, ", ")
}

// Require fails with *MissingColumnsError unless every name is present.
func (f *Frame) Require(names ...string) error {
	var missing []string
	for _, n := range names {
		if !f.Has(n) {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return &MissingColumnsError{Columns: missing}
	}
	return nil
}

// Rename renames columns old -> new. Every key must exist in the frame.
//
// Renames apply in sorted key order. When the target name is already taken
// (by an untouched column or an earlier rename) the later rename wins and the
// displaced column is dropped.
func (f *Frame) Rename(renames map[string]string) error {
	keys := make([]string, 0, len(renames))
	for k := range renames {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := f.Require(keys...); err != nil {
		return err
	}

	// Renames act on the original columns, so chains (a->b, b->c) do not
	// cascade. order[i] is the rename sequence number of column i, -1 if untouched.
	names := append([]string(nil), f.Columns...)
	order := make([]int, len(names))
	for i := range order {
		order[i] = -1
	}
	for seq, k := range keys {
		at, _ := f.Index(k)
		names[at] = renames[k]
		order[at] = seq
	}

	winner := make(map[string]int, len(names))
	for i, n := range names {
		if w, ok := winner[n]; !ok || order[i] > order[w] {
			winner[n] = i
		}
	}
	drop := make(map[int]bool)
	for i, n := range names {
		if winner[n] != i {
			drop[i] = true
		}
	}

	if len(drop) == 0 {
		f.Columns = names
		f.reindex()
		return nil
	}

	keep := make([]int, 0, len(names)-len(drop))
	for i := range names {
		if !drop[i] {
			keep = append(keep, i)
		}
	}
	cols := make([]string, len(keep))
	for j, i := range keep {
		cols[j] = names[i]
	}
	for r, row := range f.Rows {
		nr := make([]any, len(keep))
		for j, i := range keep {
			nr[j] = row[i]
		}
		f.Rows[r] = nr
	}
	f.Columns = cols
	f.reindex()
	return nil
}

// Set writes column name from fn(row index), adding the column when absent.
func (f *Frame) Set(name string, fn func(r int) any) {
	i, ok := f.Index(name)
	if !ok {
		f.Columns = append(f.Columns, name)
		i = len(f.Columns) - 1
		f.index[name] = i
		for r := range f.Rows {
			f.Rows[r] = append(f.Rows[r], nil)
		}
	}
	for r := range f.Rows {
		f.Rows[r][i] = fn(r)
	}
}

// Filter keeps rows for which keep returns true.
func (f *Frame) Filter(keep func(row []any) bool) {
	out := f.Rows[:0]
	for _, row := range f.Rows {
		if keep(row) {
			out = append(out, row)
		}
	}
	for i := len(out); i < len(f.Rows); i++ {
		f.Rows[i] = nil
	}
	f.Rows = out
}

// Select returns a new frame with exactly the named columns, in order.
func (f *Frame) Select(names ...string) (*Frame, error) {
	if err := f.Require(names...); err != nil {
		return nil, err
	}
	ix := make([]int, len(names))
	for j, n := range names {
		ix[j], _ = f.Index(n)
	}
	out := New(names...)
	out.Rows = make([][]any, len(f.Rows))
	for r, row := range f.Rows {
		nr := make([]any, len(ix))
		for j, i := range ix {
			nr[j] = row[i]
		}
		out.Rows[r] = nr
	}
	return out, nil
}

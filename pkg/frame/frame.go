// Package frame holds tabular batches moving between fetchers, inference and the store.
package frame

import "fmt"

// Column is a named, ordered list of values. A nil value is a null.
type Column struct {
	Name   string
	Values []any
}

// Frame is a columnar batch. All columns have the same length.
type Frame struct {
	Columns []*Column
}

// New creates an empty frame with the given column names.
func New(names ...string) *Frame {
	f := &Frame{Columns: make([]*Column, len(names))}
	for i, n := range names {
		f.Columns[i] = &Column{Name: n}
	}
	return f
}

// FromRows builds a frame from a header and row-major values.
// Short rows are padded with nulls; long rows are truncated to the header.
func FromRows(header []string, rows [][]any) *Frame {
	f := New(header...)
	for _, c := range f.Columns {
		c.Values = make([]any, 0, len(rows))
	}
	for _, row := range rows {
		f.appendPadded(row)
	}
	return f
}

// FromRecords builds a frame from map records. Column order follows first appearance
// in keyOrder, then any remaining keys in the order they are first seen.
func FromRecords(records []map[string]any, keyOrder []string) *Frame {
	seen := make(map[string]bool)
	var names []string
	for _, k := range keyOrder {
		if !seen[k] {
			seen[k] = true
			names = append(names, k)
		}
	}
	for _, r := range records {
		for _, k := range sortedKeys(r) {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}

	f := New(names...)
	for _, c := range f.Columns {
		c.Values = make([]any, len(records))
		for i, r := range records {
			c.Values[i] = r[c.Name]
		}
	}
	return f
}

// NumRows returns the row count.
func (f *Frame) NumRows() int {
	if f == nil || len(f.Columns) == 0 {
		return 0
	}
	return len(f.Columns[0].Values)
}

// NumColumns returns the column count.
func (f *Frame) NumColumns() int {
	if f == nil {
		return 0
	}
	return len(f.Columns)
}

// Names returns the column names in order.
func (f *Frame) Names() []string {
	names := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the named column, or nil.
func (f *Frame) Column(name string) *Column {
	for _, c := range f.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Row returns the values of row i in column order.
func (f *Frame) Row(i int) []any {
	row := make([]any, len(f.Columns))
	for j, c := range f.Columns {
		row[j] = c.Values[i]
	}
	return row
}

// AppendRow adds one row. The row must have one value per column.
func (f *Frame) AppendRow(values ...any) error {
	if len(values) != len(f.Columns) {
		return fmt.Errorf("row has %d values, frame has %d columns", len(values), len(f.Columns))
	}
	for j, c := range f.Columns {
		c.Values = append(c.Values, values[j])
	}
	return nil
}

// Clone returns a copy whose columns and value slices can be modified independently.
func (f *Frame) Clone() *Frame {
	out := &Frame{Columns: make([]*Column, len(f.Columns))}
	for i, c := range f.Columns {
		out.Columns[i] = &Column{Name: c.Name, Values: append([]any(nil), c.Values...)}
	}
	return out
}

// Head returns a frame holding at most n leading rows.
func (f *Frame) Head(n int) *Frame {
	if n < 0 || n >= f.NumRows() {
		return f.Clone()
	}
	out := &Frame{Columns: make([]*Column, len(f.Columns))}
	for i, c := range f.Columns {
		out.Columns[i] = &Column{Name: c.Name, Values: append([]any(nil), c.Values[:n]...)}
	}
	return out
}

// Records returns the rows as maps keyed by column name.
func (f *Frame) Records() []map[string]any {
	n := f.NumRows()
	out := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		rec := make(map[string]any, len(f.Columns))
		for _, c := range f.Columns {
			rec[c.Name] = c.Values[i]
		}
		out[i] = rec
	}
	return out
}

func (f *Frame) appendPadded(row []any) {
	for j, c := range f.Columns {
		if j < len(row) {
			c.Values = append(c.Values, row[j])
		} else {
			c.Values = append(c.Values, nil)
		}
	}
}

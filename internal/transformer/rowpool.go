// Package transformer holds the pooled positional Row handed from the CSV
// parser to its consumer.
package transformer

import "sync"

// Row is one positional record. It has a single owner at a time; sending it
// on a channel transfers ownership.
type Row struct {
	V    []any
	Line int // source line, 1-based; 0 when unknown
}

var pool = sync.Pool{New: func() any { return new(Row) }}

// GetRow returns a Row holding width nil values.
func GetRow(width int) *Row {
	r := pool.Get().(*Row)
	if cap(r.V) < width {
		r.V = make([]any, width)
	} else {
		r.V = r.V[:width]
		clear(r.V)
	}
	r.Line = 0
	return r
}

// Free hands r back to the pool. The caller must hold no reference to r.V.
func (r *Row) Free() { pool.Put(r) }

// Drop releases the values of r without pooling it. Cancellation paths use
// Drop since a consumer still draining the channel may read the row.
func (r *Row) Drop() { r.V, r.Line = nil, 0 }

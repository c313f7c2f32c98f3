// Package transformer provides allocation-conscious containers and transforms
// shared by the chunk source, the normalizer, and the sink.
//
// This file defines a pooled Row type. Rows flow parser → normalizer and are
// returned to the pool once the chunk they belong to has been normalized, so
// peak memory stays proportional to the chunk size rather than the dataset.
package transformer

import "sync"

// Row is a pooled container holding one positional raw row.
//
// Contract:
//   - The owner writes into r.V[0:colCount] (no re-slice growth).
//   - Once the row's chunk has been consumed, the owner **must** call
//     r.Free() (usually through Chunk.Free) to return it to the pool.
//   - Do not retain references to r or r.V beyond the owning stage.
type Row struct {
	V []any
}

var rowPool sync.Pool

// GetRow returns a pooled Row with capacity for colCount fields and length set
// to colCount. All elements are zeroed.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < colCount {
			r.V = make([]any, colCount)
		}
		r.V = r.V[:colCount]
		for i := range r.V {
			r.V[i] = nil
		}
		return r
	}
	return &Row{V: make([]any, colCount)}
}

// Free returns the Row to the pool. The caller must not use r after Free().
func (r *Row) Free() {
	for i := range r.V {
		r.V[i] = nil // drop references so pooled rows don't pin strings
	}
	rowPool.Put(r)
}

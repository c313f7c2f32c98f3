package transformer

// Chunk is a bounded batch of raw rows pulled from a source: the unit of
// normalization and persistence. Columns names the positions of Row.V.
type Chunk struct {
	// Seq is the 1-based position of the chunk in its source.
	Seq     int
	Columns []string
	Rows    []*Row

	index map[string]int
}

// NewChunk allocates an empty chunk with room for capHint rows.
func NewChunk(seq int, columns []string, capHint int) *Chunk {
	idx := make(map[string]int, len(columns))
	for i, c := range columns {
		idx[c] = i
	}
	return &Chunk{
		Seq:     seq,
		Columns: columns,
		Rows:    make([]*Row, 0, capHint),
		index:   idx,
	}
}

// Len reports the number of rows currently held.
func (c *Chunk) Len() int { return len(c.Rows) }

// Append adds r to the chunk. Ownership of r moves to the chunk.
func (c *Chunk) Append(r *Row) { c.Rows = append(c.Rows, r) }

// Index returns the position of column col.
func (c *Chunk) Index(col string) (int, bool) {
	if c.index == nil {
		c.index = make(map[string]int, len(c.Columns))
		for i, name := range c.Columns {
			c.index[name] = i
		}
	}
	i, ok := c.index[col]
	return i, ok
}

// Free returns every row to the pool. The chunk is empty afterwards and may
// be freed again safely.
func (c *Chunk) Free() {
	for i, r := range c.Rows {
		if r != nil {
			r.Free()
		}
		c.Rows[i] = nil
	}
	c.Rows = c.Rows[:0]
}

// Package csv reads raw CSV bytes into pooled chunk rows.
//
// ChunkReader is pull-based: the chunk source asks for up to N rows at a time
// and the reader never buffers more than the csv.Reader's own line buffer, so
// inputs far larger than memory stream through safely.
//
// Header handling:
//   - With has_header (default true) the first record is the header. Names
//     are trimmed, a UTF-8 BOM is stripped from the first cell, and each name
//     is mapped through header_map or else lower-cased with spaces turned into
//     underscores ("Incident Zip" -> "incident_zip").
//   - A dest→source index is built for the requested columns. Required
//     columns absent from the header fail with *schema.MissingColumnsError.
//   - Without a header, columns are positional.
//
// Cells are trimmed and blank cells become nil; a compiled transformer.Plan
// then coerces typed columns in place. Malformed records (quote errors, wrong
// field count) are reported through onErr and skipped.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"civicetl/internal/config"
	"civicetl/internal/schema"
	"civicetl/internal/transformer"
)

// utf8BOM is stripped from the first header cell if present.
const utf8BOM = "\uFEFF"

// Options configures the reader. Zero values are usable except HasHeader,
// which callers normally set through OptionsFrom.
type Options struct {
	HasHeader bool
	// Comma is the field delimiter; ',' when zero.
	Comma      rune
	LazyQuotes bool
	// HeaderMap maps source header names to canonical column names.
	HeaderMap map[string]string
	// Encoding is a WHATWG label such as "windows-1252"; UTF-8 when empty.
	Encoding string
	// Scrub holds literal byte replacements applied to the stream before
	// CSV parsing, for known broken sequences in a dataset.
	Scrub map[string]string
}

// OptionsFrom reads parser options from the free-form config map.
func OptionsFrom(o config.Options) Options {
	return Options{
		HasHeader:  o.Bool("has_header", true),
		Comma:      o.Rune("comma", ','),
		LazyQuotes: o.Bool("lazy_quotes", false),
		HeaderMap:  o.StringMap("header_map"),
		Encoding:   o.String("encoding", ""),
		Scrub:      o.StringMap("scrub"),
	}
}

// Stats counts what the reader has seen so far.
type Stats struct {
	Rows    int // rows handed out
	Skipped int // malformed records dropped
	Nulled  int // non-blank values nulled by failed coercion
}

// ChunkReader pulls rows from one CSV byte stream.
type ChunkReader struct {
	src     io.ReadCloser
	cr      *csv.Reader
	columns []string
	colIx   []int // colIx[target] = source index, or -1
	header  []string
	width   int // expected fields per record; 0 = unchecked
	plan    transformer.Plan
	onErr   func(line int, err error)
	line    int
	done    bool
	stats   Stats
}

// NewChunkReader wraps src and consumes the header. columns is the positional
// layout of produced rows and required lists the columns the header must
// carry. An empty stream yields a reader that is immediately exhausted.
func NewChunkReader(src io.ReadCloser, columns, required []string, opt Options, plan transformer.Plan, onErr func(line int, err error)) (*ChunkReader, error) {
	r, err := decodeReader(src, opt.Encoding)
	if err != nil {
		src.Close()
		return nil, err
	}
	r = withScrub(r, opt.Scrub)

	cr := csv.NewReader(r)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.ReuseRecord = true
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1 // width is enforced below so bad lines are skipped, not fatal

	cfr := &ChunkReader{
		src:     src,
		cr:      cr,
		columns: columns,
		colIx:   make([]int, len(columns)),
		plan:    plan,
		onErr:   onErr,
	}

	if !opt.HasHeader {
		for i := range cfr.colIx {
			cfr.colIx[i] = i
		}
		return cfr, nil
	}

	hdr, err := cfr.read()
	if err == io.EOF {
		cfr.done = true
		return cfr, nil
	}
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	names := normalizeHeaders(hdr, opt.HeaderMap)
	cfr.header = names
	if err := schema.CheckColumns(names, required); err != nil {
		src.Close()
		return nil, err
	}
	pos := make(map[string]int, len(names))
	for i, h := range names {
		if _, dup := pos[h]; !dup {
			pos[h] = i
		}
	}
	for t, target := range columns {
		if si, ok := pos[target]; ok {
			cfr.colIx[t] = si
		} else {
			cfr.colIx[t] = -1
		}
	}
	cfr.width = len(names)
	return cfr, nil
}

// Header returns the canonical source header names, or nil without a header.
func (r *ChunkReader) Header() []string { return r.header }

// Columns returns the positional layout of produced rows.
func (r *ChunkReader) Columns() []string { return r.columns }

// Stats returns counters accumulated so far.
func (r *ChunkReader) Stats() Stats { return r.stats }

// ReadInto appends up to limit rows to c. It returns io.EOF once the stream is
// exhausted; rows appended in the same call are still valid.
func (r *ChunkReader) ReadInto(ctx context.Context, c *transformer.Chunk, limit int) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	n := 0
	for n < limit {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec, err := r.read()
		if err == io.EOF {
			r.done = true
			return n, io.EOF
		}
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return n, fmt.Errorf("csv read at record %d: %w", r.line, err)
			}
			r.skip(err)
			continue
		}
		if r.width > 0 && len(rec) != r.width {
			r.skip(fmt.Errorf("incorrect number of fields: expected %d, got %d", r.width, len(rec)))
			continue
		}

		row := transformer.GetRow(len(r.columns))
		for t, si := range r.colIx {
			if si < 0 || si >= len(rec) {
				continue
			}
			if v := rec[si]; v != "" {
				row.V[t] = v
			}
		}
		r.stats.Nulled += r.plan.Apply(row)
		c.Append(row)
		r.stats.Rows++
		n++
	}
	return n, nil
}

// Close closes the underlying stream.
func (r *ChunkReader) Close() error {
	r.done = true
	return r.src.Close()
}

func (r *ChunkReader) read() ([]string, error) {
	r.line++
	return r.cr.Read()
}

func (r *ChunkReader) skip(err error) {
	r.stats.Skipped++
	if r.onErr != nil {
		r.onErr(r.line, err)
	}
}

// normalizeHeaders produces canonical header keys using headerMap (when it
// has the trimmed name) and otherwise lower-case with spaces to underscores.
func normalizeHeaders(h []string, headerMap map[string]string) []string {
	res := make([]string, len(h))
	for i, col := range h {
		c := col
		if i == 0 {
			c = strings.TrimPrefix(c, utf8BOM)
		}
		c = strings.TrimSpace(c)
		if m, ok := headerMap[c]; ok {
			res[i] = m
			continue
		}
		res[i] = strings.ReplaceAll(strings.ToLower(c), " ", "_")
	}
	return res
}

// decodeReader wraps r with a charset decoder for non-UTF-8 labels.
func decodeReader(r io.Reader, label string) (io.Reader, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" || label == "utf-8" || label == "utf8" {
		return r, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("csv: unknown encoding %q: %w", label, err)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

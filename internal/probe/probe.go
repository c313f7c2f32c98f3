// Package probe samples the head of a configured source without running the
// pipeline. It fetches the first bytes (a ranged GET for HTTP sources, a
// bounded read for files), cuts them to the last complete line, and checks
// the header against the raw column contract.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"civicetl/internal/datasource/file"
	"civicetl/internal/datasource/httpds"
	"civicetl/internal/parser/csv"
	"civicetl/internal/schema"
	"civicetl/internal/source"
	"civicetl/internal/transformer"
)

// Defaults for Options.
const (
	DefaultMaxBytes = 64 << 10
	DefaultMaxRows  = 5
)

// Options bound the sample.
type Options struct {
	MaxBytes int
	MaxRows  int
}

// Result describes the sampled head of a source.
type Result struct {
	// Header holds the canonical source header names (after header_map).
	Header []string
	// Missing lists raw columns the header lacks. A non-empty Missing means
	// the pipeline would fail on its first chunk.
	Missing []string
	// Ignored lists header columns the pipeline does not read.
	Ignored []string

	Rows    int // sample rows parsed
	Skipped int // malformed sample records
	Nulled  int // sample values nulled by failed coercion
}

// OK reports whether the source carries every raw column.
func (r Result) OK() bool { return len(r.Missing) == 0 }

// peekFn fetches up to n bytes from the head of the source. Tests replace it.
var peekFn = peek

func peek(ctx context.Context, cfg source.Config, n int) ([]byte, error) {
	switch cfg.Kind {
	case "http":
		client := httpds.NewClient(cfg.HTTP)
		return client.FetchFirstBytes(ctx, cfg.URL, cfg.Headers, n)
	case "file":
		rc, err := file.NewLocal(cfg.Path).Open(ctx)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, io.LimitReader(rc, int64(n))); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("probe: unknown source kind %q", cfg.Kind)
	}
}

// Run samples the source described by cfg.
func Run(ctx context.Context, cfg source.Config, opt Options) (Result, error) {
	if opt.MaxBytes <= 0 {
		opt.MaxBytes = DefaultMaxBytes
	}
	if opt.MaxRows <= 0 {
		opt.MaxRows = DefaultMaxRows
	}
	if cfg.Coerce.Types == nil {
		cfg.Coerce.Types = schema.RawTypes()
	}

	b, err := peekFn(ctx, cfg, opt.MaxBytes)
	if err != nil {
		return Result{}, err
	}
	// A bounded read usually ends inside a record; drop it.
	if len(b) == opt.MaxBytes {
		if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
			b = b[:i+1]
		}
	}

	r, err := csv.NewChunkReader(io.NopCloser(bytes.NewReader(b)), schema.RawColumns, nil, cfg.Parser,
		transformer.CompilePlan(schema.RawColumns, cfg.Coerce), nil)
	if err != nil {
		return Result{}, err
	}
	defer r.Close()

	res := Result{Header: r.Header()}
	if res.Header != nil {
		res.Missing, res.Ignored = diff(res.Header, schema.RawColumns)
	}

	c := transformer.NewChunk(1, schema.RawColumns, opt.MaxRows)
	defer c.Free()
	if _, err := r.ReadInto(ctx, c, opt.MaxRows); err != nil && err != io.EOF {
		return res, err
	}
	st := r.Stats()
	res.Rows, res.Skipped, res.Nulled = st.Rows, st.Skipped, st.Nulled
	return res, nil
}

// diff returns the wanted names absent from have, and the names in have that
// nobody wants.
func diff(have, want []string) (missing, extra []string) {
	in := func(set []string, s string) bool {
		for _, x := range set {
			if x == s {
				return true
			}
		}
		return false
	}
	for _, w := range want {
		if !in(have, w) {
			missing = append(missing, w)
		}
	}
	for _, h := range have {
		if !in(want, h) {
			extra = append(extra, h)
		}
	}
	return missing, extra
}

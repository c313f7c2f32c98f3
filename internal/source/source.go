// Package source implements the chunk source: a finite, forward-only
// iterator of raw chunks pulled from a CSV endpoint or file.
//
// Two modes are supported:
//
//   - Paged HTTP (open data portals such as Socrata): one GET per chunk with
//     $limit/$offset parameters. A page with fewer rows than requested ends
//     the stream.
//   - Stream: a single byte stream (HTTP download or local file) sliced into
//     chunks of ChunkSize rows.
//
// In both modes RowLimit caps the total number of rows across all chunks,
// truncating the last chunk. Type coercion and column projection happen here,
// at the boundary, so every chunk carries schema.RawColumns with dates
// already parsed.
//
// Sources are not restartable: once Next has returned io.EOF or an error,
// every later call returns the same error.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"civicetl/internal/config"
	"civicetl/internal/datasource"
	"civicetl/internal/datasource/file"
	"civicetl/internal/datasource/httpds"
	"civicetl/internal/parser/csv"
	"civicetl/internal/schema"
	"civicetl/internal/transformer"
)

// Source yields chunks until io.EOF.
type Source interface {
	Next(ctx context.Context) (*transformer.Chunk, error)
	Close() error
}

// Config configures Open.
type Config struct {
	// Kind is "http" or "file".
	Kind string
	URL  string
	Path string

	// Paginate selects paged HTTP mode.
	Paginate    bool
	LimitParam  string
	OffsetParam string
	Order       string
	Query       map[string]string
	Headers     http.Header

	// RowLimit caps total rows; 0 means unlimited.
	RowLimit  int
	ChunkSize int

	Parser csv.Options
	Coerce transformer.CoerceSpec

	// Columns is the positional layout of produced rows and Required the
	// subset the source header must carry. Both default to
	// schema.RawColumns.
	Columns  []string
	Required []string

	HTTP httpds.Config

	// OnParseError receives malformed records that were skipped.
	OnParseError func(line int, err error)
	Logger       *zap.Logger
}

// Stats counts rows seen by a source.
type Stats struct {
	Chunks  int
	Rows    int
	Skipped int // malformed records
	Nulled  int // values nulled by failed coercion (mostly bad dates)
	Pages   int // HTTP requests issued in paged mode
}

// FromPipeline builds a Config from the pipeline document.
func FromPipeline(p config.Pipeline) Config {
	h := p.Source.HTTP
	hdr := http.Header{}
	for k, v := range h.Headers {
		hdr.Set(k, v)
	}
	if h.AppToken != "" {
		hdr.Set("X-App-Token", h.AppToken)
	}
	types := schema.RawTypes()
	layouts := p.Parser.Options.StringSlice("date_layouts")

	var loc *time.Location
	if tz := p.Parser.Options.String("timezone", ""); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	return Config{
		Kind:        p.Source.Kind,
		URL:         h.URL,
		Path:        p.Source.File.Path,
		Paginate:    h.Paginate,
		LimitParam:  h.LimitParam,
		OffsetParam: h.OffsetParam,
		Order:       h.Order,
		Query:       h.Query,
		Headers:     hdr,
		RowLimit:    p.Runtime.RowLimit,
		ChunkSize:   p.Runtime.ChunkSize,
		Parser:      csv.OptionsFrom(p.Parser.Options),
		Coerce:      transformer.CoerceSpec{Types: types, Layouts: layouts, Location: loc},
		HTTP: httpds.Config{
			Timeout:            time.Duration(h.TimeoutSeconds) * time.Second,
			MaxRetries:         h.Retries(),
			InsecureSkipVerify: h.InsecureSkipVerify,
		},
	}
}

// Open returns a Source for cfg. Nothing is fetched until the first Next, so
// header problems surface as the first chunk's error.
func Open(ctx context.Context, cfg Config) (Source, error) {
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("source: chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.RowLimit < 0 {
		return nil, fmt.Errorf("source: row limit must not be negative, got %d", cfg.RowLimit)
	}
	if len(cfg.Columns) == 0 {
		cfg.Columns = schema.RawColumns
	}
	if cfg.Required == nil {
		cfg.Required = cfg.Columns
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.LimitParam == "" {
		cfg.LimitParam = "$limit"
	}
	if cfg.OffsetParam == "" {
		cfg.OffsetParam = "$offset"
	}
	if err := transformer.ValidateSpecSanity(cfg.Columns, cfg.Coerce); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	b := base{cfg: cfg, plan: transformer.CompilePlan(cfg.Columns, cfg.Coerce)}

	switch cfg.Kind {
	case "file":
		if cfg.Path == "" {
			return nil, errors.New("source: file source requires a path")
		}
		return &streamSource{base: b, open: file.NewLocal(cfg.Path)}, nil
	case "http":
		u, err := url.Parse(cfg.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("source: invalid url %q", cfg.URL)
		}
		client := httpds.NewClient(cfg.HTTP)
		hdr := cfg.Headers.Clone()
		if hdr == nil {
			hdr = http.Header{}
		}
		if hdr.Get("Accept") == "" {
			hdr.Set("Accept", "text/csv")
		}
		if cfg.Paginate {
			return &pagedSource{base: b, client: client, url: u, headers: hdr}, nil
		}
		open := datasource.Func(func(ctx context.Context) (io.ReadCloser, error) {
			return client.Open(ctx, withQuery(u, cfg.Query).String(), hdr)
		})
		return &streamSource{base: b, open: open}, nil
	default:
		return nil, fmt.Errorf("source: unknown kind %q (want http or file)", cfg.Kind)
	}
}

// base holds what both modes share: the row budget and the terminal error.
type base struct {
	cfg   Config
	plan  transformer.Plan
	stats Stats
	err   error // sticky terminal error (io.EOF on exhaustion)
}

// want returns how many rows the next chunk may hold, or 0 when the row
// limit is reached.
func (b *base) want() int {
	n := b.cfg.ChunkSize
	if b.cfg.RowLimit > 0 {
		if rem := b.cfg.RowLimit - b.stats.Rows; rem < n {
			n = rem
		}
	}
	if n < 0 {
		return 0
	}
	return n
}

func (b *base) fail(err error) (*transformer.Chunk, error) {
	if b.err == nil {
		b.err = err
	}
	return nil, b.err
}

func (b *base) emit(c *transformer.Chunk) *transformer.Chunk {
	b.stats.Chunks++
	b.stats.Rows += c.Len()
	return c
}

// Stats returns counters accumulated so far.
func (b *base) Stats() Stats { return b.stats }

// streamSource slices one byte stream into chunks.
type streamSource struct {
	base
	open   datasource.Source
	reader *csv.ChunkReader
}

func (s *streamSource) Next(ctx context.Context) (*transformer.Chunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	want := s.want()
	if want == 0 {
		s.closeReader()
		return s.fail(io.EOF)
	}
	if s.reader == nil {
		rc, err := s.open.Open(ctx)
		if err != nil {
			return s.fail(fmt.Errorf("source: open: %w", err))
		}
		r, err := csv.NewChunkReader(rc, s.cfg.Columns, s.cfg.Required, s.cfg.Parser, s.plan, s.cfg.OnParseError)
		if err != nil {
			return s.fail(err)
		}
		s.reader = r
	}

	c := transformer.NewChunk(s.stats.Chunks+1, s.cfg.Columns, want)
	n, err := s.reader.ReadInto(ctx, c, want)
	s.syncReaderStats()
	switch {
	case err == io.EOF && n == 0:
		c.Free()
		s.closeReader()
		return s.fail(io.EOF)
	case err != nil && err != io.EOF:
		c.Free()
		s.closeReader()
		return s.fail(err)
	}
	return s.emit(c), nil
}

func (s *streamSource) syncReaderStats() {
	st := s.reader.Stats()
	s.stats.Skipped = st.Skipped
	s.stats.Nulled = st.Nulled
}

func (s *streamSource) closeReader() {
	if s.reader != nil {
		_ = s.reader.Close()
		s.reader = nil
	}
}

// Close releases the underlying stream. Later Next calls return io.EOF.
func (s *streamSource) Close() error {
	var err error
	if s.reader != nil {
		err = s.reader.Close()
		s.reader = nil
	}
	if s.err == nil {
		s.err = io.EOF
	}
	return err
}

// pagedSource issues one request per chunk.
type pagedSource struct {
	base
	client   *httpds.Client
	url      *url.URL
	headers  http.Header
	offset   int
	lastPage bool
}

func (p *pagedSource) Next(ctx context.Context) (*transformer.Chunk, error) {
	for {
		if p.err != nil {
			return nil, p.err
		}
		want := p.want()
		if want == 0 || p.lastPage {
			return p.fail(io.EOF)
		}
		c, err := p.fetch(ctx, want)
		if err != nil {
			return p.fail(err)
		}
		if c != nil {
			return p.emit(c), nil
		}
		// A full page of malformed records: move on to the next page.
	}
}

// fetch reads one page into a chunk. It returns a nil chunk when the page
// held no usable rows.
func (p *pagedSource) fetch(ctx context.Context, want int) (*transformer.Chunk, error) {
	body, err := p.client.Open(ctx, p.pageURL(want), p.headers)
	if err != nil {
		return nil, fmt.Errorf("source: fetch page offset=%d: %w", p.offset, err)
	}
	p.stats.Pages++

	r, err := csv.NewChunkReader(body, p.cfg.Columns, p.cfg.Required, p.cfg.Parser, p.plan, p.cfg.OnParseError)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	c := transformer.NewChunk(p.stats.Chunks+1, p.cfg.Columns, want)
	n, err := r.ReadInto(ctx, c, want)
	if err != nil && err != io.EOF {
		c.Free()
		return nil, fmt.Errorf("source: read page offset=%d: %w", p.offset, err)
	}
	st := r.Stats()
	p.stats.Skipped += st.Skipped
	p.stats.Nulled += st.Nulled

	served := n + st.Skipped
	p.cfg.Logger.Debug("page fetched",
		zap.Int("offset", p.offset),
		zap.Int("rows", n),
		zap.Int("skipped", st.Skipped),
	)
	p.offset += served
	if served < want {
		p.lastPage = true
	}
	if n == 0 {
		c.Free()
		if served == 0 {
			p.lastPage = true
		}
		return nil, nil
	}
	return c, nil
}

func (p *pagedSource) pageURL(limit int) string {
	u := withQuery(p.url, p.cfg.Query)
	q := u.Query()
	q.Set(p.cfg.LimitParam, strconv.Itoa(limit))
	q.Set(p.cfg.OffsetParam, strconv.Itoa(p.offset))
	if p.cfg.Order != "" {
		q.Set("$order", p.cfg.Order)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Close marks the source exhausted. Pages are closed as they are read.
func (p *pagedSource) Close() error {
	if p.err == nil {
		p.err = io.EOF
	}
	return nil
}

// withQuery returns a copy of u with extra query parameters set.
func withQuery(u *url.URL, extra map[string]string) *url.URL {
	cp := *u
	if len(extra) == 0 {
		return &cp
	}
	q := cp.Query()
	for k, v := range extra {
		q.Set(k, v)
	}
	cp.RawQuery = q.Encode()
	return &cp
}

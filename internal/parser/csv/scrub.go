package csv

import (
	"bufio"
	"bytes"
	"io"
	"sort"
)

// streamingRewriter is an io.Reader that performs a streaming, rolling
// find/replace of pat with repl without buffering the whole stream. Input is
// scanned once: matches are replaced as they are found and only the last
// len(pat)-1 raw bytes, which may begin a match, wait for the next block.
type streamingRewriter struct {
	br      *bufio.Reader
	pat     []byte
	repl    []byte
	pending []byte // unreplaced input not yet scanned to the end
	tmp     []byte
	buf     bytes.Buffer // pending output
	eof     bool
}

func newStreamingRewriter(r io.Reader, pat, repl []byte) *streamingRewriter {
	return &streamingRewriter{
		br:   bufio.NewReaderSize(r, 64*1024),
		pat:  pat,
		repl: repl,
		tmp:  make([]byte, 64*1024),
	}
}

// Read serves pending output first; when empty it pulls the next block and
// rewrites as much of the raw input as can no longer change.
func (sr *streamingRewriter) Read(p []byte) (int, error) {
	for {
		if sr.buf.Len() > 0 {
			return sr.buf.Read(p)
		}
		if sr.eof {
			return 0, io.EOF
		}

		n, rerr := sr.br.Read(sr.tmp)
		if n > 0 {
			sr.pending = append(sr.pending, sr.tmp[:n]...)
		}
		switch {
		case rerr == io.EOF:
			sr.rewrite(true)
			sr.eof = true
		case rerr != nil:
			return 0, rerr
		default:
			sr.rewrite(false)
		}
	}
}

// rewrite moves pending input to the output buffer, replacing every complete
// match. Unless final, a tail shorter than pat is held back.
func (sr *streamingRewriter) rewrite(final bool) {
	raw := sr.pending
	if len(sr.pat) > 0 && !bytes.Equal(sr.pat, sr.repl) {
		for {
			j := bytes.Index(raw, sr.pat)
			if j < 0 {
				break
			}
			sr.buf.Write(raw[:j])
			sr.buf.Write(sr.repl)
			raw = raw[j+len(sr.pat):]
		}
	}
	keep := len(sr.pat) - 1
	if final || keep < 0 {
		keep = 0
	}
	if keep > len(raw) {
		keep = len(raw)
	}
	sr.buf.Write(raw[:len(raw)-keep])
	sr.pending = append(sr.pending[:0], raw[len(raw)-keep:]...)
}

// withScrub chains one rewriter per rule, in sorted order of the patterns so
// that runs are reproducible.
func withScrub(r io.Reader, rules map[string]string) io.Reader {
	if len(rules) == 0 {
		return r
	}
	pats := make([]string, 0, len(rules))
	for p := range rules {
		if p != "" {
			pats = append(pats, p)
		}
	}
	sort.Strings(pats)
	for _, p := range pats {
		r = newStreamingRewriter(r, []byte(p), []byte(rules[p]))
	}
	return r
}

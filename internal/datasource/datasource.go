// Package datasource defines the byte-stream contract shared by the file and
// HTTP sources. Higher layers (parser, chunk source) only see io.ReadCloser.
package datasource

import (
	"context"
	"io"
)

// Source opens one readable byte stream.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Func adapts a function to Source.
type Func func(ctx context.Context) (io.ReadCloser, error)

// Open calls f.
func (f Func) Open(ctx context.Context) (io.ReadCloser, error) { return f(ctx) }

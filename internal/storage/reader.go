package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
)

// Reader opens a read-only query handle for a backend. Reporting consumers
// use it after the driver is done; it never participates in ingest.
type Reader func(ctx context.Context, dsn string) (*sqlx.DB, error)

var (
	readerMu sync.RWMutex
	readers  = map[string]Reader{}
)

// RegisterReader registers (or replaces) the read-side opener for kind.
func RegisterReader(kind string, r Reader) {
	readerMu.Lock()
	defer readerMu.Unlock()
	readers[kind] = r
}

// OpenReader opens a sqlx handle on the backend registered as kind.
func OpenReader(ctx context.Context, kind, dsn string) (*sqlx.DB, error) {
	readerMu.RLock()
	r, ok := readers[kind]
	readerMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no reader registered for storage.kind=%q", kind)
	}
	return r(ctx, dsn)
}

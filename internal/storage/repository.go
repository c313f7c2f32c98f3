// Package storage defines the sink contract used by the pipeline driver and a
// small registry that lets backends plug themselves in at init time.
//
// Callers obtain a Repository via New(ctx, Config{Kind: ...}) and never import
// a backend package directly; cmd/civicetl blank-imports storage/all.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"civicetl/internal/schema"
)

// Repository is a persistent store for the civic schema.
type Repository interface {
	// EnsureSchema creates every table in s if it does not already exist.
	// It is idempotent.
	EnsureSchema(ctx context.Context, s schema.Schema) error

	// Begin acquires a connection and opens one transactional unit. The
	// returned Tx owns the connection until Release.
	Begin(ctx context.Context) (Tx, error)

	// Close releases pooled resources.
	Close()
}

// Tx is one transactional unit scoped to a single chunk.
type Tx interface {
	// Append writes rows (in t.Columns order) into t. Each call runs inside
	// its own savepoint: on a uniqueness violation only this call's rows are
	// rolled back, a *UniqueViolationError is returned, and the Tx stays
	// usable. Any other error leaves the Tx in an undefined state and the
	// caller must Release it.
	Append(ctx context.Context, t schema.Table, rows [][]any) (int64, error)

	// Commit makes all successful Appends durable.
	Commit(ctx context.Context) error

	// Release rolls back an uncommitted unit and returns the connection to
	// the pool. It is safe to call after Commit and more than once.
	Release(ctx context.Context) error
}

// Config is the backend-agnostic repository configuration.
type Config struct {
	Kind         string
	DSN          string
	ConflictMode ConflictMode
	// MaxConns bounds the backend pool. Zero keeps the driver default.
	MaxConns int
	Logger   *zap.Logger
}

// Factory constructs a Repository for a given Config.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind. Registering the same kind
// twice replaces the previous factory.
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = f
}

// New constructs the Repository registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	regMu.RLock()
	f, ok := factories[cfg.Kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ConflictMode == "" {
		cfg.ConflictMode = ConflictReject
	}
	return f(ctx, cfg)
}

// ListKinds returns the registered backend kinds in sorted order.
func ListKinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package storage

import (
	"fmt"
	"sync"

	"civicetl/internal/schema"
)

// DDLFunc renders the statements that create s for one backend. Statements
// must be idempotent (IF NOT EXISTS or an equivalent guard).
type DDLFunc func(s schema.Schema) ([]string, error)

var (
	ddlMu  sync.RWMutex
	ddlFns = map[string]DDLFunc{}
)

// RegisterDDL registers (or replaces) the DDL renderer for kind. Backends
// call it from init next to Register.
func RegisterDDL(kind string, fn DDLFunc) {
	ddlMu.Lock()
	defer ddlMu.Unlock()
	ddlFns[kind] = fn
}

// DDL renders the create statements for s on the backend registered as kind.
// Callers that only want to print or review the schema do not need a live
// connection.
func DDL(kind string, s schema.Schema) ([]string, error) {
	ddlMu.RLock()
	fn, ok := ddlFns[kind]
	ddlMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no DDL registered for storage.kind=%q", kind)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return fn(s)
}

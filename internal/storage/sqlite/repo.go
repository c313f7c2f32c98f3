// Package sqlite implements a SQLite-backed storage.Repository using
// database/sql and the pure-Go modernc.org/sqlite driver. SQLite has no bulk
// load API; multi-row INSERTs inside the chunk transaction keep throughput
// acceptable for moderate volumes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"civicetl/internal/ddl"
	"civicetl/internal/schema"
	"civicetl/internal/storage/sqldb"
)

// maxParams is SQLITE_MAX_VARIABLE_NUMBER for SQLite >= 3.32.
const maxParams = 32766

// Dialect is the database/sql dialect for SQLite.
var Dialect = sqldb.Dialect{
	Kind:              "sqlite",
	Flavor:            sqlbuilder.SQLite,
	MaxParams:         maxParams,
	IsUniqueViolation: isUniqueViolation,
}.ANSISavepoints()

// DDLDialect renders REFERENCES clauses; the connection leaves
// foreign_keys off so they are not enforced at write time.
var DDLDialect = ddl.Dialect{
	Quote:      ddl.QuoteANSI,
	MapType:    mapType,
	References: true,
}

func mapType(k schema.Kind, _ bool) string {
	if k == schema.KindTimestamp {
		return "DATETIME"
	}
	return "TEXT"
}

// Open opens a SQLite database and fails fast on unusable DSNs.
//
// DSN is passed directly to database/sql; for example:
//
//	"file:civic.db?_pragma=busy_timeout(5000)"
//	"civic.db"
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer; the chunk unit pins the only connection.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return db, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

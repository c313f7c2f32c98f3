// Package mysql implements a MySQL-backed storage.Repository using
// database/sql and github.com/go-sql-driver/mysql.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/huandu/go-sqlbuilder"

	"civicetl/internal/ddl"
	"civicetl/internal/schema"
	"civicetl/internal/storage/sqldb"
)

// MySQL caps prepared statement placeholders at 65535.
const maxParams = 65535

// Dialect is the database/sql dialect for MySQL.
var Dialect = sqldb.Dialect{
	Kind:              "mysql",
	Flavor:            sqlbuilder.MySQL,
	MaxParams:         maxParams,
	IsUniqueViolation: isUniqueViolation,
}.ANSISavepoints()

// DDLDialect bounds key columns to VARCHAR(255) (TEXT cannot be a key
// without a prefix length) and declares the location_id index inline since
// MySQL has no CREATE INDEX IF NOT EXISTS.
var DDLDialect = ddl.Dialect{
	Quote:            quoteIdent,
	MapType:          mapType,
	IndexForeignKeys: true,
	InlineIndexes:    true,
}

func mapType(k schema.Kind, key bool) string {
	switch {
	case k == schema.KindTimestamp:
		return "DATETIME"
	case key:
		return "VARCHAR(255)"
	default:
		return "TEXT"
	}
}

// NormalizeDSN parses dsn and forces parseTime so DATETIME columns scan
// into time.Time.
func NormalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// Open opens a pool and pings it.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	norm, err := NormalizeDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", norm)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// isUniqueViolation matches ER_DUP_ENTRY.
func isUniqueViolation(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func quoteIdent(id string) string {
	return sqlbuilder.MySQL.Quote(id)
}

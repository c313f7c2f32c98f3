package sqlite

import (
	"context"

	"github.com/jmoiron/sqlx"

	"civicetl/internal/ddl"
	"civicetl/internal/schema"
	"civicetl/internal/storage"
	"civicetl/internal/storage/sqldb"
)

// openDB is a test hook that points to Open by default.
var openDB = Open

// init registers the "sqlite" backend, its DDL renderer, and its read-side
// opener with the storage package.
func init() {
	storage.Register("sqlite", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		db, err := openDB(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return sqldb.New(db, Dialect, cfg), nil
	})

	storage.RegisterDDL("sqlite", func(s schema.Schema) ([]string, error) {
		return ddl.Build(DDLDialect, s)
	})

	storage.RegisterReader("sqlite", func(ctx context.Context, dsn string) (*sqlx.DB, error) {
		db, err := openDB(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return sqlx.NewDb(db, "sqlite"), nil
	})
}

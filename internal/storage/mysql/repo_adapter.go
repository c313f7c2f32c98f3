package mysql

import (
	"context"

	"github.com/jmoiron/sqlx"

	"civicetl/internal/ddl"
	"civicetl/internal/schema"
	"civicetl/internal/storage"
	"civicetl/internal/storage/sqldb"
)

// openDB is a test hook that points to Open by default.
// Tests may replace this variable to avoid real DB connections.
var openDB = Open

// init registers the "mysql" backend with the factory.
func init() {
	storage.Register("mysql", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		db, err := openDB(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		}
		return sqldb.New(db, Dialect, cfg), nil
	})
	storage.RegisterDDL("mysql", func(s schema.Schema) ([]string, error) {
		return ddl.Build(DDLDialect, s)
	})
	storage.RegisterReader("mysql", func(ctx context.Context, dsn string) (*sqlx.DB, error) {
		db, err := openDB(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return sqlx.NewDb(db, "mysql"), nil
	})
}

// Package all wires all built-in storage backends into the storage factory.
//
// This package exists purely for side effects: importing it (even as a blank
// import) runs the init functions of each concrete backend, which register
// their factories, DDL renderers and read-side openers with the storage
// package.
//
// Importing this package makes the following storage kinds available:
//
//   - "postgres" (civicetl/internal/storage/postgres)
//   - "sqlite"   (civicetl/internal/storage/sqlite)
//   - "mysql"    (civicetl/internal/storage/mysql)
//   - "mssql"    (civicetl/internal/storage/mssql)
//
// Typical usage (in cmd/civicetl):
//
//	import _ "civicetl/internal/storage/all"
//
//	repo, err := storage.New(ctx, storage.Config{
//	    Kind: spec.Storage.Kind,
//	    DSN:  spec.Storage.DB.DSN,
//	})
//
// A binary that needs only a subset of backends can import the backend
// packages directly instead.
package all

import (
	_ "civicetl/internal/storage/mssql"
	_ "civicetl/internal/storage/mysql"
	_ "civicetl/internal/storage/postgres"
	_ "civicetl/internal/storage/sqlite"
)

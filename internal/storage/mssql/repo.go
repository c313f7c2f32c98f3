// Package mssql implements a Microsoft SQL Server storage.Repository. Reject
// mode streams rows through the go-mssqldb bulk copy API; ignore mode uses a
// MERGE that only inserts keys not already present.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"civicetl/internal/ddl"
	"civicetl/internal/schema"
	"civicetl/internal/storage"
	"civicetl/internal/storage/sqldb"
)

// SQL Server allows 2100 parameters per request; keep headroom for the
// driver's own.
const maxParams = 2000

// Dialect is the database/sql dialect for SQL Server.
var Dialect = sqldb.Dialect{
	Kind:              "mssql",
	Flavor:            sqlbuilder.SQLServer,
	MaxParams:         maxParams,
	Savepoint:         func(n string) string { return "SAVE TRANSACTION " + n },
	RollbackTo:        func(n string) string { return "ROLLBACK TRANSACTION " + n },
	IsUniqueViolation: isUniqueViolation,
	Insert:            insert,
}

// DDLDialect wraps CREATE TABLE in an OBJECT_ID guard since T-SQL has no
// CREATE TABLE IF NOT EXISTS, and indexes location_id for joins.
var DDLDialect = ddl.Dialect{
	Quote:            msIdent,
	MapType:          mapType,
	IndexForeignKeys: true,
	GuardTable: func(table, stmt string) string {
		return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL\nBEGIN\n%s;\nEND", msIdent(table), stmt)
	},
	CreateIndex: func(table string, idx ddl.IndexDef, q func(string) string) string {
		cols := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			cols[i] = q(c)
		}
		return fmt.Sprintf(
			"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s'))\n  CREATE INDEX %s ON %s (%s)",
			idx.Name, q(table), q(idx.Name), q(table), strings.Join(cols, ", "),
		)
	},
}

func mapType(k schema.Kind, key bool) string {
	switch {
	case k == schema.KindTimestamp:
		return "DATETIME2"
	case key:
		// Index keys are limited to 900 bytes.
		return "NVARCHAR(255)"
	default:
		return "NVARCHAR(MAX)"
	}
}

// Open validates the DSN and opens a pool.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	// Validate DSN early to fail fast on obvious mistakes.
	if _, err := msdsn.Parse(dsn); err != nil {
		return nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

func insert(ctx context.Context, tx *sql.Tx, t schema.Table, mode storage.ConflictMode, rows [][]any) (int64, error) {
	if mode == storage.ConflictIgnore {
		cols := t.ColumnNames()
		size := storage.BatchSize(maxParams, len(cols), sqldb.DefaultBatchRows)
		return storage.LoadBatches(ctx, nil, cols, rows, size,
			func(ctx context.Context, cols []string, batch [][]any) (int64, error) {
				query, args := buildMerge(t, batch)
				res, err := tx.ExecContext(ctx, query, args...)
				if err != nil {
					return 0, err
				}
				return res.RowsAffected()
			})
	}
	return bulkCopy(ctx, tx, t, rows)
}

// bulkCopy inserts rows through the TDS bulk load protocol.
func bulkCopy(ctx context.Context, tx *sql.Tx, t schema.Table, rows [][]any) (int64, error) {
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(t.Name, mssql.BulkOptions{}, t.ColumnNames()...))
	if err != nil {
		return 0, fmt.Errorf("prepare bulk: %w", err)
	}
	for i := range rows {
		if _, err := stmt.ExecContext(ctx, rows[i]...); err != nil {
			_ = stmt.Close()
			return 0, fmt.Errorf("bulk row %d: %w", i, err)
		}
	}
	res, err := stmt.ExecContext(ctx)
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("bulk finalize: %w", err)
	}
	return res.RowsAffected()
}

// buildMerge renders a MERGE that inserts only the rows whose primary key is
// not already present.
func buildMerge(t schema.Table, rows [][]any) (string, []any) {
	cols := t.ColumnNames()
	quoted := mapIdent(cols)

	var sb strings.Builder
	args := make([]any, 0, len(rows)*len(cols))
	fmt.Fprintf(&sb, "MERGE INTO %s WITH (HOLDLOCK) AS tgt USING (VALUES ", msIdent(t.Name))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			args = append(args, v)
			fmt.Fprintf(&sb, "@p%d", len(args))
		}
		sb.WriteByte(')')
	}
	fmt.Fprintf(&sb, ") AS src (%s) ON ", strings.Join(quoted, ", "))
	for i, k := range t.PrimaryKey {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(&sb, "tgt.%s = src.%s", msIdent(k), msIdent(k))
	}
	src := make([]string, len(quoted))
	for i, c := range quoted {
		src[i] = "src." + c
	}
	fmt.Fprintf(&sb, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		strings.Join(quoted, ", "), strings.Join(src, ", "))
	return sb.String(), args
}

// isUniqueViolation matches primary key (2627) and unique index (2601)
// violations.
func isUniqueViolation(err error) bool {
	var me mssql.Error
	if errors.As(err, &me) {
		return me.Number == 2627 || me.Number == 2601
	}
	var mp *mssql.Error
	if errors.As(err, &mp) {
		return mp.Number == 2627 || mp.Number == 2601
	}
	return false
}

// msIdent safely quotes a SQL Server identifier using [brackets], escaping ].
func msIdent(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }

// mapIdent maps a list of column names to their bracket-quoted forms.
func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = msIdent(c)
	}
	return out
}

// Package sqldb implements storage.Repository and storage.Tx on top of
// database/sql. Backends that speak database/sql (sqlite, mysql, mssql)
// supply a Dialect; the transactional unit, savepoint handling and
// parameter-budget batching are shared.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"civicetl/internal/schema"
	"civicetl/internal/storage"
)

// DefaultBatchRows caps the rows in one INSERT statement even when the
// parameter budget would allow more.
const DefaultBatchRows = 1000

// InsertFunc writes rows into t inside tx and returns the rows affected.
type InsertFunc func(ctx context.Context, tx *sql.Tx, t schema.Table, mode storage.ConflictMode, rows [][]any) (int64, error)

// Dialect describes one database/sql backend.
type Dialect struct {
	// Kind is the storage kind, used to look up DDL.
	Kind string

	// Flavor renders INSERT statements with the right placeholders.
	Flavor sqlbuilder.Flavor

	// MaxParams is the bind-parameter budget for one statement.
	MaxParams int

	Savepoint        func(name string) string
	RollbackTo       func(name string) string
	ReleaseSavepoint func(name string) string // nil when the dialect has no release

	// IsUniqueViolation classifies a driver error.
	IsUniqueViolation func(error) bool

	// Insert overrides the default multi-row INSERT path.
	Insert InsertFunc
}

// ANSISavepoints fills in SAVEPOINT / ROLLBACK TO / RELEASE.
func (d Dialect) ANSISavepoints() Dialect {
	d.Savepoint = func(n string) string { return "SAVEPOINT " + n }
	d.RollbackTo = func(n string) string { return "ROLLBACK TO SAVEPOINT " + n }
	d.ReleaseSavepoint = func(n string) string { return "RELEASE SAVEPOINT " + n }
	return d
}

// Repository is a storage.Repository over a *sql.DB.
type Repository struct {
	db        *sql.DB
	d         Dialect
	mode      storage.ConflictMode
	log       *zap.Logger
	batchRows int
}

var _ storage.Repository = (*Repository)(nil)

// New wraps db. The Repository owns db and closes it on Close.
func New(db *sql.DB, d Dialect, cfg storage.Config) *Repository {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	mode := cfg.ConflictMode
	if mode == "" {
		mode = storage.ConflictReject
	}
	return &Repository{
		db:        db,
		d:         d,
		mode:      mode,
		log:       log.With(zap.String("storage", d.Kind)),
		batchRows: DefaultBatchRows,
	}
}

// DB exposes the pool for tests and read paths.
func (r *Repository) DB() *sql.DB { return r.db }

// EnsureSchema applies the registered DDL for the dialect's kind.
func (r *Repository) EnsureSchema(ctx context.Context, s schema.Schema) error {
	stmts, err := storage.DDL(r.d.Kind, s)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Begin pins one connection and opens a transaction on it.
func (r *Repository) Begin(ctx context.Context) (storage.Tx, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("begin tx: %w", err), conn.Close())
	}
	return &Tx{r: r, conn: conn, tx: tx}, nil
}

// Close closes the pool.
func (r *Repository) Close() { _ = r.db.Close() }

// Tx is one chunk-scoped unit on a pinned connection.
type Tx struct {
	r         *Repository
	conn      *sql.Conn
	tx        *sql.Tx
	committed bool
	released  bool
}

// Append writes rows into t inside a savepoint named after the table.
func (t *Tx) Append(ctx context.Context, tbl schema.Table, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if t.committed || t.released {
		return 0, errors.New("append on finished transaction")
	}
	sp := savepointName(tbl.Name)
	if _, err := t.tx.ExecContext(ctx, t.r.d.Savepoint(sp)); err != nil {
		return 0, fmt.Errorf("savepoint %s: %w", sp, err)
	}

	insert := t.r.d.Insert
	if insert == nil {
		insert = t.r.insert
	}
	n, err := insert(ctx, t.tx, tbl, t.r.mode, rows)
	if err != nil {
		if t.r.d.IsUniqueViolation(err) {
			if _, rbErr := t.tx.ExecContext(ctx, t.r.d.RollbackTo(sp)); rbErr != nil {
				return 0, fmt.Errorf("rollback to %s after %v: %w", sp, err, rbErr)
			}
			return 0, &storage.UniqueViolationError{Table: tbl.Name, Err: err}
		}
		return n, fmt.Errorf("append %s: %w", tbl.Name, err)
	}
	if t.r.d.ReleaseSavepoint != nil {
		if _, err := t.tx.ExecContext(ctx, t.r.d.ReleaseSavepoint(sp)); err != nil {
			return n, fmt.Errorf("release %s: %w", sp, err)
		}
	}
	return n, nil
}

// Commit commits the unit. The connection stays pinned until Release.
func (t *Tx) Commit(context.Context) error {
	if t.released {
		return errors.New("commit on released transaction")
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	t.committed = true
	return nil
}

// Release rolls back an uncommitted unit and returns the connection.
func (t *Tx) Release(context.Context) error {
	if t.released {
		return nil
	}
	t.released = true
	var err error
	if !t.committed {
		if rbErr := t.tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = multierr.Append(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}
	return multierr.Append(err, t.conn.Close())
}

// insert is the default path: multi-row INSERT statements rendered by
// go-sqlbuilder, split to respect the parameter budget.
func (r *Repository) insert(ctx context.Context, tx *sql.Tx, tbl schema.Table, mode storage.ConflictMode, rows [][]any) (int64, error) {
	cols := tbl.ColumnNames()
	size := storage.BatchSize(r.d.MaxParams, len(cols), r.batchRows)
	return storage.LoadBatches(ctx, r.log, cols, rows, size,
		func(ctx context.Context, cols []string, batch [][]any) (int64, error) {
			query, args := BuildInsert(r.d.Flavor, tbl.Name, cols, mode, batch)
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return 0, err
			}
			return res.RowsAffected()
		})
}

// BuildInsert renders one multi-row INSERT for flavor. Ignore mode uses the
// flavor's insert-ignore form.
func BuildInsert(flavor sqlbuilder.Flavor, table string, cols []string, mode storage.ConflictMode, rows [][]any) (string, []any) {
	ib := flavor.NewInsertBuilder()
	if mode == storage.ConflictIgnore {
		ib.InsertIgnoreInto(flavor.Quote(table))
	} else {
		ib.InsertInto(flavor.Quote(table))
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = flavor.Quote(c)
	}
	ib.Cols(quoted...)
	for _, row := range rows {
		ib.Values(row...)
	}
	return ib.Build()
}

func savepointName(table string) string {
	var b strings.Builder
	b.WriteString("sp_")
	for _, r := range table {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

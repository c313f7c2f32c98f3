// Package postgres implements a Postgres repository using pgx v5. Each chunk
// runs on one pooled connection; each table write is a nested pgx
// transaction (a savepoint) that uses COPY in reject mode and
// INSERT ... ON CONFLICT DO NOTHING in ignore mode.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"civicetl/internal/ddl"
	"civicetl/internal/schema"
	"civicetl/internal/storage"
	"civicetl/internal/storage/sqldb"
)

// uniqueViolation is SQLSTATE unique_violation.
const uniqueViolation = "23505"

// Postgres caps bind parameters at 65535 per statement.
const maxParams = 65535

// DDLDialect renders standard IF NOT EXISTS DDL and indexes location_id.
var DDLDialect = ddl.Dialect{
	Quote:            pgIdent,
	MapType:          mapType,
	IndexForeignKeys: true,
}

func mapType(k schema.Kind, _ bool) string {
	if k == schema.KindTimestamp {
		return "TIMESTAMP"
	}
	return "TEXT"
}

// Config holds Postgres repository configuration.
type Config struct {
	DSN          string // connection string for pgxpool
	ConflictMode storage.ConflictMode
	MaxConns     int32
	Logger       *zap.Logger
}

// Repository is a Postgres-backed implementation of storage.Repository.
type Repository struct {
	pool *pgxpool.Pool
	cfg  Config
	log  *zap.Logger
}

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{pool: pool, cfg: cfg, log: log.With(zap.String("storage", "postgres"))}, pool.Close, nil
}

// EnsureSchema applies the postgres DDL.
func (r *Repository) EnsureSchema(ctx context.Context, s schema.Schema) error {
	stmts, err := storage.DDL("postgres", s)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Begin acquires a pooled connection and opens a transaction on it.
func (r *Repository) Begin(ctx context.Context) (storage.Tx, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &unit{r: r, conn: conn, tx: tx}, nil
}

// unit is one chunk-scoped transaction on a pinned connection.
type unit struct {
	r         *Repository
	conn      *pgxpool.Conn
	tx        pgx.Tx
	committed bool
	released  bool
}

func (u *unit) Append(ctx context.Context, t schema.Table, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if u.committed || u.released {
		return 0, errors.New("append on finished transaction")
	}
	// A nested Begin is a SAVEPOINT.
	sp, err := u.tx.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("savepoint: %w", err)
	}

	var n int64
	if u.r.cfg.ConflictMode == storage.ConflictIgnore {
		n, err = u.insertIgnore(ctx, sp, t, rows)
	} else {
		n, err = sp.CopyFrom(ctx, pgx.Identifier{t.Name}, t.ColumnNames(), pgx.CopyFromRows(rows))
	}
	if err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return 0, fmt.Errorf("rollback savepoint after %v: %w", err, rbErr)
		}
		if isUniqueViolation(err) {
			return 0, &storage.UniqueViolationError{Table: t.Name, Err: err}
		}
		return 0, fmt.Errorf("append %s: %w", t.Name, describe(err))
	}
	if err := sp.Commit(ctx); err != nil {
		return n, fmt.Errorf("release savepoint: %w", err)
	}
	return n, nil
}

func (u *unit) insertIgnore(ctx context.Context, tx pgx.Tx, t schema.Table, rows [][]any) (int64, error) {
	cols := t.ColumnNames()
	size := storage.BatchSize(maxParams, len(cols), sqldb.DefaultBatchRows)
	return storage.LoadBatches(ctx, u.r.log, cols, rows, size,
		func(ctx context.Context, cols []string, batch [][]any) (int64, error) {
			query, args := sqldb.BuildInsert(sqlbuilder.PostgreSQL, t.Name, cols, storage.ConflictIgnore, batch)
			tag, err := tx.Exec(ctx, query, args...)
			if err != nil {
				return 0, err
			}
			return tag.RowsAffected(), nil
		})
}

func (u *unit) Commit(ctx context.Context) error {
	if u.released {
		return errors.New("commit on released transaction")
	}
	if err := u.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	u.committed = true
	return nil
}

func (u *unit) Release(ctx context.Context) error {
	if u.released {
		return nil
	}
	u.released = true
	defer u.conn.Release()
	if u.committed {
		return nil
	}
	if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// describe surfaces the server's detail text, which pgx leaves out of Error().
func describe(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Detail != "" {
		return fmt.Errorf("%w (%s)", err, pgErr.Detail)
	}
	return err
}

// pgIdent safely quotes a single identifier segment for Postgres.
func pgIdent(id string) string { return ddl.QuoteANSI(id) }

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"civicetl/internal/schema"
	"civicetl/internal/storage"
)

// Test that init() registration works and that storage.New constructs the repo
// via our adapter. We stub newRepository to avoid a real DB connection.
func TestAdapterRegistrationAndClose(t *testing.T) {
	orig := newRepository
	defer func() { newRepository = orig }()

	var gotCfg Config
	var closed int32
	newRepository = func(ctx context.Context, cfg Config) (*Repository, func(), error) {
		gotCfg = cfg
		// Return a zero-value Repository; tests won't invoke its DB methods.
		return &Repository{}, func() { atomic.AddInt32(&closed, 1) }, nil
	}

	repo, err := storage.New(context.Background(), storage.Config{
		Kind:         "postgres",
		DSN:          "postgres://civic@localhost/civic",
		ConflictMode: storage.ConflictIgnore,
		MaxConns:     4,
	})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	if gotCfg.DSN != "postgres://civic@localhost/civic" || gotCfg.MaxConns != 4 || gotCfg.ConflictMode != storage.ConflictIgnore {
		t.Fatalf("cfg = %+v", gotCfg)
	}
	if gotCfg.Logger == nil {
		t.Fatal("logger not passed through")
	}

	repo.Close()
	repo.Close()
	if got := atomic.LoadInt32(&closed); got != 2 {
		t.Fatalf("close calls = %d, want 2", got)
	}
}

func TestAdapterPropagatesError(t *testing.T) {
	orig := newRepository
	defer func() { newRepository = orig }()

	want := errors.New("no route to host")
	newRepository = func(context.Context, Config) (*Repository, func(), error) { return nil, nil, want }

	if _, err := storage.New(context.Background(), storage.Config{Kind: "postgres"}); !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestPostgresDDL(t *testing.T) {
	t.Parallel()

	stmts, err := storage.DDL("postgres", schema.CivicSchema())
	if err != nil {
		t.Fatalf("DDL: %v", err)
	}
	if len(stmts) != 3 {
		t.Fatalf("got %d statements, want 3", len(stmts))
	}
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "incident"`,
		`"created_date" TIMESTAMP`,
		`"location_id" TEXT NOT NULL`,
	} {
		if !strings.Contains(stmts[1], want) {
			t.Errorf("incident DDL missing %q:\n%s", want, stmts[1])
		}
	}
	if want := `CREATE INDEX IF NOT EXISTS "idx_incident_location_id" ON "incident" ("location_id")`; stmts[2] != want {
		t.Errorf("index = %s", stmts[2])
	}
}

func TestNewRepository_BadDSN(t *testing.T) {
	t.Parallel()

	if _, _, err := NewRepository(context.Background(), Config{DSN: "postgres://host:notaport/db"}); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	dup := fmt.Errorf("copy: %w", &pgconn.PgError{Code: "23505", Detail: "Key (id)=(x) already exists."})
	if !isUniqueViolation(dup) {
		t.Fatal("23505 not classified")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("23503 classified as unique violation")
	}
	if got := describe(dup).Error(); !strings.Contains(got, "already exists") {
		t.Fatalf("describe = %q", got)
	}
}

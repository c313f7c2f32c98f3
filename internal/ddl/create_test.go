package ddl

import (
	"strconv"
	"strings"
	"testing"

	"civicetl/internal/schema"
)

func textOnly(k schema.Kind, key bool) string {
	if k == schema.KindTimestamp {
		return "TIMESTAMP"
	}
	if key {
		return "VARCHAR(255)"
	}
	return "TEXT"
}

// TestBuildCreateTableSQL verifies the rendered statement and the errors for
// invalid definitions.
func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	plain := Dialect{MapType: textOnly}

	tests := []struct {
		name        string
		dialect     Dialect
		def         TableDef
		wantSQL     string
		errContains string
	}{
		{
			name:        "empty FQN returns error",
			dialect:     plain,
			def:         TableDef{Columns: []ColumnDef{{Name: "id", SQLType: "INT"}}},
			errContains: "table FQN must not be empty",
		},
		{
			name:        "no columns returns error",
			dialect:     plain,
			def:         TableDef{FQN: "t"},
			errContains: "at least one column is required",
		},
		{
			name:        "column with empty name returns error",
			dialect:     plain,
			def:         TableDef{FQN: "t", Columns: []ColumnDef{{SQLType: "INT"}}},
			errContains: "column with empty name",
		},
		{
			name:        "column with empty type returns error",
			dialect:     plain,
			def:         TableDef{FQN: "t", Columns: []ColumnDef{{Name: "id"}}},
			errContains: "missing SQLType",
		},
		{
			name:    "nullable and not-null columns with primary key",
			dialect: plain,
			def: TableDef{FQN: "t", Columns: []ColumnDef{
				{Name: "id", SQLType: "TEXT", PrimaryKey: true},
				{Name: "name", SQLType: "TEXT", Nullable: true},
			}},
			wantSQL: "CREATE TABLE IF NOT EXISTS \"t\" (\n  \"id\" TEXT NOT NULL,\n  \"name\" TEXT,\n  PRIMARY KEY (\"id\")\n)",
		},
		{
			name:    "reference constraint",
			dialect: plain,
			def: TableDef{
				FQN:        "child",
				Columns:    []ColumnDef{{Name: "pid", SQLType: "TEXT"}},
				References: []ReferenceDef{{Columns: []string{"pid"}, RefTable: "parent", RefColumns: []string{"id"}}},
			},
			wantSQL: "CREATE TABLE IF NOT EXISTS \"child\" (\n  \"pid\" TEXT NOT NULL,\n  FOREIGN KEY (\"pid\") REFERENCES \"parent\" (\"id\")\n)",
		},
		{
			name: "guard and inline index",
			dialect: Dialect{
				MapType:       textOnly,
				Quote:         func(s string) string { return "`" + s + "`" },
				InlineIndexes: true,
				GuardTable:    func(table, stmt string) string { return "-- " + table + "\n" + stmt },
			},
			def: TableDef{
				FQN:     "t",
				Columns: []ColumnDef{{Name: "k", SQLType: "VARCHAR(255)", Nullable: true}},
				Indexes: []IndexDef{{Name: "idx_t_k", Columns: []string{"k"}}},
			},
			wantSQL: "-- t\nCREATE TABLE `t` (\n  `k` VARCHAR(255),\n  INDEX `idx_t_k` (`k`)\n)",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := BuildCreateTableSQL(tt.dialect, tt.def)
			if tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("err=%v, want containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.wantSQL {
				t.Fatalf("SQL mismatch\n got: %q\nwant: %q", got, tt.wantSQL)
			}
		})
	}
}

func TestFromTable_ForeignKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		dialect  Dialect
		wantRefs int
		wantIdx  int
	}{
		{"unenforced fk omitted", Dialect{MapType: textOnly}, 0, 0},
		{"references rendered", Dialect{MapType: textOnly, References: true}, 1, 0},
		{"fk indexed", Dialect{MapType: textOnly, IndexForeignKeys: true}, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			td := FromTable(tt.dialect, schema.IncidentTable)
			if len(td.References) != tt.wantRefs || len(td.Indexes) != tt.wantIdx {
				t.Fatalf("refs=%d idx=%d, want %d/%d", len(td.References), len(td.Indexes), tt.wantRefs, tt.wantIdx)
			}
			if tt.wantIdx == 1 && td.Indexes[0].Name != "idx_incident_location_id" {
				t.Fatalf("index name %q", td.Indexes[0].Name)
			}
		})
	}

	td := FromTable(Dialect{MapType: textOnly}, schema.IncidentTable)
	for _, c := range td.Columns {
		switch c.Name {
		case "incident_id", "location_id":
			if c.SQLType != "VARCHAR(255)" || c.Nullable {
				t.Fatalf("%s: %+v", c.Name, c)
			}
		case "created_date", "closed_date":
			if c.SQLType != "TIMESTAMP" || !c.Nullable {
				t.Fatalf("%s: %+v", c.Name, c)
			}
		}
		if c.PrimaryKey != (c.Name == "incident_id") {
			t.Fatalf("%s: PrimaryKey=%v", c.Name, c.PrimaryKey)
		}
	}
}

func TestBuild_Order(t *testing.T) {
	t.Parallel()

	stmts, err := Build(Dialect{MapType: textOnly, IndexForeignKeys: true}, schema.CivicSchema())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(stmts) != 3 {
		t.Fatalf("got %d statements, want 3: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[0], `"locations"`) || !strings.Contains(stmts[1], `"incident"`) {
		t.Fatalf("unexpected order: %q", stmts)
	}
	want := `CREATE INDEX IF NOT EXISTS "idx_incident_location_id" ON "incident" ("location_id")`
	if stmts[2] != want {
		t.Fatalf("index stmt\n got: %s\nwant: %s", stmts[2], want)
	}

	if _, err := Build(Dialect{}, schema.CivicSchema()); err == nil {
		t.Fatal("expected error for dialect without MapType")
	}
}

func TestQuoteANSI(t *testing.T) {
	t.Parallel()
	if got := QuoteANSI(`we"ird`); got != `"we""ird"` {
		t.Fatalf("QuoteANSI=%s", got)
	}
}

// benchmarkSink prevents the compiler from optimizing away results.
var benchmarkSink string

// BenchmarkBuildCreateTableSQL_LargeSchema measures rendering of a wide table.
func BenchmarkBuildCreateTableSQL_LargeSchema(b *testing.B) {
	cols := make([]ColumnDef, 0, 64)
	for i := 0; i < 64; i++ {
		cols = append(cols, ColumnDef{Name: "col_" + strconv.Itoa(i), SQLType: "TEXT", Nullable: true})
	}
	def := TableDef{FQN: "large_table", Columns: cols}
	d := Dialect{MapType: textOnly}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sql, err := BuildCreateTableSQL(d, def)
		if err != nil {
			b.Fatalf("BuildCreateTableSQL() error = %v", err)
		}
		benchmarkSink = sql
	}
}

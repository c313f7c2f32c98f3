// Package ddl renders idempotent CREATE statements from the declarative
// schema descriptor. Each storage backend supplies a Dialect (quoting, type
// mapping, existence guards); the rendering rules are shared.
package ddl

import (
	"fmt"
	"strings"

	"civicetl/internal/schema"
)

// Dialect captures what differs between backends when rendering DDL.
type Dialect struct {
	// Quote quotes a single identifier.
	Quote func(string) string

	// MapType returns the SQL type for a column kind. key is true when the
	// column takes part in a primary or foreign key, since some dialects
	// cannot index unbounded text.
	MapType func(k schema.Kind, key bool) string

	// GuardTable wraps a plain CREATE TABLE statement so that it is a no-op
	// when the table exists. Nil means "CREATE TABLE IF NOT EXISTS".
	GuardTable func(table, stmt string) string

	// References renders REFERENCES clauses for foreign keys that are not
	// enforced at write time. Enforced foreign keys are always rendered.
	References bool

	// IndexForeignKeys adds a secondary index on every foreign key.
	IndexForeignKeys bool

	// InlineIndexes renders indexes inside CREATE TABLE instead of as
	// separate statements (for dialects without CREATE INDEX IF NOT EXISTS).
	InlineIndexes bool

	// CreateIndex renders one idempotent CREATE INDEX statement. Nil means
	// "CREATE INDEX IF NOT EXISTS".
	CreateIndex func(table string, idx IndexDef, quote func(string) string) string
}

// FromTable converts a descriptor table into a TableDef for d.
func FromTable(d Dialect, t schema.Table) TableDef {
	td := TableDef{FQN: t.Name}
	for _, c := range t.Columns {
		td.Columns = append(td.Columns, ColumnDef{
			Name:       c.Name,
			SQLType:    d.MapType(c.Kind, t.IsKey(c.Name)),
			Nullable:   !c.NotNull,
			PrimaryKey: contains(t.PrimaryKey, c.Name),
		})
	}
	for _, fk := range t.ForeignKeys {
		if fk.Enforced || d.References {
			td.References = append(td.References, ReferenceDef{
				Columns:    fk.Columns,
				RefTable:   fk.RefTable,
				RefColumns: fk.RefColumns,
			})
		}
		if d.IndexForeignKeys {
			td.Indexes = append(td.Indexes, IndexDef{
				Name:    "idx_" + t.Name + "_" + strings.Join(fk.Columns, "_"),
				Columns: fk.Columns,
			})
		}
	}
	return td
}

// BuildCreateTableSQL renders an idempotent CREATE TABLE statement.
//
// Rules:
//
//   - t.FQN must be non-empty.
//   - Each column must have a non-empty Name and SQLType.
//   - A column is rendered as <Name> <SQLType> [NOT NULL].
//   - Primary key columns are collected into a PRIMARY KEY (...) constraint.
//   - References follow as FOREIGN KEY (...) REFERENCES t (...) constraints.
//   - With InlineIndexes, indexes follow as INDEX name (...) entries.
func BuildCreateTableSQL(d Dialect, t TableDef) (string, error) {
	fqn := strings.TrimSpace(t.FQN)
	if fqn == "" {
		return "", fmt.Errorf("ddl: table FQN must not be empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("ddl: at least one column is required")
	}
	q := d.quote()

	cols := make([]string, 0, len(t.Columns)+2)
	pks := make([]string, 0, 1)
	for _, c := range t.Columns {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return "", fmt.Errorf("ddl: column with empty name in table %s", fqn)
		}
		typ := strings.TrimSpace(c.SQLType)
		if typ == "" {
			return "", fmt.Errorf("ddl: column %s missing SQLType", name)
		}
		def := q(name) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
		if c.PrimaryKey {
			pks = append(pks, q(name))
		}
	}
	if len(pks) > 0 {
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pks, ", ")))
	}
	for _, r := range t.References {
		cols = append(cols, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			joinQuoted(q, r.Columns), q(r.RefTable), joinQuoted(q, r.RefColumns)))
	}
	if d.InlineIndexes {
		for _, idx := range t.Indexes {
			cols = append(cols, fmt.Sprintf("INDEX %s (%s)", q(idx.Name), joinQuoted(q, idx.Columns)))
		}
	}

	body := fmt.Sprintf("(\n  %s\n)", strings.Join(cols, ",\n  "))
	if d.GuardTable != nil {
		return d.GuardTable(fqn, fmt.Sprintf("CREATE TABLE %s %s", q(fqn), body)), nil
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s %s", q(fqn), body), nil
}

// BuildIndexSQL renders the standalone index statements for t. It returns
// nil when the dialect renders indexes inline.
func BuildIndexSQL(d Dialect, t TableDef) []string {
	if d.InlineIndexes || len(t.Indexes) == 0 {
		return nil
	}
	q := d.quote()
	out := make([]string, 0, len(t.Indexes))
	for _, idx := range t.Indexes {
		if d.CreateIndex != nil {
			out = append(out, d.CreateIndex(t.FQN, idx, q))
			continue
		}
		out = append(out, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			q(idx.Name), q(t.FQN), joinQuoted(q, idx.Columns)))
	}
	return out
}

// Build renders every statement needed to create s, tables in declaration
// order, each followed by its indexes.
func Build(d Dialect, s schema.Schema) ([]string, error) {
	if d.MapType == nil {
		return nil, fmt.Errorf("ddl: dialect has no type mapping")
	}
	var out []string
	for _, t := range s.Tables {
		td := FromTable(d, t)
		stmt, err := BuildCreateTableSQL(d, td)
		if err != nil {
			return nil, err
		}
		out = append(out, stmt)
		out = append(out, BuildIndexSQL(d, td)...)
	}
	return out, nil
}

// QuoteANSI quotes an identifier with double quotes, doubling embedded ones.
func QuoteANSI(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func (d Dialect) quote() func(string) string {
	if d.Quote != nil {
		return d.Quote
	}
	return QuoteANSI
}

func joinQuoted(q func(string) string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = q(c)
	}
	return strings.Join(out, ", ")
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the logical type of a column. Backends map kinds to SQL types.
type Kind string

const (
	KindText      Kind = "text"
	KindTimestamp Kind = "timestamp"
)

// Column describes a single destination column.
type Column struct {
	Name    string
	Kind    Kind
	NotNull bool
}

// ForeignKey declares a reference from Columns to RefTable(RefColumns).
//
// Enforced=false means the relationship is documentation for readers and
// joins only; backends must not reject writes that arrive before the
// referenced row.
type ForeignKey struct {
	Columns    []string
	RefTable   string
	RefColumns []string
	Enforced   bool
}

// Table is the declarative definition of one destination table.
type Table struct {
	Name        string
	Columns     []Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
}

// ColumnNames returns the column names in declaration order.
func (t Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// IsKey reports whether col participates in the primary key or a foreign key.
// Some dialects need bounded string types for indexed columns.
func (t Table) IsKey(col string) bool {
	for _, k := range t.PrimaryKey {
		if k == col {
			return true
		}
	}
	for _, fk := range t.ForeignKeys {
		for _, c := range fk.Columns {
			if c == col {
				return true
			}
		}
	}
	return false
}

// Schema is the set of tables owned by the sink.
type Schema struct {
	Tables []Table
}

// Table returns the table named name.
func (s Schema) Table(name string) (Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Validate checks that the descriptor is internally consistent: names are
// set, key columns exist, and foreign keys point at declared tables and
// columns.
func (s Schema) Validate() error {
	var errs []error
	for _, t := range s.Tables {
		if strings.TrimSpace(t.Name) == "" {
			errs = append(errs, errors.New("schema: table with empty name"))
			continue
		}
		cols := make(map[string]struct{}, len(t.Columns))
		for _, c := range t.Columns {
			if strings.TrimSpace(c.Name) == "" {
				errs = append(errs, fmt.Errorf("schema: %s: column with empty name", t.Name))
				continue
			}
			if _, dup := cols[c.Name]; dup {
				errs = append(errs, fmt.Errorf("schema: %s: duplicate column %s", t.Name, c.Name))
			}
			cols[c.Name] = struct{}{}
		}
		if len(t.PrimaryKey) == 0 {
			errs = append(errs, fmt.Errorf("schema: %s: primary key required", t.Name))
		}
		for _, k := range t.PrimaryKey {
			if _, ok := cols[k]; !ok {
				errs = append(errs, fmt.Errorf("schema: %s: primary key column %s not declared", t.Name, k))
			}
		}
		for _, fk := range t.ForeignKeys {
			if len(fk.Columns) == 0 || len(fk.Columns) != len(fk.RefColumns) {
				errs = append(errs, fmt.Errorf("schema: %s: foreign key column count mismatch", t.Name))
				continue
			}
			for _, c := range fk.Columns {
				if _, ok := cols[c]; !ok {
					errs = append(errs, fmt.Errorf("schema: %s: foreign key column %s not declared", t.Name, c))
				}
			}
			ref, ok := s.Table(fk.RefTable)
			if !ok {
				errs = append(errs, fmt.Errorf("schema: %s: foreign key references unknown table %s", t.Name, fk.RefTable))
				continue
			}
			refCols := make(map[string]struct{}, len(ref.Columns))
			for _, c := range ref.Columns {
				refCols[c.Name] = struct{}{}
			}
			for _, c := range fk.RefColumns {
				if _, ok := refCols[c]; !ok {
					errs = append(errs, fmt.Errorf("schema: %s: foreign key references unknown column %s.%s", t.Name, fk.RefTable, c))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// Destination table names.
const (
	IncidentTableName = "incident"
	LocationTableName = "locations"
)

// IncidentTable is the incident table. Column order matches Incident.Values.
var IncidentTable = Table{
	Name: IncidentTableName,
	Columns: []Column{
		{Name: "incident_id", Kind: KindText, NotNull: true},
		{Name: "agency", Kind: KindText},
		{Name: "complaint_type", Kind: KindText},
		{Name: "descriptor", Kind: KindText},
		{Name: "incident_status", Kind: KindText},
		{Name: "created_date", Kind: KindTimestamp},
		{Name: "closed_date", Kind: KindTimestamp},
		{Name: "location_type", Kind: KindText},
		{Name: "location_id", Kind: KindText, NotNull: true},
	},
	PrimaryKey: []string{"incident_id"},
	ForeignKeys: []ForeignKey{{
		Columns:    []string{"location_id"},
		RefTable:   LocationTableName,
		RefColumns: []string{"id"},
	}},
}

// LocationTable is the locations table. Column order matches Location.Values.
var LocationTable = Table{
	Name: LocationTableName,
	Columns: []Column{
		{Name: "id", Kind: KindText, NotNull: true},
		{Name: "city", Kind: KindText},
		{Name: "zipcode", Kind: KindText, NotNull: true},
		{Name: "borough", Kind: KindText, NotNull: true},
	},
	PrimaryKey: []string{"id"},
}

// CivicSchema returns the two-table schema. Locations is listed first so
// dialects that render REFERENCES clauses see the parent table before the
// child.
func CivicSchema() Schema {
	return Schema{Tables: []Table{LocationTable, IncidentTable}}
}

package ddl

// ColumnDef describes a single column in a rendered table.
//
// Fields:
//   - Name: column name (unquoted; quoting happens at render time)
//   - SQLType: target SQL type (e.g., TEXT, NVARCHAR(255), TIMESTAMP)
//   - Nullable: whether NULL is allowed
//   - PrimaryKey: whether the column is part of the primary key
type ColumnDef struct {
	Name       string
	SQLType    string
	Nullable   bool
	PrimaryKey bool
}

// ReferenceDef is a REFERENCES clause emitted as a table constraint.
type ReferenceDef struct {
	Columns    []string
	RefTable   string
	RefColumns []string
}

// IndexDef is a secondary, non-unique index.
type IndexDef struct {
	Name    string
	Columns []string
}

// TableDef holds the table name (FQN) and an ordered list of columns, plus
// the references and indexes the dialect decided to render.
type TableDef struct {
	FQN        string
	Columns    []ColumnDef
	References []ReferenceDef
	Indexes    []IndexDef
}

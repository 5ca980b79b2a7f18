package storage

import "fmt"

// RowHashColumn is the content hash column carried by staging tables. Upserts
// skip rows whose stored hash already matches.
const RowHashColumn = "row_hash"

// TypeKind is the logical type of a column. Backends map it to their DDL.
type TypeKind string

const (
	KindText      TypeKind = "text"
	KindDate      TypeKind = "date"
	KindTimestamp TypeKind = "timestamp"
	KindDecimal   TypeKind = "decimal"
	KindInteger   TypeKind = "integer"
	KindFloat     TypeKind = "float"
)

// ColumnType is a logical column type. Length applies to text, Precision and
// Scale to decimal.
type ColumnType struct {
	Kind      TypeKind
	Length    int
	Precision int
	Scale     int
}

func Text(length int) ColumnType { return ColumnType{Kind: KindText, Length: length} }

func Decimal(precision, scale int) ColumnType {
	return ColumnType{Kind: KindDecimal, Precision: precision, Scale: scale}
}

var (
	Date      = ColumnType{Kind: KindDate}
	Timestamp = ColumnType{Kind: KindTimestamp}
	Integer   = ColumnType{Kind: KindInteger}
	Float     = ColumnType{Kind: KindFloat}
)

func (t ColumnType) String() string {
	switch t.Kind {
	case KindText:
		return fmt.Sprintf("text(%d)", t.Length)
	case KindDecimal:
		return fmt.Sprintf("decimal(%d,%d)", t.Precision, t.Scale)
	default:
		return string(t.Kind)
	}
}

// ForeignKey points a column at a column of another table.
type ForeignKey struct {
	Table  string
	Column string
}

type ColumnSpec struct {
	Name       string
	Type       ColumnType
	Nullable   bool
	References *ForeignKey
	// DefaultNow makes the column default to the current timestamp.
	DefaultNow bool
}

// TableSpec describes a table to create and, for staging tables, the key to
// merge on.
type TableSpec struct {
	Name       string
	Columns    []ColumnSpec
	PrimaryKey []string
}

// ColumnNames returns the column names in declaration order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// IsKey reports whether name is part of the primary key.
func (t TableSpec) IsKey(name string) bool {
	for _, k := range t.PrimaryKey {
		if k == name {
			return true
		}
	}
	return false
}

// Validate checks the spec is usable for DDL and upserts.
func (t TableSpec) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("table %s: column name is empty", t.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %s: duplicate column %s", t.Name, c.Name)
		}
		seen[c.Name] = true
	}
	for _, k := range t.PrimaryKey {
		if !seen[k] {
			return fmt.Errorf("table %s: primary key column %s is not declared", t.Name, k)
		}
	}
	return nil
}

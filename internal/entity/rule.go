// Package entity turns landed rows into canonical, deduplicated entity
// records. Every entity is described by a declarative Rule and cleaned by the
// same generic Clean.
package entity

import (
	"fmt"

	"rawstage/internal/storage"
)

// DefaultPrefix marks a table as staging.
const DefaultPrefix = "stg_"

// NormalizeFunc converts one raw landing value into its typed staging value.
// A non-nil error fails the whole entity batch.
type NormalizeFunc func(raw any) (any, error)

// ColumnRule maps one landing column to one staging column.
type ColumnRule struct {
	Name      string
	Type      storage.ColumnType
	Normalize NormalizeFunc

	// Required columns are NOT NULL in the staging table.
	Required bool

	// References names the rule whose staging table this column points at.
	// The referenced column has the same name.
	References string
}

// Rule describes one entity: where its rows are landed, which staging table
// receives them, the natural key and the per-column normalizers.
type Rule struct {
	Name   string
	Source string
	Table  string
	Key    string

	// Columns are the business columns in staging order. The key column is
	// one of them.
	Columns []ColumnRule

	// DropMissingKey drops rows whose key normalizes to null. When false such
	// a row fails the batch instead.
	DropMissingKey bool
}

// ColumnNames returns the business column names in order.
func (r Rule) ColumnNames() []string {
	out := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		out[i] = c.Name
	}
	return out
}

// TableName returns the staging table for the rule under prefix.
func (r Rule) TableName(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + r.Table
}

// TableSpec returns the typed staging schema. Foreign keys resolve against
// the other built-in rules under the same prefix.
func (r Rule) TableSpec(prefix string) (storage.TableSpec, error) {
	cols := make([]storage.ColumnSpec, 0, len(r.Columns)+1)
	for _, c := range r.Columns {
		cs := storage.ColumnSpec{
			Name:     c.Name,
			Type:     c.Type,
			Nullable: !c.Required && c.Name != r.Key,
		}
		if c.References != "" {
			ref, ok := Lookup(c.References)
			if !ok {
				return storage.TableSpec{}, fmt.Errorf("entity %s: column %s references unknown entity %q", r.Name, c.Name, c.References)
			}
			cs.References = &storage.ForeignKey{Table: ref.TableName(prefix), Column: c.Name}
		}
		cols = append(cols, cs)
	}
	cols = append(cols, storage.ColumnSpec{Name: storage.RowHashColumn, Type: storage.Text(64)})

	spec := storage.TableSpec{
		Name:       r.TableName(prefix),
		Columns:    cols,
		PrimaryKey: []string{r.Key},
	}
	return spec, spec.Validate()
}

// RowError is a fatal cleaning failure tied to one landed row.
type RowError struct {
	Entity     string
	SourceFile string
	RowNum     int64
	Err        error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("entity %s: %s row %d: %v", e.Entity, e.SourceFile, e.RowNum, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

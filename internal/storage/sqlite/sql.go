package sqlite

import (
	"fmt"
	"strings"

	"rawstage/internal/storage"
)

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdentList(columns []string) string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, sqlIdent(c))
	}
	return strings.Join(out, ", ")
}

// sqliteType maps logical types onto declarations with the right affinity.
// Declared lengths are kept for documentation; SQLite does not enforce them.
func sqliteType(t storage.ColumnType) (string, error) {
	switch t.Kind {
	case storage.KindText:
		if t.Length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", t.Length), nil
		}
		return "TEXT", nil
	case storage.KindDate:
		return "DATE", nil
	case storage.KindTimestamp:
		return "TIMESTAMP", nil
	case storage.KindDecimal:
		return fmt.Sprintf("NUMERIC(%d,%d)", t.Precision, t.Scale), nil
	case storage.KindInteger:
		return "INTEGER", nil
	case storage.KindFloat:
		return "REAL", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", t.Kind)
	}
}

func buildCreateSQL(spec storage.TableSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	parts := make([]string, 0, len(spec.Columns)+1)
	for _, c := range spec.Columns {
		typ, err := sqliteType(c.Type)
		if err != nil {
			return "", fmt.Errorf("table %s: column %s: %w", spec.Name, c.Name, err)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), typ)
		if c.DefaultNow {
			col += " DEFAULT CURRENT_TIMESTAMP"
		}
		if !c.Nullable {
			col += " NOT NULL"
		}
		// Enforcement depends on PRAGMA foreign_keys=ON.
		if fk := c.References; fk != nil {
			col += fmt.Sprintf(" REFERENCES %s (%s)", sqlIdent(fk.Table), sqlIdent(fk.Column))
		}
		parts = append(parts, col)
	}
	if len(spec.PrimaryKey) > 0 {
		parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", joinIdentList(spec.PrimaryKey)))
	}

	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n);", sqlIdent(spec.Name), strings.Join(parts, ",\n  ")), nil
}

func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		for _, v := range row {
			args = append(args, bindValue(v))
		}
	}
	return b.String(), args
}

// buildUpsertSQL uses the SQLite upsert clause. The row_hash guard turns a
// replay of an unchanged batch into a no-op.
func buildUpsertSQL(spec storage.TableSpec, columns []string, rows [][]any) (string, []any, error) {
	if len(spec.PrimaryKey) == 0 {
		return "", nil, fmt.Errorf("upsert %s: no primary key", spec.Name)
	}
	has := make(map[string]bool, len(columns))
	for _, c := range columns {
		has[c] = true
	}
	for _, k := range spec.PrimaryKey {
		if !has[k] {
			return "", nil, fmt.Errorf("upsert %s: key column %s not in columns", spec.Name, k)
		}
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("upsert %s: row %d has %d values, want %d", spec.Name, i, len(row), len(columns))
		}
	}

	q, args := buildInsertSQL(spec.Name, columns, rows)

	var sets []string
	for _, c := range columns {
		if spec.IsKey(c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", sqlIdent(c), sqlIdent(c)))
	}

	q += " ON CONFLICT (" + joinIdentList(spec.PrimaryKey) + ")"
	if len(sets) == 0 {
		return q + " DO NOTHING", args, nil
	}
	q += " DO UPDATE SET " + strings.Join(sets, ", ")
	if has[storage.RowHashColumn] {
		h := sqlIdent(storage.RowHashColumn)
		q += fmt.Sprintf(" WHERE %s.%s IS NOT excluded.%s", sqlIdent(spec.Name), h, h)
	}
	return q, args, nil
}

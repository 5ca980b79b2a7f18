package postgres

import (
	"fmt"
	"strings"

	"rawstage/internal/storage"
)

// pgIdent double-quotes an identifier, doubling embedded quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgType maps a logical column type to Postgres DDL.
func pgType(t storage.ColumnType) (string, error) {
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
		return "BIGINT", nil
	case storage.KindFloat:
		return "DOUBLE PRECISION", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", t.Kind)
	}
}

// buildColumnDef renders a single column definition. Foreign keys are
// expressed inline.
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	typ, err := pgType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", c.Name, err)
	}

	var b strings.Builder
	b.WriteString(pgIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(typ)
	if c.DefaultNow {
		b.WriteString(" DEFAULT now()")
	}
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if fk := c.References; fk != nil {
		b.WriteString(" REFERENCES ")
		b.WriteString(pgIdent(fk.Table))
		b.WriteString(" (")
		b.WriteString(pgIdent(fk.Column))
		b.WriteString(")")
	}
	return b.String(), nil
}

// buildCreateSQL generates CREATE TABLE for spec. There is deliberately no
// IF NOT EXISTS: the duplicate-table error is how callers learn the table
// was already there.
func buildCreateSQL(spec storage.TableSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	defs := make([]string, 0, len(spec.Columns)+1)
	for _, c := range spec.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("table %s: %w", spec.Name, err)
		}
		defs = append(defs, def)
	}
	if len(spec.PrimaryKey) > 0 {
		defs = append(defs, "PRIMARY KEY ("+joinIdents(spec.PrimaryKey)+")")
	}

	return fmt.Sprintf("CREATE TABLE %s (%s)", pgIdent(spec.Name), strings.Join(defs, ", ")), nil
}

// buildUpsertSQL constructs one INSERT ... ON CONFLICT statement and its args.
//
// Non-key columns are replaced from EXCLUDED. When the batch carries
// row_hash the update is skipped for unchanged rows, so re-running the same
// batch writes nothing.
//
// Constraints:
//   - every row has len(columns) values.
//   - spec.PrimaryKey is non-empty and contained in columns.
func buildUpsertSQL(spec storage.TableSpec, columns []string, rows [][]any) (string, []any, error) {
	if len(spec.PrimaryKey) == 0 {
		return "", nil, fmt.Errorf("upsert %s: no primary key", spec.Name)
	}
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("upsert %s: no columns", spec.Name)
	}
	for _, k := range spec.PrimaryKey {
		if indexOf(columns, k) < 0 {
			return "", nil, fmt.Errorf("upsert %s: key column %s not in columns", spec.Name, k)
		}
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(spec.Name))
	b.WriteString(" AS t (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("upsert %s: row %d has %d values, want %d", spec.Name, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, storage.BindValue(row[j]))
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(joinIdents(spec.PrimaryKey))
	b.WriteString(")")

	var sets []string
	for _, c := range columns {
		if spec.IsKey(c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c), pgIdent(c)))
	}
	if len(sets) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String(), args, nil
	}
	b.WriteString(" DO UPDATE SET ")
	b.WriteString(strings.Join(sets, ", "))
	if indexOf(columns, storage.RowHashColumn) >= 0 {
		h := pgIdent(storage.RowHashColumn)
		fmt.Fprintf(&b, " WHERE t.%s IS DISTINCT FROM EXCLUDED.%s", h, h)
	}
	return b.String(), args, nil
}

func buildSelectSQL(table string, orderBy []string) string {
	q := "SELECT * FROM " + pgIdent(table)
	if len(orderBy) > 0 {
		q += " ORDER BY " + joinIdents(orderBy)
	}
	return q
}

func joinIdents(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pgIdent(n)
	}
	return strings.Join(out, ", ")
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

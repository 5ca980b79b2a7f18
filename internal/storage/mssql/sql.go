package mssql

import (
	"fmt"
	"strings"

	"rawstage/internal/storage"
)

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.stg_customer" -> [dbo].[stg_customer]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func joinIdents(names []string, prefix string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = prefix + mssqlIdent(n)
	}
	return strings.Join(out, ", ")
}

func mssqlType(t storage.ColumnType) (string, error) {
	switch t.Kind {
	case storage.KindText:
		if t.Length > 0 && t.Length <= 4000 {
			return fmt.Sprintf("NVARCHAR(%d)", t.Length), nil
		}
		return "NVARCHAR(MAX)", nil
	case storage.KindDate:
		return "DATE", nil
	case storage.KindTimestamp:
		return "DATETIME2", nil
	case storage.KindDecimal:
		return fmt.Sprintf("DECIMAL(%d,%d)", t.Precision, t.Scale), nil
	case storage.KindInteger:
		return "BIGINT", nil
	case storage.KindFloat:
		return "FLOAT", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", t.Kind)
	}
}

// mssqlColumnDef builds a SQL Server column definition from storage.ColumnSpec.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	typ, err := mssqlType(c.Type)
	if err != nil {
		return "", fmt.Errorf("mssql: column %s: %w", c.Name, err)
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(typ)
	if c.DefaultNow {
		b.WriteString(" DEFAULT SYSUTCDATETIME()")
	}
	if c.Nullable {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	if fk := c.References; fk != nil {
		fmt.Fprintf(&b, " REFERENCES %s (%s)", mssqlTableIdent(fk.Table), mssqlIdent(fk.Column))
	}
	return b.String(), nil
}

// buildCreateSQL renders CREATE TABLE with no OBJECT_ID guard, so an existing
// table raises error 2714.
func buildCreateSQL(spec storage.TableSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("mssql: %w", err)
	}

	parts := make([]string, 0, len(spec.Columns)+1)
	for _, c := range spec.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}
	if len(spec.PrimaryKey) > 0 {
		parts = append(parts, "PRIMARY KEY ("+joinIdents(spec.PrimaryKey, "")+")")
	}
	return fmt.Sprintf("CREATE TABLE %s (%s);", mssqlTableIdent(spec.Name), strings.Join(parts, ", ")), nil
}

// writeValues renders "(@p1, @p2), (@p3, @p4)" and returns the bound args.
func writeValues(b *strings.Builder, width int, rows [][]any) []any {
	args := make([]any, 0, len(rows)*width)
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := 0; j < width; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "@p%d", p)
			args = append(args, storage.BindValue(row[j]))
			p++
		}
		b.WriteString(")")
	}
	return args
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns, ""))
	b.WriteString(") VALUES ")
	args := writeValues(&b, len(columns), rows)
	b.WriteString(";")
	return b.String(), args
}

// buildMergeSQL builds one MERGE for a chunk of deduplicated rows.
//
// HOLDLOCK keeps the match-then-insert decision atomic against concurrent
// writers of the same key.
func buildMergeSQL(spec storage.TableSpec, columns []string, rows [][]any) (string, []any, error) {
	if len(spec.PrimaryKey) == 0 {
		return "", nil, fmt.Errorf("mssql: merge %s: no primary key", spec.Name)
	}
	has := make(map[string]bool, len(columns))
	for _, c := range columns {
		has[c] = true
	}
	for _, k := range spec.PrimaryKey {
		if !has[k] {
			return "", nil, fmt.Errorf("mssql: merge %s: key column %s not in columns", spec.Name, k)
		}
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("mssql: merge %s: row %d has %d values, want %d", spec.Name, i, len(row), len(columns))
		}
	}

	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(mssqlTableIdent(spec.Name))
	b.WriteString(" WITH (HOLDLOCK) AS t USING (VALUES ")
	args := writeValues(&b, len(columns), rows)
	b.WriteString(") AS s (")
	b.WriteString(joinIdents(columns, ""))
	b.WriteString(") ON ")
	for i, k := range spec.PrimaryKey {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "t.%s = s.%s", mssqlIdent(k), mssqlIdent(k))
	}

	var sets []string
	for _, c := range columns {
		if spec.IsKey(c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("t.%s = s.%s", mssqlIdent(c), mssqlIdent(c)))
	}
	if len(sets) > 0 {
		b.WriteString(" WHEN MATCHED")
		if has[storage.RowHashColumn] {
			h := mssqlIdent(storage.RowHashColumn)
			fmt.Fprintf(&b, " AND (t.%s <> s.%s OR t.%s IS NULL OR s.%s IS NULL)", h, h, h, h)
		}
		b.WriteString(" THEN UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	b.WriteString(" WHEN NOT MATCHED BY TARGET THEN INSERT (")
	b.WriteString(joinIdents(columns, ""))
	b.WriteString(") VALUES (")
	b.WriteString(joinIdents(columns, "s."))
	b.WriteString(");")

	return b.String(), args, nil
}

func buildSelectSQL(table string, orderBy []string) string {
	q := "SELECT * FROM " + mssqlTableIdent(table)
	if len(orderBy) > 0 {
		q += " ORDER BY " + joinIdents(orderBy, "")
	}
	return q + ";"
}

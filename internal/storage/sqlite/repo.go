package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"rawstage/internal/storage"
)

// maxParams matches SQLITE_MAX_VARIABLE_NUMBER on SQLite >= 3.32.
const maxParams = 32766

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - Foreign keys are only enforced with PRAGMA foreign_keys=ON, which must be
//     set per connection; New forces it through the DSN and pins the pool to a
//     single connection so the pragma (and any :memory: database) is shared.
//   - SQLite has no native timestamp type. Timestamps are written as
//     RFC3339Nano text and parsed back in SelectRows.
//   - CREATE TABLE does not report "already exists" in a typed way, so
//     existence is checked against sqlite_master first.
type Repo struct {
	db       *sql.DB
	maxBatch int
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", withForeignKeys(cfg.DSN))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db, maxBatch: cfg.MaxBatchRows}, nil
}

// withForeignKeys appends the foreign_keys pragma unless the DSN sets it.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	exists, err := r.TableExists(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("sqlite: lookup %s: %w", spec.Name, err)
	}
	if exists {
		return fmt.Errorf("sqlite: %s: %w", spec.Name, storage.ErrTableExists)
	}

	ddl, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", spec.Name, err)
	}
	return nil
}

// TableExists looks the table up in sqlite_master.
func (r *Repo) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	return n > 0, err
}

// InsertRows appends rows with multi-row INSERTs inside one transaction.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return r.execChunks(ctx, table, columns, rows, func(chunk [][]any) (string, []any, error) {
		q, args := buildInsertSQL(table, columns, chunk)
		return q, args, nil
	})
}

// UpsertRows merges rows keyed on spec.PrimaryKey inside one transaction.
func (r *Repo) UpsertRows(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	rows, err := storage.DedupeLastByColumns(rows, columns, spec.PrimaryKey)
	if err != nil {
		return 0, fmt.Errorf("sqlite: upsert %s: %w", spec.Name, err)
	}
	return r.execChunks(ctx, spec.Name, columns, rows, func(chunk [][]any) (string, []any, error) {
		return buildUpsertSQL(spec, columns, chunk)
	})
}

func (r *Repo) execChunks(
	ctx context.Context,
	table string,
	columns []string,
	rows [][]any,
	build func([][]any) (string, []any, error),
) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	total := int64(0)
	size := storage.RowsPerStatement(len(columns), maxParams, r.maxBatch)
	for _, chunk := range storage.Chunks(rows, size) {
		q, args, err := build(chunk)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("sqlite: write %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

// SelectRows reads a whole table. TEXT comes back as string and timestamp or
// date columns as time.Time regardless of how the driver surfaced them.
func (r *Repo) SelectRows(ctx context.Context, table string, orderBy []string) ([]string, [][]any, error) {
	q := "SELECT * FROM " + sqlIdent(table)
	if len(orderBy) > 0 {
		q += " ORDER BY " + joinIdentList(orderBy)
	}

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: select %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, err
	}
	isTime := make([]bool, len(types))
	for i, ct := range types {
		dt := strings.ToUpper(ct.DatabaseTypeName())
		isTime[i] = dt == "TIMESTAMP" || dt == "DATE" || dt == "DATETIME"
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(columns))
		dests := make([]any, len(columns))
		for i := range vals {
			dests[i] = &vals[i]
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, nil, fmt.Errorf("sqlite: scan %s: %w", table, err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				v = string(b)
				vals[i] = v
			}
			if s, ok := v.(string); ok && isTime[i] {
				ts, err := parseSQLiteTime(s)
				if err != nil {
					return nil, nil, fmt.Errorf("sqlite: %s.%s: %w", table, columns[i], err)
				}
				vals[i] = ts
			}
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return columns, out, nil
}

// bindValue unwraps driver.Valuer values and renders times as text.
func bindValue(v any) any {
	v = storage.BindValue(v)
	if t, ok := v.(time.Time); ok {
		return formatSQLiteTime(t)
	}
	return v
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
// We store timestamps as TEXT for reliable scanning/parsing with modernc.org/sqlite.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime parses timestamps returned by SQLite into time.Time.
//
// Supported formats:
//   - RFC3339Nano (what we write)
//   - RFC3339
//   - Common "SQLite-like" formats, including CURRENT_TIMESTAMP defaults:
//     "2006-01-02 15:04:05Z07:00"
//     "2006-01-02 15:04:05.999999999Z07:00"
//     "2006-01-02 15:04:05" (interpreted as UTC)
//     "2006-01-02" (interpreted as UTC midnight)
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

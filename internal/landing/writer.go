// Package landing writes extracts into append-only raw tables with provenance
// and reads them back for the cleaning pipeline.
package landing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"rawstage/internal/parser/csv"
	"rawstage/internal/storage"
)

// DefaultPrefix marks a table as raw landing.
const DefaultPrefix = "raw_"

// Provenance columns stamped on every landed row.
const (
	IngestTSColumn   = "ingest_ts"
	SourceFileColumn = "source_file"
	RowNumColumn     = "rownum_in_file"
)

const (
	sourceFileLength   = 400
	sourceColumnLength = 4000
)

// Row is one landed row read back from a landing table.
type Row struct {
	Values     map[string]any
	IngestTS   time.Time
	SourceFile string
	RowNum     int64
}

// Writer lands extracts. Landing never updates or deletes: each Append adds a
// new, disjoint set of rows.
type Writer struct {
	Repo   storage.Repository
	Prefix string
	Now    func() time.Time
	Logger *zap.Logger
}

// TableName returns the landing table for entity.
func (w *Writer) TableName(entity string) string {
	p := w.Prefix
	if p == "" {
		p = DefaultPrefix
	}
	return p + entity
}

// TableSpec is the landing schema: provenance columns followed by one
// nullable text column per source column. There is no primary key.
func TableSpec(table string, columns []string) storage.TableSpec {
	cols := make([]storage.ColumnSpec, 0, len(columns)+3)
	cols = append(cols,
		storage.ColumnSpec{Name: IngestTSColumn, Type: storage.Timestamp, Nullable: true, DefaultNow: true},
		storage.ColumnSpec{Name: SourceFileColumn, Type: storage.Text(sourceFileLength), Nullable: true},
		storage.ColumnSpec{Name: RowNumColumn, Type: storage.Integer, Nullable: true},
	)
	for _, c := range columns {
		cols = append(cols, storage.ColumnSpec{Name: c, Type: storage.Text(sourceColumnLength), Nullable: true})
	}
	return storage.TableSpec{Name: table, Columns: cols}
}

func (w *Writer) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

func (w *Writer) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

// EnsureTable creates the landing table for entity if it is absent. An
// existing table is left untouched, even when its columns differ.
func (w *Writer) EnsureTable(ctx context.Context, entity string, columns []string) (bool, error) {
	table := w.TableName(entity)
	created, err := storage.EnsureTable(ctx, w.Repo, TableSpec(table, columns))
	if err != nil {
		return false, err
	}
	if created {
		w.logger().Info("landing table created", zap.String("entity", entity), zap.String("table", table))
	}
	return created, nil
}

// Append inserts rows for one source file in a single transaction. Every row
// gets the same ingest_ts, the source file and its 1-based position.
func (w *Writer) Append(ctx context.Context, entity string, columns []string, rows [][]any, sourceFile string) (int64, error) {
	table := w.TableName(entity)
	if len(rows) == 0 {
		return 0, nil
	}

	ts := w.now()
	cols := make([]string, 0, len(columns)+3)
	cols = append(cols, IngestTSColumn, SourceFileColumn, RowNumColumn)
	cols = append(cols, columns...)

	out := make([][]any, len(rows))
	for i, r := range rows {
		if len(r) != len(columns) {
			return 0, fmt.Errorf("landing %s: row %d has %d values, expected %d", table, i+1, len(r), len(columns))
		}
		row := make([]any, 0, len(cols))
		row = append(row, ts, sourceFile, int64(i+1))
		row = append(row, r...)
		out[i] = row
	}

	n, err := w.Repo.InsertRows(ctx, table, cols, out)
	if err != nil {
		return 0, &storage.TableError{Table: table, Op: "append", Err: err}
	}
	return n, nil
}

// Land ensures the landing table for ex and appends all of its rows.
func (w *Writer) Land(ctx context.Context, ex *csv.Extract) (int64, error) {
	start := time.Now()
	if _, err := w.EnsureTable(ctx, ex.Entity, ex.Columns); err != nil {
		return 0, err
	}
	n, err := w.Append(ctx, ex.Entity, ex.Columns, ex.Rows, ex.Path)
	if err != nil {
		return 0, err
	}
	w.logger().Info("landed",
		zap.String("entity", ex.Entity),
		zap.String("table", w.TableName(ex.Entity)),
		zap.String("source_file", ex.Path),
		zap.Int64("rows", n),
		zap.Int("warnings", len(ex.Warnings)),
		zap.Duration("duration", time.Since(start)),
	)
	return n, nil
}

// Read returns every landed row for entity, oldest ingestion first.
func (w *Writer) Read(ctx context.Context, entity string) ([]Row, error) {
	table := w.TableName(entity)
	columns, rows, err := w.Repo.SelectRows(ctx, table, []string{IngestTSColumn, SourceFileColumn, RowNumColumn})
	if err != nil {
		return nil, &storage.TableError{Table: table, Op: "read", Err: err}
	}

	out := make([]Row, 0, len(rows))
	for _, vals := range rows {
		r := Row{Values: make(map[string]any, len(columns))}
		for i, c := range columns {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			switch c {
			case IngestTSColumn:
				if r.IngestTS, err = asTime(v); err != nil {
					return nil, fmt.Errorf("landing %s: %s: %w", table, c, err)
				}
			case SourceFileColumn:
				if v != nil {
					r.SourceFile = fmt.Sprint(v)
				}
			case RowNumColumn:
				if r.RowNum, err = asInt(v); err != nil {
					return nil, fmt.Errorf("landing %s: %s: %w", table, c, err)
				}
			default:
				r.Values[c] = v
			}
		}
		out = append(out, r)
	}
	return out, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unsupported time value %q", t)
	default:
		return time.Time{}, fmt.Errorf("unsupported time type %T", v)
	}
}

func asInt(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported integer type %T", v)
	}
}

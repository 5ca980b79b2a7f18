package entity

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"rawstage/internal/landing"
	"rawstage/internal/normalize"
	"rawstage/internal/storage"
	"rawstage/internal/transformer/builtin"
	"rawstage/pkg/records"
)

// Result is the outcome of cleaning one entity.
type Result struct {
	// Records holds one canonical record per natural key, sorted by key.
	Records []records.Record

	// Read is the number of landed rows considered.
	Read int
	// DroppedMissingKey counts rows whose key normalized to null.
	DroppedMissingKey int
	// Duplicates counts rows discarded because another row won their key.
	Duplicates int
}

// ErrMissingColumn is returned by Clean when the landing table lacks the key
// or a required column of the rule.
var ErrMissingColumn = errors.New("landing table is missing column")

type candidate struct {
	key        string
	ingestTS   time.Time
	sourceFile string
	rowNum     int64
	raw        string
	row        landing.Row
}

// Clean normalizes rows column by column, drops rows without a key and
// resolves duplicate keys.
//
// Duplicates resolve wholesale: rows are ordered by key, then newest
// ingest_ts, then source_file, rownum_in_file and finally the raw content, and
// the first row of each key supplies every column. The newest ingestion wins
// rather than the first one ingested, so a corrected extract supersedes
// earlier landings. The order of rows does not affect the outcome.
//
// Only the key is normalized before duplicates are resolved; the remaining
// columns are normalized for the winning rows alone. A normalizer error on a
// winning row is returned as *RowError and fails the batch, while superseded
// rows are never inspected.
//
// The landing table must carry the key and every Required column, otherwise
// Clean fails with ErrMissingColumn before looking at any row.
func Clean(rule Rule, rows []landing.Row) (Result, error) {
	res := Result{Read: len(rows)}

	var keyCol *ColumnRule
	for i := range rule.Columns {
		if rule.Columns[i].Name == rule.Key {
			keyCol = &rule.Columns[i]
			break
		}
	}
	if keyCol == nil {
		return Result{}, fmt.Errorf("entity %s: key %s is not a rule column", rule.Name, rule.Key)
	}
	if len(rows) > 0 {
		if err := checkColumns(rule, rows[0].Values); err != nil {
			return Result{}, err
		}
	}

	cands := make([]candidate, 0, len(rows))
	for _, row := range rows {
		kv, err := normalizeColumn(*keyCol, row.Values)
		if err != nil {
			return Result{}, &RowError{Entity: rule.Name, SourceFile: row.SourceFile, RowNum: row.RowNum, Err: err}
		}
		key := storage.NormalizeKey(kv)
		if key == "" {
			if !rule.DropMissingKey {
				return Result{}, &RowError{
					Entity: rule.Name, SourceFile: row.SourceFile, RowNum: row.RowNum,
					Err: &normalize.FieldError{Field: rule.Key, Reason: "missing natural key"},
				}
			}
			res.DroppedMissingKey++
			continue
		}

		cands = append(cands, candidate{
			key:        key,
			ingestTS:   row.IngestTS,
			sourceFile: row.SourceFile,
			rowNum:     row.RowNum,
			raw:        rawContent(row.Values),
			row:        row,
		})
	}

	sort.SliceStable(cands, func(i, j int) bool { return less(cands[i], cands[j]) })

	for i, c := range cands {
		if i > 0 && cands[i-1].key == c.key {
			res.Duplicates++
			continue
		}
		rec := make(records.Record, len(rule.Columns)+1)
		for _, col := range rule.Columns {
			v, err := normalizeColumn(col, c.row.Values)
			if err != nil {
				return Result{}, &RowError{Entity: rule.Name, SourceFile: c.sourceFile, RowNum: c.rowNum, Err: err}
			}
			rec[col.Name] = v
		}
		res.Records = append(res.Records, rec)
	}

	builtin.Hash{
		Fields:            rule.ColumnNames(),
		TargetField:       storage.RowHashColumn,
		IncludeFieldNames: true,
		Overwrite:         true,
	}.Apply(res.Records)

	return res, nil
}

func normalizeColumn(col ColumnRule, values map[string]any) (any, error) {
	v, err := col.Normalize(values[col.Name])
	if err != nil {
		var fe *normalize.FieldError
		if errors.As(err, &fe) && fe.Field == "" {
			fe.Field = col.Name
		}
		return nil, err
	}
	return v, nil
}

// checkColumns verifies the landed columns cover the key and every required
// column. Every row of a landing table carries the same column set.
func checkColumns(rule Rule, values map[string]any) error {
	for _, col := range rule.Columns {
		if col.Name != rule.Key && !col.Required {
			continue
		}
		if _, ok := values[col.Name]; !ok {
			return fmt.Errorf("entity %s: %w %s", rule.Name, ErrMissingColumn, col.Name)
		}
	}
	return nil
}

func less(a, b candidate) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	if !a.ingestTS.Equal(b.ingestTS) {
		return a.ingestTS.After(b.ingestTS)
	}
	if a.sourceFile != b.sourceFile {
		return a.sourceFile < b.sourceFile
	}
	if a.rowNum != b.rowNum {
		return a.rowNum < b.rowNum
	}
	return a.raw < b.raw
}

// rawContent renders the landed values in column-name order.
func rawContent(values map[string]any) string {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(k)
		b.WriteByte('=')
		builtin.AppendCanonicalValue(&b, values[k], false)
	}
	return b.String()
}

package storage

import "fmt"

// DedupeLastByColumns keeps one row per key, the last occurrence, and
// preserves the order in which the surviving keys were first seen.
//
// Set-based upserts cannot touch the same key twice in one statement
// (Postgres "ON CONFLICT DO UPDATE command cannot affect row a second time",
// SQL Server MERGE error 8672), so backends collapse duplicates first.
//
// Errors:
//   - A key column missing from columns is a caller bug and returns an error.
func DedupeLastByColumns(rows [][]any, columns []string, keyCols []string) ([][]any, error) {
	if len(keyCols) == 0 || len(rows) < 2 {
		return rows, nil
	}

	idx := make(map[string]int, len(columns))
	for i, c := range columns {
		idx[c] = i
	}
	keyIdx := make([]int, len(keyCols))
	for i, k := range keyCols {
		j, ok := idx[k]
		if !ok {
			return nil, fmt.Errorf("dedupe column %q not found in columns %v", k, columns)
		}
		keyIdx[i] = j
	}

	pos := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		key := rowKey(row, keyIdx)
		if p, ok := pos[key]; ok {
			out[p] = row
			continue
		}
		pos[key] = len(out)
		out = append(out, row)
	}
	return out, nil
}

func rowKey(row []any, keyIdx []int) string {
	if len(keyIdx) == 1 {
		return NormalizeKey(row[keyIdx[0]])
	}
	var key string
	for i, j := range keyIdx {
		if i > 0 {
			key += "\x1f"
		}
		key += NormalizeKey(row[j])
	}
	return key
}

// RowsPerStatement returns how many rows of width columns fit in one
// statement under maxParams bind parameters, further capped by maxRows when
// it is positive. It is at least 1.
func RowsPerStatement(width, maxParams, maxRows int) int {
	n := maxParams
	if width > 0 {
		n = maxParams / width
	}
	if maxRows > 0 && maxRows < n {
		n = maxRows
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Chunks splits rows into consecutive slices of at most size rows.
func Chunks(rows [][]any, size int) [][][]any {
	if size < 1 {
		size = 1
	}
	out := make([][][]any, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}

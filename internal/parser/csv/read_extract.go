package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"rawstage/internal/transformer/builtin"
)

// Extract is one source file loaded fully into memory.
//
// Every value is opaque text (string) or nil for an empty field; typing
// happens later in the cleaning pipeline. An Extract is not mutated after
// ReadExtract returns.
type Extract struct {
	Entity    string
	Path      string
	Delimiter rune
	Columns   []string
	Rows      [][]any
	Warnings  []Warning
}

// Warning is a non-fatal issue found while reading a row.
type Warning struct {
	Line    int
	Message string
}

// DelimiterFor picks the field separator from the file name: ".csv" means
// comma, anything else is tab-separated.
func DelimiterFor(path string) rune {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return ','
	}
	return '\t'
}

// ReadExtract opens path and loads every row of the extract.
func ReadExtract(ctx context.Context, entity, path string) (*Extract, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open extract %s: %w", path, err)
	}
	defer f.Close()

	ex, err := Read(ctx, f, DelimiterFor(path))
	if err != nil {
		return nil, fmt.Errorf("read extract %s: %w", path, err)
	}
	ex.Entity = entity
	ex.Path = path
	return ex, nil
}

// Read parses delimited text from r. The first record is the header.
//
// Decoding is lenient: a UTF-8 BOM is dropped, a UTF-16 BOM switches the
// decoder, and ill-formed UTF-8 is replaced with U+FFFD instead of failing
// the file.
func Read(ctx context.Context, r io.Reader, delimiter rune) (*Extract, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(runes.ReplaceIllFormed()))

	cr := csv.NewReader(decoded)
	cr.Comma = delimiter
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	line := 0
	hdr, err := cr.Read()
	line++
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty file: no header row")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	ex := &Extract{
		Delimiter: delimiter,
		Columns:   headerColumns(hdr),
	}
	width := len(ex.Columns)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := cr.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			ex.Warnings = append(ex.Warnings, Warning{Line: line, Message: fmt.Sprintf("skipped: %v", err)})
			continue
		}
		switch {
		case len(rec) < width:
			ex.Warnings = append(ex.Warnings, Warning{
				Line:    line,
				Message: fmt.Sprintf("row has %d fields, expected %d; padding with nulls", len(rec), width),
			})
		case len(rec) > width:
			ex.Warnings = append(ex.Warnings, Warning{
				Line:    line,
				Message: fmt.Sprintf("row has %d fields, expected %d; truncating", len(rec), width),
			})
		}

		row := make([]any, width)
		for i := 0; i < width && i < len(rec); i++ {
			if rec[i] == "" {
				continue
			}
			row[i] = rec[i]
		}
		ex.Rows = append(ex.Rows, row)
	}

	return ex, nil
}

// headerColumns trims names, names blank headers column_<n> and suffixes
// repeated names with .1, .2, ... so every column binds to a distinct name.
func headerColumns(hdr []string) []string {
	out := make([]string, len(hdr))
	used := make(map[string]bool, len(hdr))
	repeats := make(map[string]int)
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		if builtin.HasEdgeSpace(h) {
			h = strings.TrimSpace(h)
		}
		if h == "" {
			h = "column_" + strconv.Itoa(i+1)
		}
		name := h
		for used[name] {
			repeats[h]++
			name = h + "." + strconv.Itoa(repeats[h])
		}
		used[name] = true
		out[i] = name
	}
	return out
}

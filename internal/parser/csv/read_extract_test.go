package csv

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelimiterFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ',', DelimiterFor("/data/customers_raw.csv"))
	assert.Equal(t, ',', DelimiterFor("/data/CUSTOMERS.CSV"))
	assert.Equal(t, '\t', DelimiterFor("/data/customers.tsv"))
	assert.Equal(t, '\t', DelimiterFor("/data/customers.txt"))
	assert.Equal(t, '\t', DelimiterFor("/data/customers"))
}

func TestRead_KeepsValuesAsTextAndNullsEmpty(t *testing.T) {
	t.Parallel()

	in := "customer_id, name ,zip\n" +
		"c1,  john DOE ,02134\n" +
		"c2,,\n"

	ex, err := Read(context.Background(), strings.NewReader(in), ',')
	require.NoError(t, err)

	assert.Equal(t, []string{"customer_id", "name", "zip"}, ex.Columns)
	require.Len(t, ex.Rows, 2)
	assert.Equal(t, []any{"c1", "  john DOE ", "02134"}, ex.Rows[0])
	assert.Equal(t, []any{"c2", nil, nil}, ex.Rows[1])
	assert.Empty(t, ex.Warnings)
}

func TestRead_RaggedRowsArePaddedOrTruncated(t *testing.T) {
	t.Parallel()

	in := "a\tb\tc\n1\t2\n1\t2\t3\t4\n"
	ex, err := Read(context.Background(), strings.NewReader(in), '\t')
	require.NoError(t, err)

	require.Len(t, ex.Rows, 2)
	assert.Equal(t, []any{"1", "2", nil}, ex.Rows[0])
	assert.Equal(t, []any{"1", "2", "3"}, ex.Rows[1])
	require.Len(t, ex.Warnings, 2)
	assert.Contains(t, ex.Warnings[0].Message, "padding")
	assert.Contains(t, ex.Warnings[1].Message, "truncating")
}

func TestRead_HeaderNormalization(t *testing.T) {
	t.Parallel()

	in := "\uFEFFid,,name,name, name \nx,y,z,w,v\n"
	ex, err := Read(context.Background(), strings.NewReader(in), ',')
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "column_2", "name", "name.1", "name.2"}, ex.Columns)
}

func TestRead_IllFormedBytesAreReplaced(t *testing.T) {
	t.Parallel()

	in := []byte("id,city\n1,S\xe3o Paulo\n")
	ex, err := Read(context.Background(), strings.NewReader(string(in)), ',')
	require.NoError(t, err)

	require.Len(t, ex.Rows, 1)
	assert.Equal(t, "S\uFFFDo Paulo", ex.Rows[0][1])
}

func TestRead_EmptyFile(t *testing.T) {
	t.Parallel()

	_, err := Read(context.Background(), strings.NewReader(""), ',')
	require.Error(t, err)
}

func TestReadExtract_FromDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "branches_raw.tsv")
	require.NoError(t, os.WriteFile(path, []byte("branch_id\tname\nb1\tdowntown\n"), 0o644))

	ex, err := ReadExtract(context.Background(), "branches", path)
	require.NoError(t, err)

	assert.Equal(t, "branches", ex.Entity)
	assert.Equal(t, path, ex.Path)
	assert.Equal(t, '\t', ex.Delimiter)
	assert.Equal(t, [][]any{{"b1", "downtown"}}, ex.Rows)
}

func TestReadExtract_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := ReadExtract(context.Background(), "x", filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open extract")
}

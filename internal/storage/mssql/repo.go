package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	mssql "github.com/microsoft/go-mssqldb"

	"rawstage/internal/storage"
)

const (
	// maxParams stays under the 2100 parameter ceiling of an RPC request.
	maxParams = 2099
	// maxInsertRows is the table value constructor limit for INSERT ... VALUES.
	maxInsertRows = 1000
	// errObjectExists is "There is already an object named ... in the database."
	errObjectExists = 2714
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Semantics:
//   - CreateTable runs a bare CREATE TABLE; error 2714 becomes
//     storage.ErrTableExists.
//   - UpsertRows issues MERGE ... USING (VALUES ...) per chunk. Matched rows
//     are updated only when row_hash differs, unmatched rows are inserted.
//     SQL Server MERGE does not collapse duplicate source keys (error 8672),
//     so the batch is deduped first.
//   - Every write runs in one transaction across all chunks.
type Repo struct {
	db       dbConn
	maxBatch int
}

func init() {
	storage.Register("mssql", New)
}

// New constructs a Repo using database/sql and the "sqlserver" driver
// registered by go-mssqldb. Connectivity is validated via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Batch pipeline: a handful of connections is plenty.
	raw.SetMaxOpenConns(8)
	raw.SetMaxIdleConns(8)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}, maxBatch: cfg.MaxBatchRows}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *Repo) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	ddl, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		if isObjectExists(err) {
			return fmt.Errorf("mssql: %s: %w", spec.Name, storage.ErrTableExists)
		}
		return fmt.Errorf("mssql: create table %s: %w", spec.Name, err)
	}
	return nil
}

func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT CASE WHEN OBJECT_ID(@p1, N'U') IS NULL THEN 0 ELSE 1 END`, mssqlTableIdent(table))
	if err != nil {
		return false, fmt.Errorf("mssql: lookup %s: %w", table, err)
	}
	defer rows.Close()

	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return false, fmt.Errorf("mssql: lookup %s: %w", table, err)
		}
	}
	return n == 1, rows.Err()
}

func isObjectExists(err error) bool {
	var me mssql.Error
	if errors.As(err, &me) {
		return me.Number == errObjectExists
	}
	var mp *mssql.Error
	return errors.As(err, &mp) && mp.Number == errObjectExists
}

func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("mssql: insert %s: columns is empty", table)
	}
	limit := maxInsertRows
	if r.maxBatch > 0 && r.maxBatch < limit {
		limit = r.maxBatch
	}
	size := storage.RowsPerStatement(len(columns), maxParams, limit)
	return r.execChunks(ctx, table, rows, size, func(chunk [][]any) (string, []any, error) {
		q, args := buildBulkInsertSQL(table, columns, chunk)
		return q, args, nil
	})
}

func (r *Repo) UpsertRows(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	rows, err := storage.DedupeLastByColumns(rows, columns, spec.PrimaryKey)
	if err != nil {
		return 0, fmt.Errorf("mssql: upsert %s: %w", spec.Name, err)
	}
	size := storage.RowsPerStatement(len(columns), maxParams, r.maxBatch)
	return r.execChunks(ctx, spec.Name, rows, size, func(chunk [][]any) (string, []any, error) {
		return buildMergeSQL(spec, columns, chunk)
	})
}

func (r *Repo) execChunks(
	ctx context.Context,
	table string,
	rows [][]any,
	size int,
	build func([][]any) (string, []any, error),
) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	total := int64(0)
	for _, chunk := range storage.Chunks(rows, size) {
		q, args, err := build(chunk)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("mssql: write %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *Repo) SelectRows(ctx context.Context, table string, orderBy []string) ([]string, [][]any, error) {
	rows, err := r.db.QueryContext(ctx, buildSelectSQL(table, orderBy))
	if err != nil {
		return nil, nil, fmt.Errorf("mssql: select %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(columns))
		dests := make([]any, len(columns))
		for i := range vals {
			dests[i] = &vals[i]
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, nil, fmt.Errorf("mssql: scan %s: %w", table, err)
		}
		for i, v := range vals {
			// DECIMAL and some text types scan as []byte.
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	return columns, out, rows.Err()
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)

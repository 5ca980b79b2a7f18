package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rawstage/internal/storage"
)

// maxParams is the Postgres wire protocol limit on bind parameters per
// statement.
const maxParams = 65535

// sqlstateDuplicateTable is raised by CREATE TABLE when the relation exists.
const sqlstateDuplicateTable = "42P07"

/*
Repo implements storage.Repository for Postgres.

It provides:
  - Typed DDL with the duplicate-table SQLSTATE mapped to storage.ErrTableExists
  - Append-only inserts via COPY inside a transaction
  - Set-based upserts with INSERT ... ON CONFLICT, guarded by row_hash
*/
type Repo struct {
	pool     *pgxpool.Pool
	maxBatch int
}

// New creates a new Postgres-backed Repo.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repo{pool: pool, maxBatch: cfg.MaxBatchRows}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// CreateTable issues CREATE TABLE (without IF NOT EXISTS) so an existing
// relation surfaces as 42P07, which is reported as storage.ErrTableExists.
func (r *Repo) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	ddl, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		if isDuplicateTable(err) {
			return fmt.Errorf("postgres: %s: %w", spec.Name, storage.ErrTableExists)
		}
		return fmt.Errorf("postgres: create table %s: %w", spec.Name, err)
	}
	return nil
}

// TableExists resolves the name against the search path.
func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	var ok bool
	if err := r.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, pgIdent(table)).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres: lookup %s: %w", table, err)
	}
	return ok, nil
}

func isDuplicateTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlstateDuplicateTable
}

// InsertRows appends rows with COPY FROM inside a transaction.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	src := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		return storage.BindRow(append([]any(nil), rows[i]...)), nil
	})
	n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, src)
	if err != nil {
		return 0, fmt.Errorf("postgres: copy into %s: %w", table, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

// UpsertRows merges rows into spec.Name in chunks that stay under the
// parameter limit. All chunks share one transaction.
func (r *Repo) UpsertRows(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	rows, err := storage.DedupeLastByColumns(rows, columns, spec.PrimaryKey)
	if err != nil {
		return 0, fmt.Errorf("postgres: upsert %s: %w", spec.Name, err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	total := int64(0)
	size := storage.RowsPerStatement(len(columns), maxParams, r.maxBatch)
	for _, chunk := range storage.Chunks(rows, size) {
		q, args, err := buildUpsertSQL(spec, columns, chunk)
		if err != nil {
			return 0, err
		}
		cmd, err := tx.Exec(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("postgres: upsert %s: %w", spec.Name, err)
		}
		total += cmd.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

// SelectRows reads a whole table. Values come back as pgx decodes them
// (time.Time, string, int64, pgtype.Numeric, ...).
func (r *Repo) SelectRows(ctx context.Context, table string, orderBy []string) ([]string, [][]any, error) {
	rows, err := r.pool.Query(ctx, buildSelectSQL(table, orderBy))
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: select %s: %w", table, err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	columns := make([]string, len(fds))
	for i, fd := range fds {
		columns[i] = fd.Name
	}

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: scan %s: %w", table, err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("postgres: rows %s: %w", table, err)
	}
	return columns, out, nil
}

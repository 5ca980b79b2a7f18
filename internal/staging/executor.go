// Package staging merges canonical entity records into typed staging tables.
package staging

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rawstage/internal/storage"
	"rawstage/pkg/records"
)

// Executor creates staging tables and upserts records into them. Each Upsert
// is one set-based call and one transaction in the store.
type Executor struct {
	Repo   storage.Repository
	Logger *zap.Logger
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// EnsureTable creates spec if absent. An existing table is left as is; any
// other failure is a *storage.TableError.
func (e *Executor) EnsureTable(ctx context.Context, spec storage.TableSpec) (bool, error) {
	created, err := storage.EnsureTable(ctx, e.Repo, spec)
	if err != nil {
		return false, err
	}
	if created {
		e.logger().Info("staging table created", zap.String("table", spec.Name))
	} else {
		e.logger().Debug("staging table exists", zap.String("table", spec.Name))
	}
	return created, nil
}

// Upsert merges recs into spec.Name keyed on spec.PrimaryKey. It returns the
// number of rows the store inserted or changed; rows whose row_hash already
// matches are not counted.
func (e *Executor) Upsert(ctx context.Context, spec storage.TableSpec, recs []records.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	start := time.Now()
	columns := spec.ColumnNames()
	rows := make([][]any, len(recs))
	for i, r := range recs {
		rows[i] = r.Values(columns)
	}

	n, err := e.Repo.UpsertRows(ctx, spec, columns, rows)
	if err != nil {
		return 0, &storage.TableError{Table: spec.Name, Op: "upsert", Err: err}
	}

	e.logger().Info("upserted",
		zap.String("table", spec.Name),
		zap.Int("records", len(recs)),
		zap.Int64("rows", n),
		zap.Duration("duration", time.Since(start)),
	)
	return n, nil
}

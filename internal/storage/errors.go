package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrTableExists is returned (wrapped) by Repository.CreateTable when the
// table is already present.
var ErrTableExists = errors.New("table already exists")

// TableError carries the table and the operation that failed against it.
type TableError struct {
	Table string
	Op    string
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *TableError) Unwrap() error { return e.Err }

// EnsureTable creates spec.Name unless it already exists.
//
// An existing table is success (created=false) and is never altered; any
// other failure is returned as a *TableError.
func EnsureTable(ctx context.Context, repo Repository, spec TableSpec) (created bool, err error) {
	if err := spec.Validate(); err != nil {
		return false, &TableError{Table: spec.Name, Op: "create table", Err: err}
	}
	err = repo.CreateTable(ctx, spec)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrTableExists):
		return false, nil
	default:
		return false, &TableError{Table: spec.Name, Op: "create table", Err: err}
	}
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - MaxBatchRows caps the rows per statement. Zero means "as many as the
//     backend's parameter limit allows".
type Config struct {
	Kind         string
	DSN          string
	MaxBatchRows int
}

// Repository is the backend-agnostic store contract used by landing and
// staging.
//
// Each backend implements these semantics in its own idiomatic way (Postgres
// ON CONFLICT, SQLite upsert clause, SQL Server MERGE). Every write method runs
// in a single transaction: either all rows are visible afterwards or none.
type Repository interface {
	// Close releases backend resources. Call once at process shutdown.
	Close()

	// CreateTable issues DDL for spec. When the table already exists the
	// returned error satisfies errors.Is(err, ErrTableExists).
	CreateTable(ctx context.Context, spec TableSpec) error

	// TableExists reports whether table is present in the store.
	TableExists(ctx context.Context, table string) (bool, error)

	// InsertRows appends rows to table. It never updates or deletes.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// UpsertRows merges rows into spec.Name keyed on spec.PrimaryKey. Rows
	// whose key exists get every non-key column replaced, unless their row_hash
	// is unchanged; the rest are inserted. Duplicate keys within rows collapse
	// to the last occurrence.
	UpsertRows(ctx context.Context, spec TableSpec, columns []string, rows [][]any) (int64, error)

	// SelectRows returns every row of table ordered by orderBy (may be empty).
	SelectRows(ctx context.Context, table string, orderBy []string) ([]string, [][]any, error)
}

// Factory opens a Repository for a backend kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered. Ambiguous
//     backend selection must fail fast.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"snapwh/internal/records"
)

// Config is the minimal configuration needed to open a Warehouse.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Writer is the write surface shared by a Warehouse and an open MergeTx.
//
// The audit logger finishes a run through whichever one is live: the merge
// transaction on success, the warehouse itself after a rollback.
type Writer interface {
	// InsertRows bulk-inserts rows. With dedupeColumns set, rows whose dedupe
	// key already exists are skipped, making re-ingest idempotent.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error)

	// FinishRunAudit moves a running audit row to its terminal state. It fails
	// with ErrNotRunning unless exactly one running row matched.
	FinishRunAudit(ctx context.Context, a records.RunAudit) error
}

// Warehouse is a backend-agnostic interface over the dimensional store.
//
// Each backend implements these semantics in its own idiomatic way (Postgres
// ON CONFLICT, SQLite OR IGNORE, SQL Server NOT EXISTS, MySQL INSERT IGNORE).
type Warehouse interface {
	Writer

	// Close releases backend resources. Call once.
	Close()

	// EnsureTables creates missing tables. Idempotent.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// LookupDateKey returns date_dim.date_key for a "YYYY-MM-DD" date.
	LookupDateKey(ctx context.Context, fullDate string) (int64, bool, error)

	// SelectExistingKeys returns the subset of keys that have a current row.
	SelectExistingKeys(ctx context.Context, spec EntitySpec, keys []string) (map[string]struct{}, error)

	InsertRunAudit(ctx context.Context, a records.RunAudit) error

	// BeginMerge opens the single transaction all entity merges share.
	//
	// While it is open no other Warehouse method may be called; the SQLite
	// backend runs on one connection.
	BeginMerge(ctx context.Context) (MergeTx, error)
}

// MergeTx is the transactional surface of an SCD2 merge.
type MergeTx interface {
	Writer

	// SelectCurrent returns the current version of each given key that has one,
	// locking those rows where the backend supports it.
	SelectCurrent(ctx context.Context, spec EntitySpec, keys []string) (map[string]Version, error)

	// CloseCurrent sets is_current=false and end_date_key on the current rows
	// of keys and returns the number of rows closed.
	CloseCurrent(ctx context.Context, spec EntitySpec, keys []string, endDateKey int64) (int64, error)

	// InsertCurrent inserts open versions starting at startDateKey.
	InsertCurrent(ctx context.Context, spec EntitySpec, versions []Version, startDateKey int64) (int64, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ---- factories ----

type factory func(ctx context.Context, cfg Config) (Warehouse, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
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

// Open constructs a Warehouse using the registered backend factory.
//
// Safe for concurrent use with Register.
func Open(ctx context.Context, cfg Config) (Warehouse, error) {
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

// Kinds lists the registered backend kinds, sorted.
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

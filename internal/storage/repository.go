// Package storage defines the store-access boundary for the papers pipeline
// and a registry of backend implementations.
//
// The interface is intentionally minimal: schema management, transactional
// upsert batches, and read-only queries for the quality audit. Each backend
// implements the semantics in its own idiomatic way (Postgres ON CONFLICT,
// SQLite upsert clause, SQL Server MERGE).
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Config selects and configures a backend.
//
// Kind must match a registered backend kind. DSN is passed through to the
// backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Outcome reports which branch an upsert took.
type Outcome int

const (
	// Inserted means the row did not exist and was created.
	Inserted Outcome = iota
	// Updated means an existing row with the same id was fully replaced.
	Updated
)

func (o Outcome) String() string {
	if o == Inserted {
		return "inserted"
	}
	return "updated"
}

// Rows is the minimal result-set interface the quality auditor consumes.
// pgx rows satisfy it directly; database/sql backends wrap *sql.Rows.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close()
	Err() error
}

// Batch is one open transaction accepting upserts. The caller must finish a
// Batch with exactly one Commit or Rollback.
type Batch interface {
	// Upsert writes one row keyed on the id column: insert when absent,
	// full replace of all non-key columns when present. columns must align
	// with row value-for-value.
	Upsert(ctx context.Context, columns []string, row []any) (Outcome, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Repository is a backend-agnostic handle to the papers table.
type Repository interface {
	// Close releases backend resources. Call once at end of run.
	Close()

	// EnsureSchema creates the papers table and its indexes when missing.
	// With force set it drops and recreates unconditionally, destroying
	// existing data; force is an explicit caller decision, never a default.
	// Idempotent when force is false.
	EnsureSchema(ctx context.Context, force bool) error

	// Begin opens one upsert transaction.
	Begin(ctx context.Context) (Batch, error)

	// Query runs a read-only statement. Used by the quality auditor; the
	// SQL issued there sticks to the portable subset every backend accepts.
	Query(ctx context.Context, query string, args ...any) (Rows, error)
}

/* ---------- error classification ---------- */

// fatalError marks a transaction-fatal store error: the enclosing chunk
// cannot continue and must be rolled back.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// MarkFatal wraps err so IsFatal reports true. Backends call this for
// connection-level and transaction-level failures; record-level failures
// (constraint violations, coercion errors) are returned unwrapped.
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err ends the enclosing transaction. Context
// cancellation always counts as fatal: the connection state is unknown.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var f *fatalError
	if errors.As(err, &f) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

/* ---------- backend registry ---------- */

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
// Call from an init() in the backend package. Registering the same kind
// twice panics, to fail fast on ambiguous backend selection.
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

// New constructs a Repository using the registered backend factory.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%q", cfg.Kind)
	}
	return f(ctx, cfg)
}

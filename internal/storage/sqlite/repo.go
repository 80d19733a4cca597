// Package sqlite implements the papers repository on an embedded SQLite
// database. Intended for local runs and tests; no server required.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"paperetl/internal/storage"
)

func init() {
	storage.Register("sqlite", New)
}

// Repo is a SQLite-backed storage.Repository.
type Repo struct {
	db *sql.DB
}

// New opens (and creates, if needed) the database file named by cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// The driver is single-writer; more connections just queue on the lock.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() {
	r.db.Close()
}

// EnsureSchema creates the papers table and indexes if missing. With force
// set, the table is dropped first.
func (r *Repo) EnsureSchema(ctx context.Context, force bool) error {
	if force {
		if _, err := r.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+ident(storage.TableName)); err != nil {
			return fmt.Errorf("drop %s: %w", storage.TableName, err)
		}
	}

	if _, err := r.db.ExecContext(ctx, buildCreateSQL()); err != nil {
		return fmt.Errorf("create %s: %w", storage.TableName, err)
	}
	for _, stmt := range buildIndexSQL() {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func (r *Repo) Begin(ctx context.Context) (storage.Batch, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.MarkFatal(err)
	}
	return &batch{tx: tx}, nil
}

func (r *Repo) Query(ctx context.Context, query string, args ...any) (storage.Rows, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &sqlRows{rows: rows}, nil
}

// sqlRows adapts *sql.Rows to storage.Rows (Close drops its error).
type sqlRows struct {
	rows *sql.Rows
}

func (r *sqlRows) Next() bool           { return r.rows.Next() }
func (r *sqlRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *sqlRows) Close()               { _ = r.rows.Close() }
func (r *sqlRows) Err() error           { return r.rows.Err() }

type batch struct {
	tx *sql.Tx
}

func (b *batch) Upsert(ctx context.Context, columns []string, row []any) (storage.Outcome, error) {
	if len(columns) == 0 || len(columns) != len(row) {
		return storage.Inserted, fmt.Errorf("upsert: %d columns, %d values", len(columns), len(row))
	}

	id, err := idValue(columns, row)
	if err != nil {
		return storage.Inserted, err
	}

	outcome := storage.Inserted
	var one int
	err = b.tx.QueryRowContext(ctx, `SELECT 1 FROM `+ident(storage.TableName)+` WHERE id = ?`, id).Scan(&one)
	switch {
	case err == nil:
		outcome = storage.Updated
	case errors.Is(err, sql.ErrNoRows):
		// New row.
	default:
		return storage.Inserted, storage.MarkFatal(err)
	}

	query, args := buildUpsertSQL(columns, row)
	if _, err := b.tx.ExecContext(ctx, query, args...); err != nil {
		return storage.Inserted, classify(err)
	}
	return outcome, nil
}

func (b *batch) Commit(ctx context.Context) error {
	if err := b.tx.Commit(); err != nil {
		return storage.MarkFatal(err)
	}
	return nil
}

func (b *batch) Rollback(ctx context.Context) error {
	err := b.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// classify keeps constraint and datatype failures record-level. The driver
// reports them with CONSTRAINT/datatype text; anything else (locked or
// corrupt database, closed connection) is fatal to the chunk.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "datatype mismatch") {
		return err
	}
	return storage.MarkFatal(err)
}

func idValue(columns []string, row []any) (any, error) {
	for i, c := range columns {
		if c == "id" {
			return row[i], nil
		}
	}
	return nil, fmt.Errorf("upsert: id column missing")
}

/* ---------- SQL builders ---------- */

// buildUpsertSQL renders INSERT ... ON CONFLICT(id) DO UPDATE with full
// replacement of all non-key columns.
func buildUpsertSQL(columns []string, row []any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(ident(storage.TableName))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ident(c))
	}
	b.WriteString(") VALUES (")

	args := make([]any, 0, len(row))
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
		args = append(args, row[i])
	}
	b.WriteString(") ON CONFLICT(id) DO UPDATE SET ")

	first := true
	for _, c := range columns {
		if c == "id" {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(ident(c))
		b.WriteString(" = excluded.")
		b.WriteString(ident(c))
	}
	b.WriteString(", updated_at = CURRENT_TIMESTAMP")

	return b.String(), args
}

func buildCreateSQL() string {
	cols := storage.Columns()
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		defs = append(defs, columnDef(c))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", ident(storage.TableName), strings.Join(defs, ", "))
}

func buildIndexSQL() []string {
	out := make([]string, 0, len(storage.IndexColumns()))
	for _, col := range storage.IndexColumns() {
		out = append(out, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			ident("idx_"+storage.TableName+"_"+col), ident(storage.TableName), ident(col),
		))
	}
	return out
}

func columnDef(c storage.ColumnSpec) string {
	var b strings.Builder
	b.WriteString(ident(c.Name))
	b.WriteString(" ")
	b.WriteString(sqliteType(c.Kind))
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	} else if c.NotNull {
		b.WriteString(" NOT NULL")
	}
	if c.Managed {
		b.WriteString(" NOT NULL DEFAULT CURRENT_TIMESTAMP")
	}
	return b.String()
}

// sqliteType maps column kinds onto SQLite's storage classes. Dates and
// timestamps are stored as TEXT in ISO-8601, which sorts correctly.
func sqliteType(k storage.ColumnKind) string {
	switch k {
	case storage.KindInt, storage.KindBool:
		return "INTEGER"
	case storage.KindReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

func ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Package mssql implements the papers repository on SQL Server. Upserts use
// a single MERGE statement; indexed text columns get bounded NVARCHAR types
// since SQL Server cannot index NVARCHAR(MAX).
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssqldb "github.com/microsoft/go-mssqldb"

	"paperetl/internal/storage"
)

func init() {
	storage.Register("mssql", New)
}

// Repo is a SQL Server-backed storage.Repository.
type Repo struct {
	db *sql.DB
}

// New connects to the server named by cfg.DSN and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
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
		stmt := fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s",
			storage.TableName, ident(storage.TableName))
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
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

type sqlRows struct {
	rows *sql.Rows
}

func (r *sqlRows) Next() bool             { return r.rows.Next() }
func (r *sqlRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *sqlRows) Close()                 { _ = r.rows.Close() }
func (r *sqlRows) Err() error             { return r.rows.Err() }

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
	probe := `SELECT 1 FROM ` + ident(storage.TableName) + ` WHERE ` + ident("id") + ` = @p1`
	err = b.tx.QueryRowContext(ctx, probe, id).Scan(&one)
	switch {
	case err == nil:
		outcome = storage.Updated
	case errors.Is(err, sql.ErrNoRows):
		// New row.
	default:
		return storage.Inserted, storage.MarkFatal(err)
	}

	query, args := buildMergeSQL(columns, row)
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

// recordLevelNumbers are server error numbers confined to the failing row:
// duplicate key (2601, 2627), constraint violation (547), NOT NULL (515),
// conversion failures (245, 8114), truncation (2628, 8152).
var recordLevelNumbers = map[int32]bool{
	245:  true,
	515:  true,
	547:  true,
	2601: true,
	2627: true,
	2628: true,
	8114: true,
	8152: true,
}

func classify(err error) error {
	var serverErr mssqldb.Error
	if errors.As(err, &serverErr) && recordLevelNumbers[serverErr.Number] {
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

/* ---------- SQL builders (pure, unit-tested without a server) ---------- */

// buildMergeSQL renders the single-row MERGE upsert and its args. All
// non-key columns are replaced from the incoming row and updated_at is
// bumped server-side.
func buildMergeSQL(columns []string, row []any) (string, []any) {
	var b strings.Builder
	b.WriteString("MERGE ")
	b.WriteString(ident(storage.TableName))
	b.WriteString(" AS t USING (SELECT ")

	args := make([]any, 0, len(row))
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d AS %s", i+1, ident(c))
		args = append(args, row[i])
	}
	b.WriteString(") AS s ON t.")
	b.WriteString(ident("id"))
	b.WriteString(" = s.")
	b.WriteString(ident("id"))

	b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
	first := true
	for _, c := range columns {
		if c == "id" {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "t.%s = s.%s", ident(c), ident(c))
	}
	b.WriteString(", t.")
	b.WriteString(ident("updated_at"))
	b.WriteString(" = SYSUTCDATETIME()")

	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ident(c))
	}
	b.WriteString(") VALUES (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("s.")
		b.WriteString(ident(c))
	}
	b.WriteString(");")

	return b.String(), args
}

func buildCreateSQL() string {
	cols := storage.Columns()
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		defs = append(defs, columnDef(c))
	}
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
		storage.TableName, ident(storage.TableName), strings.Join(defs, ", "))
}

func buildIndexSQL() []string {
	out := make([]string, 0, len(storage.IndexColumns()))
	for _, col := range storage.IndexColumns() {
		name := "idx_" + storage.TableName + "_" + col
		out = append(out, fmt.Sprintf(
			"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s'))"+
				" CREATE INDEX %s ON %s (%s)",
			name, storage.TableName, ident(name), ident(storage.TableName), ident(col),
		))
	}
	return out
}

func columnDef(c storage.ColumnSpec) string {
	var b strings.Builder
	b.WriteString(ident(c.Name))
	b.WriteString(" ")
	b.WriteString(mssqlType(c))
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	} else if c.NotNull {
		b.WriteString(" NOT NULL")
	}
	if c.Managed {
		b.WriteString(" NOT NULL DEFAULT SYSUTCDATETIME()")
	}
	return b.String()
}

// mssqlType maps a column spec to a server type. Text columns that are keyed
// or indexed get NVARCHAR(450) so they fit the 900-byte index key limit;
// free text stays NVARCHAR(MAX).
func mssqlType(c storage.ColumnSpec) string {
	switch c.Kind {
	case storage.KindInt:
		return "INT"
	case storage.KindReal:
		return "FLOAT"
	case storage.KindBool:
		return "BIT"
	case storage.KindDate:
		return "DATE"
	case storage.KindTimestamp:
		return "DATETIME2"
	}
	if c.PrimaryKey || indexed(c.Name) {
		return "NVARCHAR(450)"
	}
	return "NVARCHAR(MAX)"
}

func indexed(name string) bool {
	for _, col := range storage.IndexColumns() {
		if col == name {
			return true
		}
	}
	return false
}

func ident(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

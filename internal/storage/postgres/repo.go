package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"paperetl/internal/storage"
)

// Repo implements storage.Repository for Postgres, the primary backend.
//
// Upserts use INSERT ... ON CONFLICT (id) DO UPDATE with full replacement of
// all non-key columns. Insert-vs-update classification uses an existence
// probe inside the batch transaction, keeping the write itself a single
// atomic statement.
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates a Postgres-backed repository and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureSchema creates the papers table and indexes if missing. With force
// set, the table is dropped first; all existing rows are lost.
func (r *Repo) EnsureSchema(ctx context.Context, force bool) error {
	if force {
		if _, err := r.pool.Exec(ctx, `DROP TABLE IF EXISTS `+TableIdent()); err != nil {
			return fmt.Errorf("drop %s: %w", storage.TableName, err)
		}
	}

	if _, err := r.pool.Exec(ctx, buildCreateSQL()); err != nil {
		return fmt.Errorf("create %s: %w", storage.TableName, err)
	}
	for _, stmt := range buildIndexSQL() {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Begin opens one upsert transaction.
func (r *Repo) Begin(ctx context.Context) (storage.Batch, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, storage.MarkFatal(err)
	}
	return &batch{tx: tx}, nil
}

// Query runs a read-only statement. pgx rows satisfy storage.Rows directly.
func (r *Repo) Query(ctx context.Context, query string, args ...any) (storage.Rows, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

type batch struct {
	tx pgx.Tx
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
	err = b.tx.QueryRow(ctx, `SELECT 1 FROM `+TableIdent()+` WHERE id = $1`, id).Scan(&one)
	switch {
	case err == nil:
		outcome = storage.Updated
	case errors.Is(err, pgx.ErrNoRows):
		// New row.
	default:
		return storage.Inserted, classify(err)
	}

	sql, args := buildUpsertSQL(columns, row)
	if _, err := b.tx.Exec(ctx, sql, args...); err != nil {
		return storage.Inserted, classify(err)
	}
	return outcome, nil
}

func (b *batch) Commit(ctx context.Context) error {
	if err := b.tx.Commit(ctx); err != nil {
		return storage.MarkFatal(err)
	}
	return nil
}

func (b *batch) Rollback(ctx context.Context) error {
	err := b.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// classify maps a Postgres error to the pipeline's error taxonomy.
//
// SQLSTATE class 22 (data exception) and 23 (integrity constraint) are
// record-level: the statement failed but the transaction and connection are
// usable for the next record. Anything else (connection loss, aborted
// transaction, internal error) is fatal to the chunk.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := pgErr.Code
		if len(class) >= 2 {
			class = class[:2]
		}
		switch class {
		case "22", "23":
			return err
		}
	}
	return storage.MarkFatal(err)
}

// idValue extracts the primary key value from an aligned column/value pair.
func idValue(columns []string, row []any) (any, error) {
	for i, c := range columns {
		if c == "id" {
			return row[i], nil
		}
	}
	return nil, fmt.Errorf("upsert: id column missing")
}

/* ---------- SQL builders (pure, unit-tested without a database) ---------- */

// TableIdent returns the quoted papers table identifier.
func TableIdent() string {
	return pgIdent(storage.TableName)
}

// buildUpsertSQL renders the single-row upsert statement and its args.
//
// ON CONFLICT (id) DO UPDATE replaces every non-key column from the incoming
// row (full replace, not merge) and bumps updated_at.
func buildUpsertSQL(columns []string, row []any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(TableIdent())
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES (")

	args := make([]any, 0, len(row))
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
		args = append(args, row[i])
	}
	b.WriteString(") ON CONFLICT (id) DO UPDATE SET ")

	first := true
	for _, c := range columns {
		if c == "id" {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(pgIdent(c))
		b.WriteString(" = EXCLUDED.")
		b.WriteString(pgIdent(c))
	}
	b.WriteString(", updated_at = CURRENT_TIMESTAMP")

	return b.String(), args
}

// buildCreateSQL renders CREATE TABLE IF NOT EXISTS for the papers table.
func buildCreateSQL() string {
	cols := storage.Columns()
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		defs = append(defs, columnDef(c))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", TableIdent(), strings.Join(defs, ", "))
}

// buildIndexSQL renders the supporting index statements.
func buildIndexSQL() []string {
	out := make([]string, 0, len(storage.IndexColumns()))
	for _, col := range storage.IndexColumns() {
		out = append(out, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			pgIdent("idx_"+storage.TableName+"_"+col), TableIdent(), pgIdent(col),
		))
	}
	return out
}

func columnDef(c storage.ColumnSpec) string {
	var b strings.Builder
	b.WriteString(pgIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(pgType(c.Kind))
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

func pgType(k storage.ColumnKind) string {
	switch k {
	case storage.KindInt:
		return "INTEGER"
	case storage.KindReal:
		return "DOUBLE PRECISION"
	case storage.KindBool:
		return "BOOLEAN"
	case storage.KindDate:
		return "DATE"
	case storage.KindTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// pgIdent double-quotes an identifier.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

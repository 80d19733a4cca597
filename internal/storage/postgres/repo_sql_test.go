package postgres

import (
	"strings"
	"testing"

	"paperetl/internal/storage"
)

func TestBuildUpsertSQL(t *testing.T) {
	t.Parallel()

	columns := []string{"id", "title", "cited_by_count"}
	row := []any{"W1", "A Title", 7}

	sql, args := buildUpsertSQL(columns, row)

	want := `INSERT INTO "papers" ("id", "title", "cited_by_count") VALUES ($1, $2, $3)` +
		` ON CONFLICT (id) DO UPDATE SET "title" = EXCLUDED."title",` +
		` "cited_by_count" = EXCLUDED."cited_by_count", updated_at = CURRENT_TIMESTAMP`
	if sql != want {
		t.Errorf("sql mismatch\n got: %s\nwant: %s", sql, want)
	}

	if len(args) != 3 {
		t.Fatalf("args len = %d, want 3", len(args))
	}
	if args[0] != "W1" || args[1] != "A Title" || args[2] != 7 {
		t.Errorf("args = %v", args)
	}
}

func TestBuildUpsertSQLFullColumnSet(t *testing.T) {
	t.Parallel()

	columns := storage.InsertColumns()
	row := make([]any, len(columns))

	sql, args := buildUpsertSQL(columns, row)

	if len(args) != len(columns) {
		t.Fatalf("args len = %d, want %d", len(args), len(columns))
	}
	if got := strings.Count(sql, "$"); got != len(columns) {
		t.Errorf("placeholder count = %d, want %d", got, len(columns))
	}
	// id must never be rewritten on conflict.
	if strings.Contains(sql, `"id" = EXCLUDED."id"`) {
		t.Error("upsert rewrites the primary key")
	}
	if !strings.Contains(sql, "updated_at = CURRENT_TIMESTAMP") {
		t.Error("upsert does not bump updated_at")
	}
}

func TestBuildCreateSQL(t *testing.T) {
	t.Parallel()

	sql := buildCreateSQL()

	if !strings.HasPrefix(sql, `CREATE TABLE IF NOT EXISTS "papers" (`) {
		t.Errorf("unexpected prefix: %s", sql)
	}
	for _, want := range []string{
		`"id" TEXT PRIMARY KEY`,
		`"publication_year" INTEGER`,
		`"citation_normalized_percentile" DOUBLE PRECISION`,
		`"is_open_access" BOOLEAN`,
		`"publication_date" DATE`,
		`"fetched_at" TIMESTAMPTZ`,
		`"created_at" TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP`,
		`"updated_at" TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP`,
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("missing %q in:\n%s", want, sql)
		}
	}
}

func TestBuildIndexSQL(t *testing.T) {
	t.Parallel()

	stmts := buildIndexSQL()
	if len(stmts) != len(storage.IndexColumns()) {
		t.Fatalf("got %d statements, want %d", len(stmts), len(storage.IndexColumns()))
	}
	for i, col := range storage.IndexColumns() {
		want := `CREATE INDEX IF NOT EXISTS "idx_papers_` + col + `" ON "papers" ("` + col + `")`
		if stmts[i] != want {
			t.Errorf("stmt[%d]\n got: %s\nwant: %s", i, stmts[i], want)
		}
	}
}

func TestIDValue(t *testing.T) {
	t.Parallel()

	v, err := idValue([]string{"doi", "id", "title"}, []any{"d", "W9", "t"})
	if err != nil {
		t.Fatalf("idValue: %v", err)
	}
	if v != "W9" {
		t.Errorf("id = %v, want W9", v)
	}

	if _, err := idValue([]string{"doi", "title"}, []any{"d", "t"}); err == nil {
		t.Error("expected error when id column is absent")
	}
}

func TestPGIdentQuotesEmbeddedQuote(t *testing.T) {
	t.Parallel()

	if got := pgIdent(`we"ird`); got != `"we""ird"` {
		t.Errorf("pgIdent = %s", got)
	}
}

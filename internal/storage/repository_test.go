package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRegisterAndNew(t *testing.T) {
	t.Parallel()

	called := false
	Register("fake-kind", func(ctx context.Context, cfg Config) (Repository, error) {
		called = true
		if cfg.DSN != "dsn-value" {
			t.Errorf("DSN = %q", cfg.DSN)
		}
		return nil, errors.New("factory ran")
	})

	_, err := New(context.Background(), Config{Kind: "fake-kind", DSN: "dsn-value"})
	if err == nil || err.Error() != "factory ran" {
		t.Errorf("err = %v", err)
	}
	if !called {
		t.Error("factory not invoked")
	}
}

func TestNewUnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{Kind: "no-such-backend"}); err == nil {
		t.Error("expected error for unregistered kind")
	}
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("expected error for empty kind")
	}
}

func TestRegisterPanics(t *testing.T) {
	t.Parallel()

	mustPanic := func(name string, fn func()) {
		defer func() {
			if recover() == nil {
				t.Errorf("%s: no panic", name)
			}
		}()
		fn()
	}

	mustPanic("empty kind", func() {
		Register("", func(ctx context.Context, cfg Config) (Repository, error) { return nil, nil })
	})
	mustPanic("nil factory", func() { Register("nil-factory-kind", nil) })

	Register("dup-kind", func(ctx context.Context, cfg Config) (Repository, error) { return nil, nil })
	mustPanic("duplicate kind", func() {
		Register("dup-kind", func(ctx context.Context, cfg Config) (Repository, error) { return nil, nil })
	})
}

func TestFatalClassification(t *testing.T) {
	t.Parallel()

	plain := errors.New("value out of range")
	if IsFatal(plain) {
		t.Error("plain error classified fatal")
	}

	fatal := MarkFatal(plain)
	if !IsFatal(fatal) {
		t.Error("marked error not classified fatal")
	}
	// The original error stays reachable through the wrapper.
	if !errors.Is(fatal, plain) {
		t.Error("MarkFatal broke the error chain")
	}
	if IsFatal(nil) {
		t.Error("nil classified fatal")
	}
	if MarkFatal(nil) != nil {
		t.Error("MarkFatal(nil) != nil")
	}

	wrapped := fmt.Errorf("upsert: %w", MarkFatal(plain))
	if !IsFatal(wrapped) {
		t.Error("wrapping hid the fatal mark")
	}

	if !IsFatal(context.Canceled) || !IsFatal(context.DeadlineExceeded) {
		t.Error("context errors must be fatal")
	}
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	if Inserted.String() != "inserted" || Updated.String() != "updated" {
		t.Errorf("outcomes = %s / %s", Inserted, Updated)
	}
}

func TestSchemaColumns(t *testing.T) {
	t.Parallel()

	cols := Columns()
	if cols[0].Name != "id" || !cols[0].PrimaryKey || !cols[0].NotNull {
		t.Errorf("first column = %+v, want id primary key", cols[0])
	}

	insert := InsertColumns()
	if insert[0] != "id" {
		t.Errorf("insert columns start with %q", insert[0])
	}
	for _, name := range insert {
		if name == "created_at" || name == "updated_at" {
			t.Errorf("managed column %q leaked into insert set", name)
		}
	}
	if want := len(cols) - 2; len(insert) != want {
		t.Errorf("insert columns = %d, want %d", len(insert), want)
	}

	// Every indexed column must exist in the schema.
	byName := map[string]bool{}
	for _, c := range cols {
		byName[c.Name] = true
	}
	for _, idx := range IndexColumns() {
		if !byName[idx] {
			t.Errorf("index column %q not in schema", idx)
		}
	}
}

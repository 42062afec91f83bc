package migrations

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	entitlements "github.com/goliatone/go-entitlements"
)

func TestFilesystemsReturnsPostgresAndSQLite(t *testing.T) {
	filesystems, err := Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	if len(filesystems) != 2 {
		t.Fatalf("expected 2 filesystems, got %d", len(filesystems))
	}
	for _, entry := range filesystems {
		matches, globErr := fs.Glob(entry.FS, "*.up.sql")
		if globErr != nil {
			t.Fatalf("glob %s: %v", entry.Dialect, globErr)
		}
		if len(matches) < 2 {
			t.Fatalf("expected core and product migrations for %s, got %v", entry.Dialect, matches)
		}
	}
}

func TestRegisterUsesValidationTargets(t *testing.T) {
	var calls []string
	reg, err := Register(context.Background(), func(_ context.Context, dialect string, label string, _ fs.FS) error {
		calls = append(calls, dialect+":"+label)
		return nil
	}, WithValidationTargets("SQLite"), WithSourceLabel("billing"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != "sqlite:billing" {
		t.Fatalf("expected one sqlite registration, got %v", calls)
	}
	if reg.SourceLabel != "billing" {
		t.Fatalf("expected source label override, got %q", reg.SourceLabel)
	}
}

func TestRegisterRequiresFunction(t *testing.T) {
	if _, err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected error without register function")
	}
}

func TestFilesystemsRejectsMissingDownFile(t *testing.T) {
	source := fstest.MapFS{
		"data/sql/migrations/00001_x.up.sql":        {Data: []byte("SELECT 1;")},
		"data/sql/migrations/00001_x.down.sql":      {Data: []byte("SELECT 1;")},
		"data/sql/migrations/sqlite/00001_x.up.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := Filesystems(source)
	if err == nil || !strings.Contains(err.Error(), "down file") {
		t.Fatalf("expected missing down file error, got %v", err)
	}
}

func TestLedgerIsAppendOnlyInBothDialects(t *testing.T) {
	root := entitlements.GetMigrationsFS()
	for _, path := range []string{
		"data/sql/migrations/00001_entitlements_core.up.sql",
		"data/sql/migrations/sqlite/00001_entitlements_core.up.sql",
	} {
		content, err := fs.ReadFile(root, path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		text := string(content)
		if !strings.Contains(text, "append-only") {
			t.Fatalf("expected append-only trigger in %s", path)
		}
		if !strings.Contains(text, "credit_balance >= 0") {
			t.Fatalf("expected non-negative balance constraint in %s", path)
		}
	}
}

func TestDialectFor(t *testing.T) {
	cases := map[string]string{"postgres": DialectPostgres, "pg": DialectPostgres, "sqlite3": DialectSQLite}
	for input, want := range cases {
		got, ok := DialectFor(input)
		if !ok || got != want {
			t.Fatalf("DialectFor(%q) = %q, %v", input, got, ok)
		}
	}
	if _, ok := DialectFor("mysql"); ok {
		t.Fatalf("expected mysql to be unsupported")
	}
}

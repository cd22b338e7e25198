package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tradegate/pkg/audit"
)

type fakeMigratorDB struct {
	execFn   func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	applied  map[string]bool
	tx       *fakeMigratorTx
	closed   bool
	lookups  []string
	beginErr error
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeMigratorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	name, _ := args[0].(string)
	f.lookups = append(f.lookups, name)
	return fakeMigratorRow{exists: f.applied[name]}
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	if f.tx == nil {
		f.tx = &fakeMigratorTx{}
	}
	return f.tx, nil
}

func (f *fakeMigratorDB) Close() { f.closed = true }

type fakeMigratorRow struct {
	exists bool
}

func (r fakeMigratorRow) Scan(dest ...any) error {
	if len(dest) != 1 {
		return errors.New("scan arity mismatch")
	}
	d, ok := dest[0].(*bool)
	if !ok {
		return errors.New("expected bool")
	}
	*d = r.exists
	return nil
}

type fakeMigratorTx struct {
	statements []string
	commits    int
}

func (t *fakeMigratorTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeMigratorTx) Commit(ctx context.Context) error          { t.commits++; return nil }
func (t *fakeMigratorTx) Rollback(ctx context.Context) error        { return nil }
func (t *fakeMigratorTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeMigratorTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeMigratorTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeMigratorTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.statements = append(t.statements, sql)
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeMigratorTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeMigratorRow{}
}
func (t *fakeMigratorTx) Conn() *pgx.Conn { return nil }

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func withOpenDB(t *testing.T, fn func(context.Context, audit.PostgresOptions) (migratorDB, error)) {
	t.Helper()
	orig := openDBFn
	openDBFn = fn
	t.Cleanup(func() { openDBFn = orig })
}

func TestParseOptions(t *testing.T) {
	t.Run("env supplies url and tls", func(t *testing.T) {
		opts, err := parseOptions(nil, envMap(map[string]string{
			"AUDIT_URL":         " postgres://audit@db/audit ",
			"AUDIT_REQUIRE_TLS": "TRUE",
		}), io.Discard)
		if err != nil {
			t.Fatalf("parseOptions: %v", err)
		}
		if opts.db.URL != "postgres://audit@db/audit" || !opts.db.RequireTLS {
			t.Fatalf("unexpected options: %+v", opts.db)
		}
	})

	t.Run("flags win over env", func(t *testing.T) {
		opts, err := parseOptions([]string{"--database-url", "postgres://flag@db/audit", "--require-tls=false"},
			envMap(map[string]string{"AUDIT_URL": "postgres://env@db/audit", "AUDIT_REQUIRE_TLS": "true"}), io.Discard)
		if err != nil {
			t.Fatalf("parseOptions: %v", err)
		}
		if opts.db.URL != "postgres://flag@db/audit" || opts.db.RequireTLS {
			t.Fatalf("flags must override env: %+v", opts.db)
		}
	})

	t.Run("url required", func(t *testing.T) {
		if _, err := parseOptions(nil, noEnv, io.Discard); err == nil {
			t.Fatal("expected missing url error")
		}
	})

	t.Run("timeout positive", func(t *testing.T) {
		if _, err := parseOptions([]string{"--database-url", "postgres://db", "--timeout", "0s"}, noEnv, io.Discard); err == nil {
			t.Fatal("expected timeout error")
		}
	})
}

func TestRunMigratorAppliesEmbeddedSchema(t *testing.T) {
	db := &fakeMigratorDB{applied: map[string]bool{}}
	var got audit.PostgresOptions
	withOpenDB(t, func(_ context.Context, opts audit.PostgresOptions) (migratorDB, error) {
		got = opts
		return db, nil
	})

	if err := runMigrator([]string{"--database-url", "postgres://db/audit"}, noEnv, io.Discard); err != nil {
		t.Fatalf("runMigrator: %v", err)
	}
	if got.URL != "postgres://db/audit" {
		t.Fatalf("open called with %+v", got)
	}
	if !db.closed {
		t.Fatal("pool must be closed after migrating")
	}
	if len(db.lookups) == 0 || db.tx == nil || db.tx.commits != len(db.lookups) {
		t.Fatalf("expected every embedded file applied, lookups=%v tx=%+v", db.lookups, db.tx)
	}
	if !strings.Contains(strings.Join(db.tx.statements, "\n"), "access_audit") {
		t.Fatalf("audit table not created: %v", db.tx.statements)
	}
}

func TestRunMigratorSkipsAppliedFilesFromDir(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"001_init.sql":  "SELECT 1;",
		"002_index.sql": "SELECT 2;",
		"notes.txt":     "ignored",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	db := &fakeMigratorDB{applied: map[string]bool{"001_init.sql": true}}
	withOpenDB(t, func(context.Context, audit.PostgresOptions) (migratorDB, error) { return db, nil })

	if err := runMigrator([]string{"--dir", dir}, envMap(map[string]string{"AUDIT_URL": "postgres://db"}), io.Discard); err != nil {
		t.Fatalf("runMigrator: %v", err)
	}
	if strings.Join(db.lookups, ",") != "001_init.sql,002_index.sql" {
		t.Fatalf("unexpected lookup order: %v", db.lookups)
	}
	if db.tx == nil || db.tx.commits != 1 || db.tx.statements[0] != "SELECT 2;" {
		t.Fatalf("only the pending file should be applied: %+v", db.tx)
	}
}

func TestRunMigratorErrors(t *testing.T) {
	t.Run("help", func(t *testing.T) {
		withOpenDB(t, func(context.Context, audit.PostgresOptions) (migratorDB, error) {
			t.Fatal("db must not be opened for help")
			return nil, nil
		})
		if err := runMigrator([]string{"--help"}, noEnv, io.Discard); err != nil {
			t.Fatalf("help must not be an error, got %v", err)
		}
	})

	t.Run("flags", func(t *testing.T) {
		err := runMigrator(nil, noEnv, io.Discard)
		if err == nil || !strings.HasPrefix(err.Error(), "flags:") {
			t.Fatalf("expected flags error, got %v", err)
		}
	})

	t.Run("missing dir", func(t *testing.T) {
		err := runMigrator([]string{"--database-url", "postgres://db", "--dir", filepath.Join(t.TempDir(), "absent")}, noEnv, io.Discard)
		if err == nil || !strings.HasPrefix(err.Error(), "migrations dir:") {
			t.Fatalf("expected dir error, got %v", err)
		}
	})

	t.Run("open", func(t *testing.T) {
		withOpenDB(t, func(context.Context, audit.PostgresOptions) (migratorDB, error) {
			return nil, errors.New("connection refused")
		})
		err := runMigrator([]string{"--database-url", "postgres://db"}, noEnv, io.Discard)
		if err == nil || !strings.HasPrefix(err.Error(), "db:") {
			t.Fatalf("expected db error, got %v", err)
		}
	})

	t.Run("migrate", func(t *testing.T) {
		db := &fakeMigratorDB{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("permission denied")
		}}
		withOpenDB(t, func(context.Context, audit.PostgresOptions) (migratorDB, error) { return db, nil })
		err := runMigrator([]string{"--database-url", "postgres://db"}, noEnv, io.Discard)
		if err == nil || !strings.HasPrefix(err.Error(), "migration:") {
			t.Fatalf("expected migration error, got %v", err)
		}
		if !db.closed {
			t.Fatal("pool must be closed on failure")
		}
	})
}

func TestMainCallsFatalOnError(t *testing.T) {
	origLogFatalf := logFatalf
	origArgs := os.Args
	defer func() {
		logFatalf = origLogFatalf
		os.Args = origArgs
	}()
	t.Setenv("AUDIT_URL", "")

	fatalCalled := false
	logFatalf = func(format string, args ...any) { fatalCalled = true }
	os.Args = []string{"migrator"}
	main()
	if !fatalCalled {
		t.Fatal("logFatalf should be called when the database url is missing")
	}
}

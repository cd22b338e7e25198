package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeAuditDB struct {
	execErr   error
	execSQL   []string
	execArgs  []any
	rowValues []any
	rowErr    error
	queryArgs []any
	applied   map[string]bool
	tx        *fakeTx
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.queryArgs = append([]any(nil), args...)
	if strings.Contains(sql, "schema_migrations") {
		name, _ := args[0].(string)
		return &fakeRow{values: []any{f.applied[name]}}
	}
	return &fakeRow{values: f.rowValues, err: f.rowErr}
}

func (f *fakeAuditDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.tx == nil {
		f.tx = &fakeTx{}
	}
	return f.tx, nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		case *int:
			*d = r.values[i].(int)
		case *bool:
			*d = r.values[i].(bool)
		case *time.Time:
			*d = r.values[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan type %T", dest[i])
		}
	}
	return nil
}

type fakeTx struct {
	execs     []string
	failOn    string
	rollbacks int
	commits   int
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(ctx context.Context) error          { t.commits++; return nil }
func (t *fakeTx) Rollback(ctx context.Context) error        { t.rollbacks++; return nil }
func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	if t.failOn != "" && strings.Contains(sql, t.failOn) {
		return pgconn.CommandTag{}, errors.New("exec failed")
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &fakeRow{err: errors.New("not implemented")}
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

func TestWriterHashesIdentifiers(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, HashSalt: []byte("salt")}
	err := w.Append(context.Background(), Record{
		Kind:     GateDenial,
		Subject:  "user-42",
		Tier:     "observer",
		Gate:     "heatmap_stream",
		Method:   "GET",
		Path:     "/stream/heatmap?token=abc",
		Status:   403,
		ClientIP: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	args := db.execArgs
	if len(args) != 13 {
		t.Fatalf("expected 13 insert args, got %d", len(args))
	}
	if args[0].(string) == "" {
		t.Fatal("expected generated id")
	}
	if args[1] != "gate_denial" {
		t.Fatalf("unexpected kind %v", args[1])
	}
	if args[2] == "user-42" || args[2] != HashSubject("user-42", []byte("salt")) {
		t.Fatalf("subject must be stored hashed, got %v", args[2])
	}
	if args[7] != "/stream/heatmap" {
		t.Fatalf("query string must be dropped, got %v", args[7])
	}
	if args[11] == "203.0.113.9" {
		t.Fatal("client address must be stored hashed")
	}
	if ts, ok := args[12].(time.Time); !ok || ts.IsZero() {
		t.Fatalf("expected creation time, got %v", args[12])
	}
}

func TestHashSubjectEmptyStaysEmpty(t *testing.T) {
	if HashSubject("", []byte("salt")) != "" {
		t.Fatal("empty subject must stay empty")
	}
	if HashSubject("a", []byte("x")) == HashSubject("a", []byte("y")) {
		t.Fatal("salt must change the hash")
	}
}

func TestWriterGet(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	db := &fakeAuditDB{rowValues: []any{"id-1", "proxy_mutation", "h", "navigator", "iss", "", "POST", "/journal/entries", 201, "journal", "", "c", at}}
	w := &Writer{DB: db}
	rec, err := w.Get(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Kind != ProxyMutation || rec.Status != 201 || rec.Dependency != "journal" || !rec.CreatedAt.Equal(at) {
		t.Fatalf("unexpected record %+v", rec)
	}
	db.rowErr = pgx.ErrNoRows
	if _, err := w.Get(context.Background(), "missing"); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Append(ctx context.Context, rec Record) error {
	f.calls++
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected a deadline")
	}
	return errors.New("db down")
}

func TestEmitLogsFailuresAndIgnoresCancellation(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sink := &failingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Emit(ctx, sink, Record{Kind: AuthFailure}, zap.New(core))
	if sink.calls != 1 {
		t.Fatalf("expected one append even after request cancel, got %d", sink.calls)
	}
	if logs.FilterMessage("audit append failed").Len() != 1 {
		t.Fatalf("expected warning, got %v", logs.All())
	}
	Emit(context.Background(), nil, Record{}, nil)
	if err := (Nop{}).Append(context.Background(), Record{}); err != nil {
		t.Fatalf("nop append: %v", err)
	}
}

func TestMigrateAppliesPendingFilesInOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_more.sql": {Data: []byte("CREATE TABLE b (id INT);")},
		"0001_init.sql": {Data: []byte("CREATE TABLE a (id INT);")},
		"README.md":     {Data: []byte("ignored")},
	}
	db := &fakeAuditDB{applied: map[string]bool{"0001_init.sql": true}}
	var logged []string
	n, err := Migrate(context.Background(), db, fsys, func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if n != 1 || db.tx.commits != 1 {
		t.Fatalf("expected one applied migration, got %d (commits %d)", n, db.tx.commits)
	}
	if len(db.tx.execs) != 2 || !strings.Contains(db.tx.execs[0], "CREATE TABLE b") {
		t.Fatalf("unexpected tx statements %v", db.tx.execs)
	}
	if len(logged) != 1 || logged[0] != "applied migration 0002_more.sql" {
		t.Fatalf("unexpected logs %v", logged)
	}
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	db := &fakeAuditDB{applied: map[string]bool{}, tx: &fakeTx{failOn: "CREATE"}}
	_, err := Migrate(context.Background(), db, fstest.MapFS{"0001.sql": {Data: []byte("CREATE TABLE x ();")}}, nil)
	if err == nil || !strings.Contains(err.Error(), "apply migration 0001.sql") {
		t.Fatalf("expected apply error, got %v", err)
	}
	if db.tx.rollbacks != 1 {
		t.Fatalf("expected rollback, got %d", db.tx.rollbacks)
	}
	if _, err := Migrate(context.Background(), nil, fstest.MapFS{}, nil); err == nil {
		t.Fatal("expected db required error")
	}
	db = &fakeAuditDB{execErr: errors.New("create fail")}
	if _, err := Migrate(context.Background(), db, fstest.MapFS{}, nil); err == nil || !strings.Contains(err.Error(), "schema_migrations") {
		t.Fatalf("expected create error, got %v", err)
	}
}

func TestEmbeddedMigrationsCreateAuditTable(t *testing.T) {
	db := &fakeAuditDB{applied: map[string]bool{}}
	n, err := Migrate(context.Background(), db, Migrations(), nil)
	if err != nil || n == 0 {
		t.Fatalf("migrate embedded: %d %v", n, err)
	}
	if !strings.Contains(db.tx.execs[0], "CREATE TABLE IF NOT EXISTS access_audit") {
		t.Fatalf("unexpected first migration %q", db.tx.execs[0])
	}
}

func TestOpenValidation(t *testing.T) {
	if _, err := Open(context.Background(), PostgresOptions{}); err == nil {
		t.Fatal("expected missing url error")
	}
	_, err := Open(context.Background(), PostgresOptions{URL: "postgres://u@h/db?sslmode=disable", RequireTLS: true})
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("expected insecure sslmode error, got %v", err)
	}
	_, err = Open(context.Background(), PostgresOptions{URL: "postgres://u@h/db", RequireTLS: true})
	if err == nil || !strings.Contains(err.Error(), "explicit sslmode") {
		t.Fatalf("expected explicit sslmode error, got %v", err)
	}
	if err := validatePostgresTLS("postgres://u@h/db?sslmode=verify-full"); err != nil {
		t.Fatalf("verify-full must pass: %v", err)
	}
}

func TestOpenRetriesThenFails(t *testing.T) {
	origNew, origSleep, origRetries := pgxPoolNewWithConfig, postgresSleep, postgresConnectRetries
	defer func() {
		pgxPoolNewWithConfig, postgresSleep, postgresConnectRetries = origNew, origSleep, origRetries
	}()
	attempts := 0
	pgxPoolNewWithConfig = func(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
		attempts++
		return nil, errors.New("refused")
	}
	postgresSleep = func(time.Duration) {}
	postgresConnectRetries = 3
	_, err := Open(context.Background(), PostgresOptions{URL: "postgres://u@localhost:5432/db?sslmode=disable", MaxConns: 2})
	if err == nil || !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

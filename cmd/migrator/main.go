package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"tradegate/pkg/audit"
)

type migratorDB interface {
	audit.MigrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context, opts audit.PostgresOptions) (migratorDB, error) {
		pool, err := audit.Open(ctx, opts)
		if err != nil {
			return nil, err
		}
		return pool, nil
	}
)

var _ migratorDB = (*pgxpool.Pool)(nil)

type options struct {
	db      audit.PostgresOptions
	dir     string
	timeout time.Duration
}

func parseOptions(args []string, lookupEnv func(string) (string, bool), stderr io.Writer) (options, error) {
	fsFlags := pflag.NewFlagSet("migrator", pflag.ContinueOnError)
	fsFlags.SetOutput(stderr)
	var opts options
	fsFlags.StringVar(&opts.db.URL, "database-url", "", "audit database url (env AUDIT_URL)")
	fsFlags.BoolVar(&opts.db.RequireTLS, "require-tls", false, "refuse database urls without sslmode=verify-full (env AUDIT_REQUIRE_TLS)")
	fsFlags.StringVar(&opts.dir, "dir", "", "apply *.sql files from this directory instead of the embedded set")
	fsFlags.DurationVar(&opts.timeout, "timeout", 20*time.Second, "overall deadline for connecting and migrating")
	if err := fsFlags.Parse(args); err != nil {
		return opts, err
	}
	if !fsFlags.Changed("database-url") {
		if v, ok := lookupEnv("AUDIT_URL"); ok {
			opts.db.URL = strings.TrimSpace(v)
		}
	}
	if !fsFlags.Changed("require-tls") {
		if v, ok := lookupEnv("AUDIT_REQUIRE_TLS"); ok {
			opts.db.RequireTLS = strings.EqualFold(strings.TrimSpace(v), "true")
		}
	}
	if strings.TrimSpace(opts.db.URL) == "" {
		return opts, errors.New("database url is required")
	}
	if opts.timeout <= 0 {
		return opts, errors.New("timeout must be positive")
	}
	return opts, nil
}

func main() {
	if err := runMigrator(os.Args[1:], os.LookupEnv, os.Stderr); err != nil {
		logFatalf("%v", err)
	}
}

func runMigrator(args []string, lookupEnv func(string) (string, bool), stderr io.Writer) error {
	opts, err := parseOptions(args, lookupEnv, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}

	var files fs.FS = audit.Migrations()
	if opts.dir != "" {
		info, err := os.Stat(opts.dir)
		if err != nil {
			return fmt.Errorf("migrations dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("migrations dir: %s is not a directory", opts.dir)
		}
		files = os.DirFS(opts.dir)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	pool, err := openDBFn(ctx, opts.db)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	applied, err := audit.Migrate(ctx, pool, files, log.Printf)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	log.Printf("migrations applied: %d", applied)
	return nil
}

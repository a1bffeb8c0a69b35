package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second

	envDSN       = "STOREFRONT_POSTGRES__DSN"
	envLegacyDSN = "STOREFRONT_POSTGRES_DSN"
)

var errUsage = errors.New("usage")

type options struct {
	direction string
	steps     int
	dsn       string
}

// migrator - часть *postgres.Store, нужная CLI.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (int64, int, error)
	Migrations(ctx context.Context) ([]postgres.MigrationState, error)
}

// resolveDSN берёт DSN из флага, затем из окружения сервиса.
func resolveDSN(flagValue string, getenv func(string) string) string {
	for _, v := range []string{flagValue, getenv(envDSN), getenv(envLegacyDSN)} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func parseFlags(args []string, getenv func(string) string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.direction, "direction", "up", "migration direction: up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envDSN+")")
	if err := fs.Parse(args); err != nil {
		return options{}, fmt.Errorf("%w: %v", errUsage, err)
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	switch opts.direction {
	case "up", "down", "status":
	default:
		return options{}, fmt.Errorf("%w: unsupported direction %q (use up|down|status)", errUsage, opts.direction)
	}
	if opts.steps < 0 {
		return options{}, fmt.Errorf("%w: -steps must not be negative", errUsage)
	}
	opts.dsn = resolveDSN(opts.dsn, getenv)
	if opts.dsn == "" {
		return options{}, fmt.Errorf("%w: %s (or -dsn) is required", errUsage, envDSN)
	}
	return opts, nil
}

func execute(ctx context.Context, store migrator, opts options, out io.Writer) error {
	switch opts.direction {
	case "up":
		if err := store.MigrateUp(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		if err := store.MigrateDown(ctx, max(opts.steps, 1)); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	case "status":
		return printStatus(ctx, store, out)
	}

	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	_, _ = fmt.Fprintf(out, "migrate %s ok: version=%d applied=%d\n", opts.direction, version, count)
	return nil
}

func printStatus(ctx context.Context, store migrator, out io.Writer) error {
	states, err := store.Migrations(ctx)
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	var applied, pending, drifted int
	for _, st := range states {
		switch {
		case st.Drift:
			drifted++
			applied++
			_, _ = fmt.Fprintf(out, "  DRIFT    %s (applied %s, file changed since)\n", st.ID(), st.AppliedAt.UTC().Format(time.RFC3339))
		case st.Applied:
			applied++
			_, _ = fmt.Fprintf(out, "  applied  %s (%s)\n", st.ID(), st.AppliedAt.UTC().Format(time.RFC3339))
		default:
			pending++
			_, _ = fmt.Fprintf(out, "  pending  %s\n", st.ID())
		}
	}
	_, _ = fmt.Fprintf(out, "migration status: applied=%d pending=%d drift=%d\n", applied, pending, drifted)
	if drifted > 0 {
		return fmt.Errorf("%w: %d migration(s)", postgres.ErrMigrationDrift, drifted)
	}
	return nil
}

func run(args []string, getenv func(string) string, out io.Writer) error {
	opts, err := parseFlags(args, getenv)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	return execute(ctx, store, opts, out)
}

func main() {
	if err := run(os.Args[1:], os.Getenv, os.Stdout); err != nil {
		fail("%v", err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// Package main provides a CLI tool for database migrations.
// Migrations are embedded in the binary; the connection settings come from
// the same DB_* environment variables the server reads.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/welldanyogia/authgate/internal/config"
	"github.com/welldanyogia/authgate/internal/logger"
	"github.com/welldanyogia/authgate/migrations"
)

// Version is set at build time
var Version = "dev"

const defaultMigrationTimeout = 5 * time.Minute

func main() {
	var (
		timeout = flag.Duration("timeout", defaultMigrationTimeout, "Lock and connect timeout")
		dryRun  = flag.Bool("dry-run", false, "Show what would be done without executing")
		version = flag.Bool("version", false, "Print version and exit")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  up [N]       Apply all or N up migrations\n")
		fmt.Fprintf(os.Stderr, "  down [N]     Roll back all or N migrations\n")
		fmt.Fprintf(os.Stderr, "  goto V       Migrate to version V\n")
		fmt.Fprintf(os.Stderr, "  force V      Set version V without running migrations\n")
		fmt.Fprintf(os.Stderr, "  version      Print current migration version\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nConnection settings are read from DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME and DB_SSLMODE.\n")
	}
	flag.Parse()

	if *version {
		fmt.Printf("migrate version %s\n", Version)
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	log := logger.New(logger.DefaultConfig())
	cfg := config.Load()

	r := &runner{dsn: cfg.Database.DSN(), timeout: *timeout, dryRun: *dryRun, log: log}
	if err := r.run(args[0], args[1:]); err != nil {
		log.Error("migration command failed", slog.String("command", args[0]), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type runner struct {
	dsn     string
	timeout time.Duration
	dryRun  bool
	log     *slog.Logger
}

func (r *runner) run(cmd string, args []string) error {
	switch cmd {
	case "version":
		return r.withMigrate(func(m *migrate.Migrate) error {
			v, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				r.log.Info("no migrations applied yet")
				return nil
			}
			if err != nil {
				return fmt.Errorf("get version: %w", err)
			}
			r.log.Info("current migration version", slog.Uint64("version", uint64(v)), slog.Bool("dirty", dirty))
			return nil
		})
	case "up", "down":
		steps, err := optionalInt(args)
		if err != nil {
			return err
		}
		if cmd == "down" {
			steps = -steps
		}
		return r.step(cmd, steps)
	case "goto":
		v, err := requiredInt(cmd, args)
		if err != nil {
			return err
		}
		return r.apply(fmt.Sprintf("goto %d", v), func(m *migrate.Migrate) error {
			return m.Migrate(uint(v))
		})
	case "force":
		v, err := requiredInt(cmd, args)
		if err != nil {
			return err
		}
		return r.apply(fmt.Sprintf("force %d", v), func(m *migrate.Migrate) error {
			return m.Force(v)
		})
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// step applies |steps| migrations in the direction of its sign; zero means all
func (r *runner) step(cmd string, steps int) error {
	return r.apply(fmt.Sprintf("%s %d", cmd, steps), func(m *migrate.Migrate) error {
		switch {
		case steps != 0:
			return m.Steps(steps)
		case cmd == "down":
			return m.Down()
		default:
			return m.Up()
		}
	})
}

// apply runs fn and logs the version transition
func (r *runner) apply(desc string, fn func(*migrate.Migrate) error) error {
	if r.dryRun {
		r.log.Info("dry run, skipping", slog.String("operation", desc))
		return nil
	}
	return r.withMigrate(func(m *migrate.Migrate) error {
		from, _, _ := m.Version()
		if err := fn(m); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				r.log.Info("no change", slog.String("operation", desc))
				return nil
			}
			return fmt.Errorf("%s: %w", desc, err)
		}
		to, _, _ := m.Version()
		r.log.Info("migration completed",
			slog.String("operation", desc),
			slog.Uint64("from", uint64(from)),
			slog.Uint64("to", uint64(to)),
		)
		return nil
	})
}

func (r *runner) withMigrate(fn func(*migrate.Migrate) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		db.Close()
		return fmt.Errorf("create database driver: %w", err)
	}
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		db.Close()
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()
	m.LockTimeout = r.timeout

	return fn(m)
}

func optionalInt(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number of steps: %s", args[0])
	}
	return n, nil
}

func requiredInt(cmd string, args []string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%s requires a version number", cmd)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid version: %s", args[0])
	}
	return n, nil
}

// Command migrate applies, rolls back and inspects the SQL schema
// migrations under migrations/sql.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskhub/taskhub/pkg/database"
	"github.com/taskhub/taskhub/pkg/observability"
)

const defaultMigrationsPath = "migrations/sql"

var (
	upFlag      = flag.Bool("up", false, "Apply pending migrations")
	downFlag    = flag.Bool("down", false, "Roll back the last migration")
	resetFlag   = flag.Bool("reset", false, "Roll back all migrations")
	versionFlag = flag.Bool("version", false, "Show current migration version")
	forceFlag   = flag.Int("force", -1, "Force the recorded migration version")

	dsn           = flag.String("dsn", os.Getenv("DATABASE_URL"), "Database connection string (defaults to DATABASE_URL)")
	migrationsDir = flag.String("dir", defaultMigrationsPath, "Migrations directory")
	steps         = flag.Int("steps", 0, "Number of migrations to apply (0 = all)")
	timeout       = flag.Duration("timeout", time.Minute, "Migration timeout")
)

func main() {
	flag.Parse()

	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "Error: -dsn or DATABASE_URL is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received termination signal, cancelling")
		cancel()
	}()

	logger := observability.NewStandardLogger("migrate")
	db, err := database.New(ctx, database.Config{DSN: *dsn, MigrationsPath: *migrationsDir}, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Failed to close database: %v", err)
		}
	}()

	opts := database.MigrateOptions{Path: *migrationsDir, Timeout: *timeout, Steps: *steps}

	switch {
	case *versionFlag:
		version, dirty, err := db.MigrationVersion(*migrationsDir)
		if err != nil {
			log.Fatalf("Failed to read migration version: %v", err)
		}
		fmt.Printf("Current migration version: %d (dirty: %t)\n", version, dirty)

	case *forceFlag >= 0:
		if err := db.ForceVersion(*migrationsDir, *forceFlag); err != nil {
			log.Fatalf("Failed to force version: %v", err)
		}
		fmt.Printf("Migration version forced to %d\n", *forceFlag)

	case *upFlag:
		start := time.Now()
		if err := db.Migrate(ctx, opts); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Printf("Migrations applied in %v\n", time.Since(start).Round(time.Millisecond))

	case *downFlag:
		if err := db.Rollback(ctx, opts, false); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		fmt.Println("Rolled back one migration")

	case *resetFlag:
		if err := db.Rollback(ctx, opts, true); err != nil {
			log.Fatalf("Reset failed: %v", err)
		}
		fmt.Println("Rolled back all migrations")

	default:
		fmt.Fprintln(os.Stderr, "Error: one of -up, -down, -reset, -version or -force is required")
		flag.Usage()
		os.Exit(1)
	}
}

package database

import (
	"context"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/pkg/errors"

	// Registers the file:// migration source.
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrateOptions controls a migration run.
type MigrateOptions struct {
	// Path is the directory holding the numbered up/down SQL files.
	Path string

	// Timeout bounds the whole run. Zero means one minute.
	Timeout time.Duration

	// Steps applies only that many migrations when positive, rolls back
	// that many when negative, and applies everything when zero.
	Steps int
}

func (o MigrateOptions) withDefaults() MigrateOptions {
	if o.Path == "" {
		o.Path = "migrations/sql"
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Minute
	}
	return o
}

// migrator builds a migrate instance bound to this pool. The caller owns
// closing the source; the database side shares our pool and must not be
// closed through the migrator.
func (d *Database) migrator(path string) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(d.db.DB, &postgres.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create postgres migration driver")
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create migrator")
	}
	return m, nil
}

// run executes one migration step function under the option timeout.
func (d *Database) run(ctx context.Context, opts MigrateOptions, step func(*migrate.Migrate) error) error {
	opts = opts.withDefaults()

	m, err := d.migrator(opts.Path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- step(m) }()

	select {
	case err := <-done:
		if errors.Is(err, migrate.ErrNoChange) {
			d.logger.Info("no migrations to run", nil)
			return nil
		}
		return err
	case <-ctx.Done():
		m.GracefulStop <- true
		return errors.Wrap(ctx.Err(), "migration timed out")
	}
}

// Migrate applies pending migrations, or only opts.Steps of them.
func (d *Database) Migrate(ctx context.Context, opts MigrateOptions) error {
	return d.run(ctx, opts, func(m *migrate.Migrate) error {
		if opts.Steps != 0 {
			return m.Steps(opts.Steps)
		}
		return m.Up()
	})
}

// Rollback undoes the most recent migration, or all of them when all is
// set. Destructive; reserved for operators.
func (d *Database) Rollback(ctx context.Context, opts MigrateOptions, all bool) error {
	return d.run(ctx, opts, func(m *migrate.Migrate) error {
		if all {
			return m.Down()
		}
		return m.Steps(-1)
	})
}

// MigrationVersion reports the current schema version and whether the
// last run left it dirty.
func (d *Database) MigrationVersion(path string) (uint, bool, error) {
	m, err := d.migrator(MigrateOptions{Path: path}.withDefaults().Path)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// ForceVersion overwrites the recorded schema version without running any
// migration, to recover from a dirty state.
func (d *Database) ForceVersion(path string, version int) error {
	m, err := d.migrator(MigrateOptions{Path: path}.withDefaults().Path)
	if err != nil {
		return err
	}
	return m.Force(version)
}

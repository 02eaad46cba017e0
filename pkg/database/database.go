// Package database owns the PostgreSQL connection lifecycle: pool setup,
// schema migrations and readiness probes. Repositories receive the
// *sqlx.DB it manages and never open connections themselves.
package database

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	// Registers the postgres driver.
	_ "github.com/lib/pq"

	"github.com/taskhub/taskhub/pkg/observability"
)

// Config carries everything needed to open the pool. DSN wins over the
// discrete fields when both are set.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration

	// AutoMigrate applies pending migrations from MigrationsPath during
	// New. Deployments that migrate out-of-band leave it false.
	AutoMigrate    bool
	MigrationsPath string
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = "postgres"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.MigrationsPath == "" {
		c.MigrationsPath = "migrations/sql"
	}
	return c
}

// Database wraps the connection pool together with its configuration.
type Database struct {
	db     *sqlx.DB
	cfg    Config
	logger observability.Logger
}

// New opens the pool, verifies the connection and optionally applies
// pending migrations.
func New(ctx context.Context, cfg Config, logger observability.Logger) (*Database, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.DSN == "" {
		return nil, errors.New("database DSN is required")
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	db, err := sqlx.ConnectContext(connectCtx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	d := &Database{db: db, cfg: cfg, logger: logger}
	logger.Info("database connected", map[string]interface{}{
		"dsn":            SanitizeDSN(cfg.DSN),
		"max_open_conns": cfg.MaxOpenConns,
	})

	if cfg.AutoMigrate {
		logger.Info("applying pending migrations", map[string]interface{}{
			"path": cfg.MigrationsPath,
		})
		if err := d.Migrate(ctx, MigrateOptions{Path: cfg.MigrationsPath}); err != nil {
			closeErr := db.Close()
			if closeErr != nil {
				logger.Warn("failed to close database after migration error", map[string]interface{}{
					"error": closeErr.Error(),
				})
			}
			return nil, errors.Wrap(err, "database migration failed")
		}
	}

	return d, nil
}

// NewWithDB wraps an already-open pool, used by tests.
func NewWithDB(db *sqlx.DB, logger observability.Logger) *Database {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Database{db: db, cfg: Config{}.withDefaults(), logger: logger}
}

// DB exposes the underlying pool for the repository layer.
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// Ping verifies the connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close releases the pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// requiredTables is the set the readiness probe checks for. It tracks the
// migrations; a missing entry here means a migration has not run.
var requiredTables = []string{
	"projects",
	"branches",
	"tasks",
	"subtasks",
	"task_dependencies",
	"agents",
	"global_contexts",
	"project_contexts",
	"branch_contexts",
	"task_contexts",
	"context_delegations",
	"context_inheritance_cache",
	"api_tokens",
	"events",
}

// Ready reports whether the schema is fully present, for the readiness
// endpoint. A connection failure or a missing table both fail the probe.
func (d *Database) Ready(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "database unreachable")
	}

	query := `
		SELECT COUNT(*)
		FROM information_schema.tables
		WHERE table_schema = current_schema()
		AND table_name = ANY(string_to_array($1, ','))`

	var count int
	if err := d.db.QueryRowContext(ctx, query, strings.Join(requiredTables, ",")).Scan(&count); err != nil {
		return errors.Wrap(err, "failed to check schema")
	}
	if count < len(requiredTables) {
		return errors.Errorf("schema incomplete: %d of %d tables present", count, len(requiredTables))
	}
	return nil
}

// SanitizeDSN masks credentials in a connection string for logging.
func SanitizeDSN(dsn string) string {
	if strings.Contains(dsn, "password=") {
		parts := strings.Split(dsn, " ")
		sanitized := make([]string, 0, len(parts))
		for _, part := range parts {
			if strings.HasPrefix(part, "password=") {
				sanitized = append(sanitized, "password=***")
			} else {
				sanitized = append(sanitized, part)
			}
		}
		return strings.Join(sanitized, " ")
	}
	if idx := strings.Index(dsn, "://"); idx != -1 {
		if atIdx := strings.Index(dsn[idx:], "@"); atIdx != -1 {
			return dsn[:idx+3] + "***:***" + dsn[idx+atIdx:]
		}
	}
	return dsn
}

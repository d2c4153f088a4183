// Package database provides the SQLite client and migration utilities.
// It is the single owner of the database connection; all other components
// reach the database through services constructed with this client.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds database configuration.
type Config struct {
	// Path is the SQLite database file path. The special value ":memory:"
	// (or any file: URI with mode=memory) creates an in-memory database.
	Path string

	// BusyTimeout is how long SQLite waits on a locked database before
	// returning SQLITE_BUSY. Writers serialize through this.
	BusyTimeout time.Duration
}

// DefaultConfig returns the built-in database defaults.
func DefaultConfig() Config {
	return Config{
		Path:        "./data/scribed.db",
		BusyTimeout: 5 * time.Second,
	}
}

// Client wraps the gorm handle and exposes the underlying *sql.DB for
// health checks and migrations.
type Client struct {
	*gorm.DB
	db *stdsql.DB
}

// SQLDB returns the underlying database connection.
func (c *Client) SQLDB() *stdsql.DB { return c.db }

// Close closes the database connection.
func (c *Client) Close() error { return c.db.Close() }

// dsn builds the driver DSN from the configured path, enabling foreign keys
// and the busy timeout.
func (c Config) dsn() string {
	dsn := c.Path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_busy_timeout=%d&_foreign_keys=on", dsn, sep, c.BusyTimeout.Milliseconds())
}

// NewClient opens the SQLite database at cfg.Path and runs embedded
// migrations. The returned client is safe for concurrent use; SQLite
// serializes writers internally.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	gormDB, err := gorm.Open(sqlite.Open(cfg.dsn()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql.DB: %w", err)
	}

	// A single connection keeps in-memory databases coherent and lets the
	// file-backed database rely on SQLite's own writer serialization.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("Database ready", "path", cfg.Path)

	return &Client{DB: gormDB, db: db}, nil
}

// runMigrations applies embedded migration files with golang-migrate.
// Migration files are embedded into the binary using go:embed, so production
// deployments need no external files.
func runMigrations(db *stdsql.DB) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found — binary may be built incorrectly")
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the shared
	// *sql.DB through the database driver, breaking the gorm client.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// hasEmbeddedMigrations checks if the embedded FS contains any .sql files.
func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}

// Package db provides the run history and applied-service store for stackup
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stackup/internal/constants"
	"stackup/internal/errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryDSN opens a private in-memory database
const MemoryDSN = ":memory:"

// Config represents database configuration
type Config struct {
	// Driver specifies the database driver (sqlite3)
	Driver string
	// DSN is the data source name
	DSN string
	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int
	// ConnMaxLifetime is the maximum lifetime of a connection
	ConnMaxLifetime time.Duration
	// ReadOnly opens an existing SQLite file without write access
	ReadOnly bool
}

// DefaultConfig returns a SQLite configuration for the database at path
func DefaultConfig(path string) *Config {
	return &Config{
		Driver:          "sqlite3",
		DSN:             path,
		MaxOpenConns:    constants.DefaultMaxOpenConnections,
		ConnMaxLifetime: constants.DefaultConnectionTimeout,
	}
}

// DB wraps sqlx.DB with additional functionality
type DB struct {
	*sqlx.DB
	config *Config
}

// New creates a new database connection
func New(cfg *Config) (*DB, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, errors.ConfigValidationError("state.database_path", "database path is required")
	}

	dsn := cfg.DSN
	switch {
	case cfg.Driver == "sqlite3" && cfg.ReadOnly:
		dsn = "file:" + cfg.DSN + "?mode=ro"
	case cfg.Driver == "sqlite3" && cfg.DSN != MemoryDSN:
		// Ensure directory exists for SQLite
		dir := filepath.Dir(cfg.DSN)
		if err := os.MkdirAll(dir, constants.DirPermissions); err != nil {
			return nil, errors.DatabaseConnectionError(fmt.Errorf("failed to create database directory: %w", err))
		}
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, errors.DatabaseConnectionError(err)
	}

	// An in-memory database only lives as long as its single connection
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	if cfg.DSN != MemoryDSN {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.DatabaseConnectionError(fmt.Errorf("failed to ping database: %w", err))
	}

	if cfg.Driver == "sqlite3" {
		for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, errors.DatabaseConnectionError(fmt.Errorf("%s: %w", pragma, err))
			}
		}
	}

	return &DB{
		DB:     db,
		config: cfg,
	}, nil
}

// Open connects to the database at path and applies pending migrations
func Open(path string) (*DB, error) {
	database, err := New(DefaultConfig(path))
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// OpenReadOnly connects to an existing database without creating it or
// applying migrations. A missing file is NOT_FOUND.
func OpenReadOnly(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("database", path)
		}
		return nil, errors.DatabaseConnectionError(err)
	}
	cfg := DefaultConfig(path)
	cfg.ReadOnly = true
	return New(cfg)
}

// Migrate runs database migrations
func (db *DB) Migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.DatabaseMigrationError(fmt.Errorf("failed to create migration source: %w", err))
	}

	var dbInstance database.Driver
	switch db.config.Driver {
	case "sqlite3":
		dbInstance, err = sqlite3.WithInstance(db.DB.DB, &sqlite3.Config{})
		if err != nil {
			return errors.DatabaseMigrationError(fmt.Errorf("failed to create sqlite3 driver instance: %w", err))
		}
	default:
		return errors.DatabaseMigrationError(fmt.Errorf("unsupported database driver: %s", db.config.Driver))
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, db.config.Driver, dbInstance)
	if err != nil {
		return errors.DatabaseMigrationError(fmt.Errorf("failed to create migrator: %w", err))
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.DatabaseMigrationError(err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// BeginTx starts a new transaction
func (db *DB) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return db.DB.BeginTxx(ctx, nil)
}

// Transaction executes a function within a transaction
func (db *DB) Transaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %v, unable to rollback: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := db.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// Stats returns database statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

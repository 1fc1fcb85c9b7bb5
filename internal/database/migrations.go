// Package database runs goose migrations against the host application
// schema ahead of (or after) CRR conversion.
package database

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
)

// RunMigrations runs all pending migrations in migrationsDir against dbPath.
func RunMigrations(dbPath, migrationsDir string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("starting database migrations", "db", dbPath, "dir", migrationsDir)

	db, err := openForMigrations(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		logger.Error("migrations failed", "error", err)
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")
	return nil
}

// RunMigrationsDown rolls back migrations by steps.
func RunMigrationsDown(dbPath, migrationsDir string, steps int, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("rolling back database migrations", "steps", steps)

	db, err := openForMigrations(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	for i := 0; i < steps; i++ {
		if err := goose.Down(db, migrationsDir); err != nil {
			logger.Error("rollback failed", "error", err, "steps", steps, "completed", i)
			return fmt.Errorf("rollback migrations: %w", err)
		}
	}
	logger.Info("database migration rollback completed", "steps", steps)
	return nil
}

// GetMigrationStatus prints the current migration status through goose's
// own logger; logger is not written to.
func GetMigrationStatus(dbPath, migrationsDir string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := openForMigrations(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Status(db, migrationsDir); err != nil {
		return fmt.Errorf("get migration status: %w", err)
	}
	return nil
}

// openForMigrations opens dbPath with the plain mattn/go-sqlite3 driver,
// not the crsqlite driver: host-schema migrations run before a table is
// necessarily converted into a CRR, and goose manages its own
// goose_db_version bookkeeping table that has no business going through
// capture triggers.
func openForMigrations(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite for migrations: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite for migrations: %w", err)
	}
	return db, nil
}

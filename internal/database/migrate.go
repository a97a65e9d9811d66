package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

// Migrate brings the schema up to date. The migrate instance is not closed
// because closing its database driver would also close db.conn.
func (db *SQLRepository) Migrate() error {
	src, err := iofs.New(migrations, "migrations/"+db.driver)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	var target migratedb.Driver
	switch db.driver {
	case "postgres":
		target, err = postgres.WithInstance(db.conn, &postgres.Config{})
	case "sqlite3":
		target, err = migratesqlite.WithInstance(db.conn, &migratesqlite.Config{})
	default:
		err = fmt.Errorf("unsupported database driver %q", db.driver)
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, db.driver, target)
	if err != nil {
		return fmt.Errorf("new migrate: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	return nil
}

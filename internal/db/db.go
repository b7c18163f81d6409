// Package db owns node.db, the SQLite database holding the routing
// table, the seed/follow policy tables, and the announcement cache. The
// schema is managed by embedded, numbered migrations applied at open
// time; repositories themselves never live here, only node-wide
// coordination state.
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/hearth-dev/hearth/internal/errs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB is a handle on the node database. Safe for concurrent use; SQLite
// serializes writers and the connection pool handles readers.
type DB struct {
	sql *sql.DB
}

// Open opens (creating and migrating as needed) the node database at
// path.
func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "open node database", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.StorageError, "open node database", err)
	}
	d := &DB{sql: conn}
	if err := d.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

// migrate applies any pending embedded migrations.
func (d *DB) migrate() error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return errs.Wrap(errs.StorageError, "load migrations", err)
	}
	driver, err := migratesqlite.WithInstance(d.sql, &migratesqlite.Config{})
	if err != nil {
		return errs.Wrap(errs.StorageError, "prepare migrations", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return errs.Wrap(errs.StorageError, "prepare migrations", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errs.Wrap(errs.StorageError, "apply migrations", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

func storageErr(op string, err error) error {
	return errs.Wrap(errs.StorageError, fmt.Sprintf("node database: %s", op), err)
}

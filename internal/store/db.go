package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// sqlOpen is swapped in tests.
var sqlOpen = sql.Open

// Open connects to the database behind databaseURL and tunes the pool for
// the driver. SQLite is limited to one connection so transactions serialize.
func Open(ctx context.Context, driver, databaseURL string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("open db: unsupported driver %q", driver)
	}

	db, err := sqlOpen(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxIdleConns(10)
		db.SetMaxOpenConns(20)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// SQLiteURL builds a modernc DSN for a database file with foreign keys and a
// busy timeout enabled on every connection.
func SQLiteURL(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Connect opens the database, optionally applies migrations and returns the
// store for the driver.
func Connect(ctx context.Context, driver, databaseURL string, migrate bool) (*SQLStore, error) {
	db, err := Open(ctx, driver, databaseURL)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := ApplyMigrations(ctx, db, driver); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	s, err := New(db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dialect captures the few places Postgres and SQLite disagree. Queries are
// written with $N placeholders and rebound for SQLite's ?N form.
type dialect struct {
	name               string
	lockClause         string
	migrationsTableDDL string
	// snapshotOptions open the transaction read-only checks run in.
	snapshotOptions *sql.TxOptions
}

var (
	postgresDialect = dialect{
		name:       "postgres",
		lockClause: " FOR UPDATE",
		snapshotOptions: &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  true,
		},
		migrationsTableDDL: `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	// SQLite has one writer at a time and the pool is capped at one
	// connection, so an open transaction already excludes other writers.
	sqliteDialect = dialect{
		name:       "sqlite",
		lockClause: "",
		migrationsTableDDL: `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
)

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverPostgres:
		return postgresDialect, nil
	case DriverSQLite:
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported driver %q", driver)
	}
}

func (d dialect) rebind(query string) string {
	if d.name != sqliteDialect.name {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?$1")
}

// isUniqueViolation reports whether err is a unique-constraint failure from
// either backend.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

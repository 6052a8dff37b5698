package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// Migrations returns the migration files for a driver.
func Migrations(driver string) (fs.FS, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return fs.Sub(migrationFiles, path.Join("migrations", d.name))
}

func ApplyMigrations(ctx context.Context, db *sql.DB, driver string) error {
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	migrations, err := Migrations(driver)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db, d); err != nil {
		return err
	}

	files, err := migrationNames(migrations, ".up.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, version := range files {
		if migrated, err := isMigrated(ctx, db, d, version); err != nil {
			return err
		} else if migrated {
			continue
		}

		contents, err := fs.ReadFile(migrations, version)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, d.rebind(`INSERT INTO schema_migrations(version) VALUES($1)`), version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", version, err)
		}
	}

	return nil
}

// RevertMigrations runs every applied down migration, newest first.
func RevertMigrations(ctx context.Context, db *sql.DB, driver string) error {
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	migrations, err := Migrations(driver)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db, d); err != nil {
		return err
	}

	files, err := migrationNames(migrations, ".down.sql")
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))

	for _, file := range files {
		version := strings.TrimSuffix(file, ".down.sql") + ".up.sql"
		if migrated, err := isMigrated(ctx, db, d, version); err != nil {
			return err
		} else if !migrated {
			continue
		}

		contents, err := fs.ReadFile(migrations, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, d.rebind(`DELETE FROM schema_migrations WHERE version=$1`), version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("forget migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

func migrationNames(migrations fs.FS, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), suffix) {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB, d dialect) error {
	_, err := db.ExecContext(ctx, d.migrationsTableDDL)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, d dialect, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, d.rebind(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`), version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}

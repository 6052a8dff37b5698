package store

import (
	"io/fs"
	"regexp"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	for _, driver := range []string{DriverPostgres, DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			migrations, err := Migrations(driver)
			if err != nil {
				t.Fatalf("migrations for %s: %v", driver, err)
			}
			entries, err := fs.ReadDir(migrations, ".")
			if err != nil {
				t.Fatalf("read migrations dir: %v", err)
			}

			pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
			byVersion := map[string]map[string]bool{}

			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				match := pattern.FindStringSubmatch(entry.Name())
				if match == nil {
					t.Fatalf("unexpected migration file name %q", entry.Name())
				}
				version, direction := match[1], match[2]
				if byVersion[version] == nil {
					byVersion[version] = map[string]bool{}
				}
				if byVersion[version][direction] {
					t.Fatalf("duplicate %s migration file for version %s", direction, version)
				}
				byVersion[version][direction] = true
			}

			if len(byVersion) == 0 {
				t.Fatal("no migrations discovered")
			}
			for version, dirs := range byVersion {
				if !dirs["up"] || !dirs["down"] {
					t.Fatalf("version %s must include both up and down files", version)
				}
			}
		})
	}
}

func TestMigrationsMatchAcrossDrivers(t *testing.T) {
	pg, err := Migrations(DriverPostgres)
	if err != nil {
		t.Fatal(err)
	}
	lite, err := Migrations(DriverSQLite)
	if err != nil {
		t.Fatal(err)
	}
	pgNames, err := migrationNames(pg, ".sql")
	if err != nil {
		t.Fatal(err)
	}
	liteNames, err := migrationNames(lite, ".sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(pgNames) != len(liteNames) {
		t.Fatalf("postgres has %d migration files, sqlite has %d", len(pgNames), len(liteNames))
	}
	for i := range pgNames {
		if pgNames[i] != liteNames[i] {
			t.Fatalf("migration %d differs: %s vs %s", i, pgNames[i], liteNames[i])
		}
	}
}

func TestMigrationsRejectUnknownDriver(t *testing.T) {
	if _, err := Migrations("mysql"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

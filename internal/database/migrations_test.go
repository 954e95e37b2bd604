package database

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestParseMigration(t *testing.T) {
	content := `-- +migrate Up
-- history table
CREATE TABLE t (id INT);

-- +migrate Down
DROP TABLE t;
`
	mig, err := parseMigration("20240301090000_create_t.sql", content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if mig.Version != "20240301090000" || mig.Name != "create_t" {
		t.Fatalf("unexpected identity %s %s", mig.Version, mig.Name)
	}
	if mig.UpSQL != "CREATE TABLE t (id INT);" {
		t.Fatalf("up = %q", mig.UpSQL)
	}
	if mig.DownSQL != "DROP TABLE t;" {
		t.Fatalf("down = %q", mig.DownSQL)
	}
}

func TestParseMigrationErrors(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
	}{
		{"no separator", "20240301.sql", "-- +migrate Up\nSELECT 1;"},
		{"empty version", "_create.sql", "-- +migrate Up\nSELECT 1;"},
		{"no up section", "20240301090000_x.sql", "-- +migrate Down\nDROP TABLE t;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseMigration(tt.filename, tt.content); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestLoadMigrationsSortsByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"20240315120000_second.sql": {Data: []byte("-- +migrate Up\nSELECT 2;")},
		"20240301090000_first.sql":  {Data: []byte("-- +migrate Up\nSELECT 1;")},
		"README.md":                 {Data: []byte("not a migration")},
	}
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Name != "first" || migrations[1].Name != "second" {
		t.Fatalf("unexpected order %s, %s", migrations[0].Name, migrations[1].Name)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := EmbeddedMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("expected the embedded migrations, got %d", len(migrations))
	}
	if !strings.Contains(migrations[0].UpSQL, "sync_history") {
		t.Fatalf("first migration should create sync_history: %s", migrations[0].UpSQL)
	}
	for _, mig := range migrations {
		if mig.DownSQL == "" {
			t.Errorf("migration %s has no down section", mig.Version)
		}
	}
}

func TestMarkAppliedAndPending(t *testing.T) {
	migrations := []Migration{{Version: "1", Name: "a"}, {Version: "2", Name: "b"}, {Version: "3", Name: "c"}}
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	status := markApplied(migrations, map[string]time.Time{"1": at, "3": at})
	if !status[0].Applied || status[1].Applied || !status[2].Applied {
		t.Fatalf("unexpected applied flags %+v", status)
	}
	if status[0].AppliedAt == nil || !status[0].AppliedAt.Equal(at) {
		t.Fatalf("applied time not set")
	}
	if migrations[0].Applied {
		t.Fatalf("input slice was mutated")
	}

	pending := Pending(status)
	if len(pending) != 1 || pending[0].Version != "2" {
		t.Fatalf("unexpected pending %+v", pending)
	}
}

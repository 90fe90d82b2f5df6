package database

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/nerrad567/masterbox-relay/migrations"
)

var testSchema = fstest.MapFS{
	"0001_widgets.sql": {Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY);")},
	"0002_gadgets.sql": {Data: []byte("CREATE TABLE gadgets (id TEXT PRIMARY KEY);")},
	"README.md":        {Data: []byte("ignored")},
}

func tableExists(t *testing.T, db *DB, table string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&n)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	return n == 1
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, testSchema); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	for _, table := range []string{"widgets", "gadgets"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s not created", table)
		}
	}

	v, err := db.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if v != 2 {
		t.Errorf("SchemaVersion() = %d, want 2", v)
	}

	// Re-running must not execute CREATE TABLE again
	if err := db.Migrate(ctx, testSchema); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrate_ResumesAfterFailure(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	broken := fstest.MapFS{
		"0001_widgets.sql": testSchema["0001_widgets.sql"],
		"0002_broken.sql":  {Data: []byte("CREATE TABLE oops (")},
	}
	if err := db.Migrate(ctx, broken); err == nil {
		t.Fatal("Migrate() should fail on invalid SQL")
	}
	if v, err := db.SchemaVersion(ctx); err != nil || v != 1 {
		t.Errorf("SchemaVersion() = %d after failure, want 1", v)
	}
	if tableExists(t, db, "oops") {
		t.Error("failed step should be rolled back")
	}

	if err := db.Migrate(ctx, testSchema); err != nil {
		t.Fatalf("Migrate() after fix error = %v", err)
	}
	if !tableExists(t, db, "gadgets") {
		t.Error("gadgets table not created on resume")
	}
}

func TestMigrate_DuplicateVersion(t *testing.T) {
	db := openTestDB(t)
	dup := fstest.MapFS{
		"0001_a.sql": {Data: []byte("SELECT 1;")},
		"01_b.sql":   {Data: []byte("SELECT 1;")},
	}
	if err := db.Migrate(context.Background(), dup); err == nil {
		t.Error("Migrate() should reject two files with the same version")
	}
}

func TestMigrate_NoSchema(t *testing.T) {
	db := openTestDB(t)

	if err := db.Migrate(context.Background(), fstest.MapFS{}); err != nil {
		t.Errorf("Migrate() with empty FS error = %v", err)
	}
	if err := db.Migrate(context.Background(), nil); err != nil {
		t.Errorf("Migrate() with nil FS error = %v", err)
	}
}

func TestMigrate_EmbeddedSchema(t *testing.T) {
	db := openTestDB(t)

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate(migrations.FS) error = %v", err)
	}
	if !tableExists(t, db, "link_events") {
		t.Error("link_events table not created")
	}
}

func TestParseSchemaFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion int
		wantName    string
		wantOk      bool
	}{
		{"0001_link_events.sql", 1, "link_events", true},
		{"0012_add_reason_to_link_events.sql", 12, "add_reason_to_link_events", true},
		{"readme.txt", 0, "", false},
		{"link_events.sql", 0, "", false},
		{"0000_zero.sql", 0, "", false},
		{"0003_.sql", 0, "", false},
		{"0003.sql", 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, ok := parseSchemaFilename(tt.filename)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if version != tt.wantVersion || name != tt.wantName {
				t.Errorf("got (%d, %q), want (%d, %q)", version, name, tt.wantVersion, tt.wantName)
			}
		})
	}
}

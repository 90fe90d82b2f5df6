package database

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

// schemaStep is one numbered schema file.
type schemaStep struct {
	version int
	name    string
	sql     string
}

// SchemaVersion returns the number of the last schema file applied.
// A fresh database reports 0.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// Migrate brings the schema up to date with the NNNN_description.sql files at
// the root of fsys. Each file above the current schema version runs in its
// own transaction together with the version bump, so an interrupted upgrade
// resumes at the file that failed.
func (db *DB) Migrate(ctx context.Context, fsys fs.FS) error {
	steps, err := loadSchema(fsys)
	if err != nil {
		return err
	}

	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if step.version <= current {
			continue
		}
		if err := db.applyStep(ctx, step); err != nil {
			return fmt.Errorf("applying schema %04d_%s: %w", step.version, step.name, err)
		}
		current = step.version
	}
	return nil
}

func (db *DB) applyStep(ctx context.Context, step schemaStep) error {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, step.sql); err != nil {
		return err
	}
	// PRAGMA does not accept bound parameters; version is an int we parsed.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", step.version)); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return tx.Commit()
}

// loadSchema reads the schema files in version order. Files that do not
// follow the naming scheme are ignored; two files with the same number are
// an error.
func loadSchema(fsys fs.FS) ([]schemaStep, error) {
	if fsys == nil {
		return nil, nil
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading schema files: %w", err)
	}

	seen := make(map[int]string)
	var steps []schemaStep
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, ok := parseSchemaFilename(entry.Name())
		if !ok {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("schema version %d used by both %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		data, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		steps = append(steps, schemaStep{version: version, name: name, sql: string(data)})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// parseSchemaFilename splits "0001_link_events.sql" into (1, "link_events").
func parseSchemaFilename(filename string) (int, string, bool) {
	base, ok := strings.CutSuffix(filename, ".sql")
	if !ok {
		return 0, "", false
	}
	num, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", false
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return 0, "", false
	}
	return version, name, true
}

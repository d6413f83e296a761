package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// step is one schema migration: a numbered .sql file under sql/.
type step struct {
	version int
	name    string
	ddl     string
}

func loadSteps() ([]step, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	steps := make([]step, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := schemaFS.ReadFile("sql/" + e.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(e.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("migration file %s lacks a numeric prefix: %w", e.Name(), err)
		}
		steps = append(steps, step{version: v, name: e.Name(), ddl: string(data)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// Migrate brings the workspace database up to the latest schema. Each
// pending step runs in its own transaction with the schema_version row
// advanced alongside it, so a failed step leaves the database at the
// last fully applied version.
func Migrate(ctx context.Context, db *sql.DB) error {
	steps, err := loadSteps()
	if err != nil {
		return err
	}
	applied, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.version <= applied {
			continue
		}
		if err := applyStep(ctx, db, s); err != nil {
			return fmt.Errorf("migration %s: %w", s.name, err)
		}
		applied = s.version
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	var v int
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("init schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}

func applyStep(ctx context.Context, db *sql.DB, s step) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.ddl); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version=?`, s.version); err != nil {
		return err
	}
	return tx.Commit()
}

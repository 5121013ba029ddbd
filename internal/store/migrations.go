package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// schemaRevisions lists every revision in apply order. A revision is applied
// at most once; the highest applied version is tracked in schema_revisions.
var schemaRevisions = []struct {
	Version int
	Name    string
	Script  string
}{
	{1, "initial_schema", initialSchema},
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_revisions (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("init schema_revisions: %w", err)
	}

	var applied int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_revisions`).Scan(&applied); err != nil {
		return fmt.Errorf("read schema_revisions: %w", err)
	}

	for _, rev := range schemaRevisions {
		if rev.Version <= applied {
			continue
		}
		if err := applyRevision(ctx, db, rev.Version, rev.Name, rev.Script); err != nil {
			return err
		}
	}
	return nil
}

// applyRevision runs every statement of one revision and records it, all in
// one transaction.
func applyRevision(ctx context.Context, db *sql.DB, version int, name, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("revision %d: begin: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range sqlStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("revision %d (%s): %w", version, name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_revisions (version, name) VALUES (?, ?)`, version, name); err != nil {
		return fmt.Errorf("revision %d: record: %w", version, err)
	}
	return tx.Commit()
}

// sqlStatements splits a script on semicolons, dropping empty fragments and
// fragments that contain nothing but -- comments.
func sqlStatements(script string) []string {
	var out []string
	for _, frag := range strings.Split(script, ";") {
		frag = strings.TrimSpace(frag)
		if frag == "" {
			continue
		}
		for _, line := range strings.Split(frag, "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "--") {
				out = append(out, frag)
				break
			}
		}
	}
	return out
}

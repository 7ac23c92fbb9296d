package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// schema returns the DDL for the dialect. Each statement uses IF NOT
// EXISTS for idempotency.
func schema(d dialect) []string {
	jobID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == dialectPostgres {
		jobID = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id         ` + jobID + `,
			scope      TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS attempts (
			job_id           BIGINT NOT NULL,
			attempt_number   INTEGER NOT NULL,
			state            TEXT NOT NULL DEFAULT 'PENDING',
			backend          TEXT NOT NULL DEFAULT '',
			error            TEXT NOT NULL DEFAULT '',
			exit_code        INTEGER,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			heartbeats       INTEGER NOT NULL DEFAULT 0,
			last_heartbeat   TEXT,
			started_at       TEXT NOT NULL,
			completed_at     TEXT,
			PRIMARY KEY (job_id, attempt_number)
		)`,

		`CREATE TABLE IF NOT EXISTS secrets (
			coordinate TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_attempts_state ON attempts(state)`,
	}
}

// alterStatements adds columns introduced after the initial schema.
var alterStatements = []struct {
	table    string
	column   string
	typ      string
	indexSQL string
}{
	{"attempts", "error_kind", "TEXT NOT NULL DEFAULT ''", ""},
}

// migrate creates all tables and indexes.
func migrate(ctx context.Context, db *sql.DB, d dialect) error {
	for _, stmt := range schema(d) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Execute ALTER TABLE statements idempotently.
	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, d, alter.table, alter.column, alter.typ); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", alter.table, alter.column, err)
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}
	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, d dialect, table, column, typ string) error {
	if d == dialectPostgres {
		_, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, column, typ))
		return err
	}

	exists, err := hasColumn(ctx, db, table, column)
	if err != nil || exists {
		return err
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ))
	return err
}

// hasColumn reports whether a SQLite table has column. The rows are closed
// before returning so single-connection databases can run the ALTER.
func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

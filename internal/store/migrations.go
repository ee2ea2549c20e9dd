package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all tables of a workflow run database.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_params (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS task_pool (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		point      TEXT NOT NULL,
		state      TEXT NOT NULL,
		record     TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_pool_state ON task_pool(state)`,

	`CREATE TABLE IF NOT EXISTS task_jobs (
		task_id      TEXT NOT NULL,
		submit_num   INTEGER NOT NULL,
		name         TEXT NOT NULL,
		point        TEXT NOT NULL,
		try_num      INTEGER NOT NULL,
		platform     TEXT NOT NULL DEFAULT '',
		handle       TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL,
		exit_class   TEXT NOT NULL DEFAULT '',
		exit_code    INTEGER,
		submitted_at TEXT,
		started_at   TEXT,
		finished_at  TEXT,
		PRIMARY KEY (task_id, submit_num)
	)`,

	// Outputs outlive the pool rows: they are the history that stops a
	// removed instance from being spawned again.
	`CREATE TABLE IF NOT EXISTS task_outputs (
		task_id    TEXT PRIMARY KEY,
		outputs    TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS broadcast_states (
		point     TEXT NOT NULL,
		namespace TEXT NOT NULL,
		settings  TEXT NOT NULL,
		PRIMARY KEY (point, namespace)
	)`,

	`CREATE TABLE IF NOT EXISTS journal (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at TEXT NOT NULL,
		applied    INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_applied ON journal(applied)`,

	// Jobs queued for remote workers
	`CREATE TABLE IF NOT EXISTS worker_jobs (
		handle         TEXT PRIMARY KEY,
		pool           TEXT NOT NULL,
		spec           TEXT NOT NULL,
		state          TEXT NOT NULL,
		worker_id      TEXT NOT NULL DEFAULT '',
		exit_code      INTEGER,
		kill_requested INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL,
		started_at     TEXT,
		finished_at    TEXT
	)`,
	// Compound index for the worker checkout query (state + pool)
	`CREATE INDEX IF NOT EXISTS idx_worker_jobs_state_pool ON worker_jobs(state, pool)`,

	// Workers table for remote job execution
	`CREATE TABLE IF NOT EXISTS workers (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		hostname      TEXT NOT NULL DEFAULT '',
		state         TEXT NOT NULL DEFAULT 'online',
		pools         TEXT NOT NULL DEFAULT '[]',
		labels        TEXT NOT NULL DEFAULT '{}',
		last_seen     TEXT NOT NULL,
		current_job   TEXT NOT NULL DEFAULT '',
		registered_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_state ON workers(state)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "worker_jobs",
		column:   "message",
		alterSQL: "ALTER TABLE worker_jobs ADD COLUMN message TEXT NOT NULL DEFAULT ''",
	},
	{
		table:    "worker_jobs",
		column:   "task_id",
		alterSQL: "ALTER TABLE worker_jobs ADD COLUMN task_id TEXT NOT NULL DEFAULT ''",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_worker_jobs_task_id ON worker_jobs(task_id)",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	// Execute ALTER TABLE statements idempotently.
	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
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
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	// Query table info to check if column exists.
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil // Column already exists
		}
	}

	// Column doesn't exist, add it.
	_, err = db.ExecContext(ctx, alterSQL)
	return err
}

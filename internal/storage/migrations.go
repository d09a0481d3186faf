package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one schema step. Steps are applied in version order, each in
// its own transaction, and recorded in schema_migrations. Every step only
// creates what is missing, so re-running one against a database that already
// has its effect changes nothing.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{1, "core tables", migrateCoreTables},
	{2, "batch runs", migrateBatches},
	{3, "session overrides and run settings", migrateRunSettings},
	{4, "nullable batch item session", rebuildBatchItems},
	{5, "benchmark runs", migrateBenchmarks},
}

func (s *Storage) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if err := m.apply(ctx, tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, CURRENT_TIMESTAMP)`,
				m.version, m.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func (s *Storage) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateCoreTables(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			repo_root TEXT NOT NULL,
			base_branch TEXT NOT NULL,
			branch_name TEXT NOT NULL,
			worktree_path TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'idle',
			mode TEXT NOT NULL DEFAULT 'async',
			thread_id TEXT,
			auto_commit INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			last_run TIMESTAMP,
			UNIQUE(repo_root, branch_name)
		)`,
		`CREATE TABLE IF NOT EXISTS iterations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP,
			commit_sha TEXT,
			changed_files INTEGER NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			model TEXT,
			exit_code INTEGER,
			output TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			iteration_id INTEGER,
			timestamp TIMESTAMP NOT NULL,
			tool_name TEXT NOT NULL,
			args_json TEXT,
			success INTEGER NOT NULL DEFAULT 1,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE TABLE IF NOT EXISTS thread_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			idx INTEGER NOT NULL,
			UNIQUE(thread_id, idx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_repo ON sessions(repo_root)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_iterations_session ON iterations(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, iteration_id)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_session ON threads(session_id)`,
	)
}

// migrateBatches creates batch_items in its original shape, where session_id
// was mandatory. Version 4 widens it.
func migrateBatches(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS batches (
			run_id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL,
			defaults_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS batch_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			repo TEXT NOT NULL,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			error TEXT,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			model TEXT,
			tokens_total INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_items_run ON batch_items(run_id, status)`,
	)
}

func migrateRunSettings(ctx context.Context, tx *sql.Tx) error {
	columns := []struct{ table, column, decl string }{
		{"sessions", "script_command", "TEXT"},
		{"sessions", "model_override", "TEXT"},
		{"iterations", "notes", "TEXT"},
		{"iterations", "log_path", "TEXT"},
		{"batches", "status", "TEXT NOT NULL DEFAULT 'running'"},
		{"batches", "concurrency", "INTEGER NOT NULL DEFAULT 1"},
		{"batches", "timeout_ms", "INTEGER NOT NULL DEFAULT 0"},
	}
	for _, c := range columns {
		if err := addColumnIfMissing(ctx, tx, c.table, c.column, c.decl); err != nil {
			return err
		}
	}
	return nil
}

// rebuildBatchItems widens batch_items.session_id to nullable. SQLite cannot
// alter a column constraint, so the table is copied into a new one inside the
// migration transaction. Skipped when the column is already nullable.
func rebuildBatchItems(ctx context.Context, tx *sql.Tx) error {
	var notNull int
	err := tx.QueryRowContext(ctx,
		`SELECT "notnull" FROM pragma_table_info('batch_items') WHERE name = 'session_id'`,
	).Scan(&notNull)
	if err != nil {
		return fmt.Errorf("inspect batch_items: %w", err)
	}
	if notNull == 0 {
		return nil
	}

	return execAll(ctx, tx,
		`ALTER TABLE batch_items RENAME TO batch_items_old`,
		`CREATE TABLE batch_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			session_id TEXT,
			repo TEXT NOT NULL,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			error TEXT,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			model TEXT,
			tokens_total INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT INTO batch_items (id, run_id, session_id, repo, prompt, status, error, started_at, finished_at, model, tokens_total)
		 SELECT id, run_id, NULLIF(session_id, ''), repo, prompt, status, error, started_at, finished_at, model, tokens_total
		 FROM batch_items_old`,
		`DROP TABLE batch_items_old`,
		`CREATE INDEX IF NOT EXISTS idx_batch_items_run ON batch_items(run_id, status)`,
	)
}

func migrateBenchmarks(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS benchmark_runs (
			id TEXT PRIMARY KEY,
			suite TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			concurrency INTEGER NOT NULL DEFAULT 1,
			timeout_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS benchmark_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			case_id TEXT NOT NULL,
			session_id TEXT,
			repo TEXT NOT NULL,
			prompt TEXT NOT NULL,
			test_command TEXT,
			grader TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			error TEXT,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			tokens_total INTEGER NOT NULL DEFAULT 0,
			test_output TEXT,
			UNIQUE(run_id, case_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_benchmark_results_run ON benchmark_results(run_id, status)`,
	)
}

func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, decl string) error {
	exists, err := columnExists(ctx, tx, table, column)
	if err != nil {
		return fmt.Errorf("check %s.%s: %w", table, column, err)
	}
	if exists {
		return nil
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	if err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

// columnExists closes its cursor before returning; the pool has a single
// connection, so a leaked cursor would deadlock the next statement.
func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT name FROM pragma_table_info('%s') WHERE name = ?", table),
		column,
	)
	if err != nil {
		return false, err
	}
	found := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	return found, nil
}

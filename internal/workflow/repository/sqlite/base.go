// Package sqlite provides SQLite-based repository implementations.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hyperagent/hyperagent/internal/db"
)

// Repository provides SQLite-based workflow storage operations.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a new SQLite repository with an existing database connection (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// Checkpoint flushes the WAL through the writer connection so the read-only
// pool, and sandboxes re-opening the store file, observe the latest
// committed state.
func (r *Repository) Checkpoint(ctx context.Context) error {
	return db.Checkpoint(ctx, r.db.DB)
}

// initSchema creates the database tables if they don't exist
func (r *Repository) initSchema() error {
	if err := r.initProjectSchema(); err != nil {
		return err
	}
	if err := r.initWorkflowSchema(); err != nil {
		return err
	}
	if err := r.initRunnerSchema(); err != nil {
		return err
	}
	if err := r.runMigrations(); err != nil {
		return err
	}
	return r.ensureQueueIndexes()
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (r *Repository) runMigrations() error {
	// Add planner_task_id to databases created before steps carried their
	// planner origin (ignore error if the column already exists)
	_, _ = r.db.Exec(`ALTER TABLE workflow_steps ADD COLUMN planner_task_id TEXT DEFAULT ''`)
	// Agent runs gained a logs_path pointer for provenance files
	_, _ = r.db.Exec(`ALTER TABLE agent_runs ADD COLUMN logs_path TEXT`)
	return nil
}

func (r *Repository) initProjectSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		default_branch TEXT DEFAULT 'main',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initWorkflowSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		planner_run_id TEXT DEFAULT '',
		kind TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		data TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS workflow_steps (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		planner_task_id TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		sequence INTEGER NOT NULL DEFAULT 0,
		depends_on TEXT DEFAULT '[]',
		data TEXT DEFAULT '{}',
		result TEXT DEFAULT '{}',
		runner_instance_id TEXT,
		runner_attempts INTEGER NOT NULL DEFAULT 0,
		ready_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS agent_runs (
		id TEXT PRIMARY KEY,
		workflow_step_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		branch TEXT DEFAULT '',
		agent_type TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		logs_path TEXT,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (workflow_step_id) REFERENCES workflow_steps(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (r *Repository) initRunnerSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS runner_dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		runner_instance_id TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runner_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		runner_instance_id TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

// ensureQueueIndexes creates the indexes the polling loop depends on
func (r *Repository) ensureQueueIndexes() error {
	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_workflows_project_id ON workflows(project_id);
	CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
	CREATE INDEX IF NOT EXISTS idx_workflow_steps_workflow_id ON workflow_steps(workflow_id);
	CREATE INDEX IF NOT EXISTS idx_workflow_steps_status_ready ON workflow_steps(status, ready_at);
	CREATE INDEX IF NOT EXISTS idx_agent_runs_step_id ON agent_runs(workflow_step_id);
	CREATE INDEX IF NOT EXISTS idx_runner_dead_letters_step_id ON runner_dead_letters(step_id);
	CREATE INDEX IF NOT EXISTS idx_runner_events_workflow_id ON runner_events(workflow_id);
	CREATE INDEX IF NOT EXISTS idx_runner_events_step_id ON runner_events(step_id);
	`)
	return err
}

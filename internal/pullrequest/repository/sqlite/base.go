// Package sqlite provides SQLite-based repository implementations.
package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repository provides SQLite-based pull-request storage operations.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a new SQLite repository with an existing database connection (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: false}
	if err := repo.initSchema(); err != nil {
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

// initSchema creates the database tables if they don't exist
func (r *Repository) initSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS pull_requests (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		source_branch TEXT NOT NULL,
		target_branch TEXT NOT NULL,
		external_patch_id TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		author_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pull_request_commits (
		id TEXT PRIMARY KEY,
		pull_request_id TEXT NOT NULL,
		commit_hash TEXT NOT NULL,
		author TEXT DEFAULT '',
		authored_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (pull_request_id) REFERENCES pull_requests(id) ON DELETE CASCADE,
		UNIQUE(pull_request_id, commit_hash)
	);

	CREATE TABLE IF NOT EXISTS pull_request_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pull_request_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		actor_id TEXT,
		data TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (pull_request_id) REFERENCES pull_requests(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_pull_requests_project_id ON pull_requests(project_id);
	CREATE INDEX IF NOT EXISTS idx_pull_requests_status ON pull_requests(status);
	CREATE INDEX IF NOT EXISTS idx_pr_commits_pr_id ON pull_request_commits(pull_request_id);
	CREATE INDEX IF NOT EXISTS idx_pr_events_pr_id ON pull_request_events(pull_request_id);
	`)
	return err
}

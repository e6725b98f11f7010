package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyperagent/hyperagent/internal/pullrequest/models"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

// CreatePullRequest inserts a new pull request
func (r *Repository) CreatePullRequest(ctx context.Context, pr *models.PullRequest) error {
	if pr.ID == "" {
		pr.ID = uuid.New().String()
	}
	if pr.Status == "" {
		pr.Status = v1.PullRequestStatusOpen
	}
	now := time.Now().UTC()
	pr.CreatedAt = now
	pr.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO pull_requests (id, project_id, title, description, source_branch, target_branch, external_patch_id, status, author_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), pr.ID, pr.ProjectID, pr.Title, pr.Description, pr.SourceBranch, pr.TargetBranch, pr.ExternalPatchID, pr.Status, pr.AuthorID, pr.CreatedAt, pr.UpdatedAt)
	return err
}

// GetPullRequest retrieves a pull request by ID
func (r *Repository) GetPullRequest(ctx context.Context, id string) (*models.PullRequest, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, project_id, title, description, source_branch, target_branch, external_patch_id, status, author_id, created_at, updated_at
		FROM pull_requests WHERE id = ?
	`), id)

	pr, err := scanPullRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pull request not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return pr, nil
}

// UpdatePullRequest updates an existing pull request
func (r *Repository) UpdatePullRequest(ctx context.Context, pr *models.PullRequest) error {
	pr.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE pull_requests SET title = ?, description = ?, source_branch = ?, target_branch = ?, external_patch_id = ?, status = ?, author_id = ?, updated_at = ?
		WHERE id = ?
	`), pr.Title, pr.Description, pr.SourceBranch, pr.TargetBranch, pr.ExternalPatchID, pr.Status, pr.AuthorID, pr.UpdatedAt, pr.ID)
	if err != nil {
		return err
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("pull request not found: %s", pr.ID)
	}
	return nil
}

// UpdatePullRequestStatus transitions a pull request to a new status
func (r *Repository) UpdatePullRequestStatus(ctx context.Context, id string, status v1.PullRequestStatus) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE pull_requests SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("pull request not found: %s", id)
	}
	return nil
}

// ListPullRequests returns pull requests filtered by project and status.
// Empty filter values match everything.
func (r *Repository) ListPullRequests(ctx context.Context, projectID string, status v1.PullRequestStatus) ([]*models.PullRequest, error) {
	query := `
		SELECT id, project_id, title, description, source_branch, target_branch, external_patch_id, status, author_id, created_at, updated_at
		FROM pull_requests WHERE 1=1`
	args := []interface{}{}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.PullRequest
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pr)
	}
	return result, rows.Err()
}

// ReplaceCommits rewrites the commit projection of a pull request in a
// single transaction, so readers never observe a partial set.
func (r *Repository) ReplaceCommits(ctx context.Context, pullRequestID string, commits []*models.PullRequestCommit) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM pull_request_commits WHERE pull_request_id = ?
	`), pullRequestID); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback commit rewrite: %w", rollbackErr)
		}
		return err
	}

	now := time.Now().UTC()
	for _, commit := range commits {
		if commit.ID == "" {
			commit.ID = uuid.New().String()
		}
		commit.PullRequestID = pullRequestID
		commit.CreatedAt = now

		if _, err := tx.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO pull_request_commits (id, pull_request_id, commit_hash, author, authored_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`), commit.ID, commit.PullRequestID, commit.CommitHash, commit.Author, commit.AuthoredAt, commit.CreatedAt); err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				return fmt.Errorf("failed to rollback commit rewrite: %w", rollbackErr)
			}
			return err
		}
	}

	return tx.Commit()
}

// ListCommits returns the commit projection of a pull request, oldest first
func (r *Repository) ListCommits(ctx context.Context, pullRequestID string) ([]*models.PullRequestCommit, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, pull_request_id, commit_hash, author, authored_at, created_at
		FROM pull_request_commits WHERE pull_request_id = ? ORDER BY authored_at ASC, commit_hash ASC
	`), pullRequestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.PullRequestCommit
	for rows.Next() {
		commit := &models.PullRequestCommit{}
		var authoredAt sql.NullTime
		err := rows.Scan(
			&commit.ID,
			&commit.PullRequestID,
			&commit.CommitHash,
			&commit.Author,
			&authoredAt,
			&commit.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if authoredAt.Valid {
			commit.AuthoredAt = authoredAt.Time
		}
		result = append(result, commit)
	}
	return result, rows.Err()
}

// AppendEvent appends an entry to the pull request audit log
func (r *Repository) AppendEvent(ctx context.Context, event *models.PullRequestEvent) error {
	event.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(event.Data)
	if err != nil {
		data = []byte("{}")
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO pull_request_events (pull_request_id, kind, actor_id, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), event.PullRequestID, event.Kind, event.ActorID, string(data), event.CreatedAt)
	if err != nil {
		return err
	}

	event.ID, _ = res.LastInsertId()
	return nil
}

// ListEvents returns the audit log of a pull request in insertion order
func (r *Repository) ListEvents(ctx context.Context, pullRequestID string) ([]*models.PullRequestEvent, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, pull_request_id, kind, actor_id, data, created_at
		FROM pull_request_events WHERE pull_request_id = ? ORDER BY id ASC
	`), pullRequestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.PullRequestEvent
	for rows.Next() {
		event := &models.PullRequestEvent{}
		var actorID sql.NullString
		var data string
		err := rows.Scan(
			&event.ID,
			&event.PullRequestID,
			&event.Kind,
			&actorID,
			&data,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if actorID.Valid {
			event.ActorID = &actorID.String
		}
		_ = json.Unmarshal([]byte(data), &event.Data)
		result = append(result, event)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanPullRequest scans a single pull request row
func scanPullRequest(row rowScanner) (*models.PullRequest, error) {
	pr := &models.PullRequest{}
	var description, externalPatchID sql.NullString
	err := row.Scan(
		&pr.ID,
		&pr.ProjectID,
		&pr.Title,
		&description,
		&pr.SourceBranch,
		&pr.TargetBranch,
		&externalPatchID,
		&pr.Status,
		&pr.AuthorID,
		&pr.CreatedAt,
		&pr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if description.Valid {
		pr.Description = &description.String
	}
	if externalPatchID.Valid {
		pr.ExternalPatchID = &externalPatchID.String
	}
	return pr, nil
}

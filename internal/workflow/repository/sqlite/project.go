package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyperagent/hyperagent/internal/workflow/models"
)

// CreateProject registers a new project
func (r *Repository) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if project.DefaultBranch == "" {
		project.DefaultBranch = "main"
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO projects (id, name, path, default_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), project.ID, project.Name, project.Path, project.DefaultBranch, project.CreatedAt, project.UpdatedAt)
	return err
}

// GetProject retrieves a project by ID
func (r *Repository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	project := &models.Project{}
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, name, path, default_branch, created_at, updated_at
		FROM projects WHERE id = ?
	`), id).Scan(&project.ID, &project.Name, &project.Path, &project.DefaultBranch, &project.CreatedAt, &project.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return project, nil
}

// UpdateProject updates an existing project
func (r *Repository) UpdateProject(ctx context.Context, project *models.Project) error {
	project.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE projects SET name = ?, path = ?, default_branch = ?, updated_at = ?
		WHERE id = ?
	`), project.Name, project.Path, project.DefaultBranch, project.UpdatedAt, project.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("project not found: %s", project.ID)
	}
	return nil
}

// DeleteProject deletes a project by ID
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("project not found: %s", id)
	}
	return nil
}

// ListProjects returns all registered projects
func (r *Repository) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, name, path, default_branch, created_at, updated_at
		FROM projects ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Project
	for rows.Next() {
		project := &models.Project{}
		if err := rows.Scan(&project.ID, &project.Name, &project.Path, &project.DefaultBranch, &project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, project)
	}
	return result, rows.Err()
}

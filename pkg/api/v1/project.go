package v1

import "time"

// Project represents a registered git repository that workflows run against
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreateProjectRequest for registering a new project
type CreateProjectRequest struct {
	Name          string `json:"name" binding:"required,max=255"`
	Path          string `json:"path" binding:"required"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

// UpdateProjectRequest for updating a project
type UpdateProjectRequest struct {
	Name          *string `json:"name,omitempty" binding:"omitempty,max=255"`
	DefaultBranch *string `json:"default_branch,omitempty"`
}

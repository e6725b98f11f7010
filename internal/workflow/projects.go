package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperagent/hyperagent/internal/common/errors"
	"github.com/hyperagent/hyperagent/internal/events"
	"github.com/hyperagent/hyperagent/internal/events/bus"
	"github.com/hyperagent/hyperagent/internal/workflow/models"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

// CreateProject registers a repository for workflow execution. The path must
// point at an existing directory; it is stored absolute because runner
// sandboxes receive it verbatim as a bind mount.
func (r *Runtime) CreateProject(ctx context.Context, req *v1.CreateProjectRequest) (*models.Project, error) {
	if req.Name == "" {
		return nil, errors.ValidationError("name", "name is required")
	}
	if req.Path == "" {
		return nil, errors.ValidationError("path", "path is required")
	}
	path, err := filepath.Abs(req.Path)
	if err != nil {
		return nil, errors.ValidationError("path", "path cannot be resolved")
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, errors.ValidationError("path", fmt.Sprintf("directory does not exist: %s", path))
	}

	project := &models.Project{
		ID:            uuid.New().String(),
		Name:          req.Name,
		Path:          path,
		DefaultBranch: req.DefaultBranch,
	}
	if project.DefaultBranch == "" {
		project.DefaultBranch = "main"
	}

	if err := r.repo.CreateProject(ctx, project); err != nil {
		return nil, errors.StoreIOFailure("failed to persist project", err)
	}

	r.logger.Info("Project registered",
		zap.String("project_id", project.ID),
		zap.String("name", project.Name),
		zap.String("path", project.Path))
	r.publishProjectEvent(ctx, events.ProjectCreated, project)
	return project, nil
}

// GetProject returns a registered project.
func (r *Runtime) GetProject(ctx context.Context, id string) (*models.Project, error) {
	project, err := r.repo.GetProject(ctx, id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, errors.ProjectNotFound(id)
		}
		return nil, errors.StoreIOFailure("failed to load project", err)
	}
	return project, nil
}

// ListProjects returns every registered project.
func (r *Runtime) ListProjects(ctx context.Context) ([]*models.Project, error) {
	projects, err := r.repo.ListProjects(ctx)
	if err != nil {
		return nil, errors.StoreIOFailure("failed to list projects", err)
	}
	return projects, nil
}

// UpdateProject applies descriptive-field changes. The repository path is
// immutable; re-register the project to move it.
func (r *Runtime) UpdateProject(ctx context.Context, id string, req *v1.UpdateProjectRequest) (*models.Project, error) {
	project, err := r.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		if *req.Name == "" {
			return nil, errors.ValidationError("name", "name cannot be empty")
		}
		project.Name = *req.Name
	}
	if req.DefaultBranch != nil && *req.DefaultBranch != "" {
		project.DefaultBranch = *req.DefaultBranch
	}

	if err := r.repo.UpdateProject(ctx, project); err != nil {
		return nil, errors.StoreIOFailure("failed to update project", err)
	}
	r.publishProjectEvent(ctx, events.ProjectUpdated, project)
	return project, nil
}

func (r *Runtime) publishProjectEvent(ctx context.Context, eventType string, project *models.Project) {
	if r.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"project_id":     project.ID,
		"name":           project.Name,
		"path":           project.Path,
		"default_branch": project.DefaultBranch,
	}
	if err := r.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		r.logger.WithError(err).Error("Failed to publish project event",
			zap.String("event_type", eventType),
			zap.String("project_id", project.ID))
	}
}

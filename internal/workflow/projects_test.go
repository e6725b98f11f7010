package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperagent/hyperagent/internal/common/errors"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

func TestCreateProjectRegistersDirectory(t *testing.T) {
	env := newTestEnv(t, nil, nil, quickConfig())
	ctx := context.Background()
	dir := t.TempDir()

	project, err := env.rt.CreateProject(ctx, &v1.CreateProjectRequest{Name: "demo", Path: dir})
	require.NoError(t, err)
	require.NotEmpty(t, project.ID)
	require.Equal(t, dir, project.Path)
	require.Equal(t, "main", project.DefaultBranch)

	got, err := env.rt.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, "demo", got.Name)

	projects, err := env.rt.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t, nil, nil, quickConfig())
	ctx := context.Background()

	_, err := env.rt.CreateProject(ctx, &v1.CreateProjectRequest{Path: t.TempDir()})
	require.Equal(t, errors.ErrCodeValidationError, errors.Code(err))

	_, err = env.rt.CreateProject(ctx, &v1.CreateProjectRequest{Name: "demo"})
	require.Equal(t, errors.ErrCodeValidationError, errors.Code(err))

	_, err = env.rt.CreateProject(ctx, &v1.CreateProjectRequest{Name: "demo", Path: "/does/not/exist-hyperagent"})
	require.Equal(t, errors.ErrCodeValidationError, errors.Code(err))
	require.Contains(t, err.Error(), "directory does not exist")
}

func TestUpdateProjectChangesNameAndBranch(t *testing.T) {
	env := newTestEnv(t, nil, nil, quickConfig())
	ctx := context.Background()

	project, err := env.rt.CreateProject(ctx, &v1.CreateProjectRequest{Name: "demo", Path: t.TempDir()})
	require.NoError(t, err)

	name := "renamed"
	branch := "develop"
	updated, err := env.rt.UpdateProject(ctx, project.ID, &v1.UpdateProjectRequest{
		Name:          &name,
		DefaultBranch: &branch,
	})
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Name)
	require.Equal(t, "develop", updated.DefaultBranch)
	require.Equal(t, project.Path, updated.Path, "path is immutable")

	empty := ""
	_, err = env.rt.UpdateProject(ctx, project.ID, &v1.UpdateProjectRequest{Name: &empty})
	require.Equal(t, errors.ErrCodeValidationError, errors.Code(err))

	_, err = env.rt.UpdateProject(ctx, "missing", &v1.UpdateProjectRequest{Name: &name})
	require.True(t, errors.IsNotFound(err))
}

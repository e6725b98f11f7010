package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperagent/hyperagent/internal/common/errors"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

func TestCreateWorkflowFromPlanMaterialisesSteps(t *testing.T) {
	env := newTestEnv(t, nil, nil, quickConfig())
	ctx := context.Background()
	project := seedProject(t, env, "")

	workflow, err := env.rt.CreateWorkflowFromPlan(ctx, &v1.CreateWorkflowRequest{
		ProjectID: project.ID,
		Plan: v1.PlannerRun{
			ID:   "plan-1",
			Kind: "feature",
			Tasks: []v1.PlannerTask{
				{
					ID:           "design",
					Title:        "Design the API",
					Instructions: "Sketch endpoints",
					AgentType:    "claude",
					Metadata:     map[string]interface{}{"priority": "high"},
				},
				{ID: "build", DependsOn: []string{"design", "design"}},
			},
			Data: map[string]interface{}{"baseBranch": "develop"},
		},
		Data: map[string]interface{}{"requestedBy": "planner"},
	})
	require.NoError(t, err)

	require.Equal(t, v1.WorkflowStatusPending, workflow.Status)
	require.Equal(t, "plan-1", workflow.PlannerRunID)
	require.Equal(t, "feature", workflow.Kind)
	require.Equal(t, "develop", workflow.Data["baseBranch"])
	require.Equal(t, "planner", workflow.Data["requestedBy"])

	steps, err := env.repo.ListSteps(ctx, workflow.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	design, build := steps[0], steps[1]
	require.Equal(t, workflow.ID+":design", design.ID)
	require.Equal(t, "design", design.PlannerTaskID)
	require.Equal(t, 1, design.Sequence)
	require.Equal(t, v1.StepStatusPending, design.Status)
	require.NotNil(t, design.ReadyAt, "materialised steps are immediately schedulable")
	require.Equal(t, "Design the API", design.Data["title"])
	require.Equal(t, "Sketch endpoints", design.Data["instructions"])
	require.Equal(t, "claude", design.Data["agentType"])
	require.Equal(t, "high", design.Data["priority"])

	require.Equal(t, workflow.ID+":build", build.ID)
	require.Equal(t, 2, build.Sequence)
	require.Equal(t, []string{workflow.ID + ":design"}, build.DependsOn,
		"dependsOn must be canonicalised and de-duplicated")
}

func TestCreateWorkflowFromPlanUnknownProject(t *testing.T) {
	env := newTestEnv(t, nil, nil, quickConfig())

	_, err := env.rt.CreateWorkflowFromPlan(context.Background(), &v1.CreateWorkflowRequest{
		ProjectID: "nope",
		Plan:      v1.PlannerRun{Tasks: []v1.PlannerTask{{ID: "a"}}},
	})
	require.True(t, errors.IsNotFound(err))
}

func TestCreateWorkflowFromPlanValidation(t *testing.T) {
	env := newTestEnv(t, nil, nil, quickConfig())
	ctx := context.Background()
	project := seedProject(t, env, "")

	cases := []struct {
		name    string
		tasks   []v1.PlannerTask
		message string
	}{
		{
			name:    "no tasks",
			tasks:   nil,
			message: "no tasks",
		},
		{
			name:    "missing id",
			tasks:   []v1.PlannerTask{{Title: "anonymous"}},
			message: "has no id",
		},
		{
			name:    "duplicate id",
			tasks:   []v1.PlannerTask{{ID: "a"}, {ID: "a"}},
			message: "duplicate task id",
		},
		{
			name:    "self dependency",
			tasks:   []v1.PlannerTask{{ID: "a", DependsOn: []string{"a"}}},
			message: "depends on itself",
		},
		{
			name:    "unknown dependency",
			tasks:   []v1.PlannerTask{{ID: "a", DependsOn: []string{"ghost"}}},
			message: "unknown task",
		},
		{
			name: "cycle",
			tasks: []v1.PlannerTask{
				{ID: "a", DependsOn: []string{"c"}},
				{ID: "b", DependsOn: []string{"a"}},
				{ID: "c", DependsOn: []string{"b"}},
			},
			message: "cycle",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.rt.CreateWorkflowFromPlan(ctx, &v1.CreateWorkflowRequest{
				ProjectID: project.ID,
				Plan:      v1.PlannerRun{Tasks: tc.tasks},
			})
			require.True(t, errors.IsInvalidPlan(err), "expected invalid plan, got %v", err)
			require.Contains(t, err.Error(), tc.message)
		})
	}

	// Nothing was persisted by the rejected plans.
	workflows, err := env.rt.ListWorkflows(ctx, project.ID)
	require.NoError(t, err)
	require.Empty(t, workflows)
}
